// Package export provides series backup and restore.
//
// # Formats
//
// JSON keeps every field of the stored records plus export metadata and
// can be imported again, for example to move history from a badger store
// to a shared postgres store. CSV flattens records for spreadsheets and is
// export-only.
//
// # HTTP API
//
// Export endpoint: GET /v1/export
// Query parameters:
//   - pool, algo, coin: the series (coin only for coin focused pools)
//   - range: per-minute, per-hour or per-day (default: per-minute)
//   - format: "json" or "csv" (default: json)
//
// Example:
//
//	curl "http://localhost:8080/v1/export?pool=nicehash&algo=sha256&range=per-day" \
//	  -o nicehash-sha256.json
//
// Import endpoint: POST /v1/import
// Content-Type: application/json
//
//	curl -X POST "http://localhost:8080/v1/import" \
//	  -H "Content-Type: application/json" \
//	  -d @nicehash-sha256.json
//
// # Validation
//
// Import skips records whose timestamp is not a bucket start or whose
// amounts carry no currency, and rollups with a non-positive count or
// min above max. Skipped records are reported in ImportResult.Errors;
// the rest are written.
package export
