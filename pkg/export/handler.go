package export

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/nicktill/minerstats/pkg/config"
	"github.com/nicktill/minerstats/pkg/httpx"
	"github.com/nicktill/minerstats/pkg/logging"
	"github.com/nicktill/minerstats/pkg/schema"
	"github.com/nicktill/minerstats/pkg/storage"
	"github.com/nicktill/minerstats/pkg/timeseries"
)

// Handler handles export/import HTTP endpoints
type Handler struct {
	exporter *Exporter
	importer *Importer
	logger   zerolog.Logger
}

// NewHandler creates a new export/import handler. Reads come from store;
// imports are written to sink, which may add retention triggers.
func NewHandler(store, sink storage.Store, logger zerolog.Logger) *Handler {
	return &Handler{
		exporter: NewExporter(store),
		importer: NewImporter(sink),
		logger:   logging.Component(logger, "export"),
	}
}

// HandleExport handles GET /v1/export
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	format := params.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Invalid format. Must be 'json' or 'csv'")
		return
	}

	opts := ExportOptions{
		Key: schema.SeriesKey{
			Pool:      params.Get("pool"),
			Algorithm: params.Get("algo"),
			Coin:      params.Get("coin"),
		},
		Granularity: timeseries.Minute,
		Format:      format,
	}
	if err := opts.Key.Validate(); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if name := params.Get("range"); name != "" {
		g, err := timeseries.ParseRange(name)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		opts.Granularity = g
	}

	timestamp := time.Now().Format("20060102-150405")
	filename := fmt.Sprintf("minerstats-%s-%s-%s.%s", opts.Key.Pool, opts.Key.Algorithm, timestamp, format)
	if format == "json" {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/csv")
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))

	var (
		result *ExportResult
		err    error
	)
	if format == "json" {
		result, err = h.exporter.ExportToJSON(r.Context(), w, opts)
	} else {
		result, err = h.exporter.ExportToCSV(r.Context(), w, opts)
	}
	if err != nil {
		h.logger.Error().Err(err).Str("series", opts.Key.String()).Msg("export failed")
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		httpx.RespondError(w, status, fmt.Errorf("export failed: %w", err))
		return
	}

	h.logger.Info().
		Int("records", result.RecordsExported).
		Str("series", result.Series).
		Str("range", result.Range).
		Str("format", format).
		Msg("exported series")
}

// HandleImport handles POST /v1/import
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); ct != "application/json" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Content-Type must be application/json")
		return
	}

	body := http.MaxBytesReader(w, r.Body, config.ImportMaxBodySize)
	result, err := h.importer.ImportFromJSON(r.Context(), body)
	if err != nil {
		h.logger.Error().Err(err).Msg("import failed")
		status := http.StatusBadRequest
		if result != nil {
			status = http.StatusInternalServerError
		}
		httpx.RespondError(w, status, fmt.Errorf("import failed: %w", err))
		return
	}

	if len(result.Errors) > 0 {
		h.logger.Warn().Int("skipped", len(result.Errors)).Strs("first", firstN(result.Errors, 10)).Msg("import skipped invalid records")
	}
	h.logger.Info().Int("records", result.RecordsImported).Str("series", result.Series).Str("range", result.Range).Msg("imported series")

	httpx.RespondJSON(w, http.StatusOK, result)
}

func firstN(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
