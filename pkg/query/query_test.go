package query

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/minerstats/pkg/model"
	"github.com/nicktill/minerstats/pkg/schema"
	"github.com/nicktill/minerstats/pkg/storage"
	"github.com/nicktill/minerstats/pkg/storage/memory"
	"github.com/nicktill/minerstats/pkg/timeseries"
)

var key = schema.SeriesKey{Pool: "poolA", Algorithm: "sha256"}

func btc(v float64) model.Amount { return model.Amount{Currency: "BTC", Value: v} }

func put(t *testing.T, store storage.Store, path string, priority int64, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = store.SetWithPriority(context.Background(), path, data, priority)
	require.NoError(t, err)
}

func seed(t *testing.T) storage.Store {
	t.Helper()
	store := memory.New()
	for i := int64(0); i < 5; i++ {
		ts := i * int64(timeseries.Minute)
		put(t, store, key.Record(timeseries.Minute, ts), ts, schema.MinuteRecord{Amount: btc(float64(i + 1)), Timestamp: ts})
	}
	for i := int64(0); i < 3; i++ {
		ts := i * int64(timeseries.Hour)
		put(t, store, key.Record(timeseries.Hour, ts), ts, schema.RollupRecord{
			Min: btc(1), Max: btc(float64(i + 2)), Sum: btc(float64(i + 3)), Count: 2, Timestamp: ts,
		})
	}
	put(t, store, schema.LatestPath("poolA"), 0, schema.LatestValue{
		Algo: "sha256", Amount: btc(5), Pool: "poolA", Timestamp: 250,
	})
	return store
}

func TestReader_MinuteSeries(t *testing.T) {
	r := NewReader(seed(t))

	res, err := r.Series(context.Background(), SeriesQuery{Key: key, Granularity: timeseries.Minute})
	require.NoError(t, err)
	require.Len(t, res.Minutes, 5)
	require.Empty(t, res.Rollups)
	require.Equal(t, int64(0), res.Minutes[0].Timestamp)
	require.Equal(t, "per-minute", res.Range)

	require.NotNil(t, res.Summary)
	require.Equal(t, int64(5), res.Summary.Count)
	require.Equal(t, 1.0, res.Summary.Min.Value)
	require.Equal(t, 5.0, res.Summary.Max.Value)
	require.Equal(t, 15.0, res.Summary.Sum.Value)
}

func TestReader_Window(t *testing.T) {
	r := NewReader(seed(t))

	res, err := r.Series(context.Background(), SeriesQuery{
		Key:         key,
		Granularity: timeseries.Minute,
		From:        60,
		Until:       180,
	})
	require.NoError(t, err)
	require.Len(t, res.Minutes, 3)
	require.Equal(t, int64(60), res.Minutes[0].Timestamp)
	require.Equal(t, int64(180), res.Minutes[2].Timestamp)

	res, err = r.Series(context.Background(), SeriesQuery{Key: key, Granularity: timeseries.Minute, Limit: 2})
	require.NoError(t, err)
	require.Len(t, res.Minutes, 2)
	require.Equal(t, int64(180), res.Minutes[0].Timestamp, "limit keeps the newest buckets")
}

func TestReader_RollupSeries(t *testing.T) {
	r := NewReader(seed(t))

	res, err := r.Series(context.Background(), SeriesQuery{Key: key, Granularity: timeseries.Hour})
	require.NoError(t, err)
	require.Len(t, res.Rollups, 3)
	require.Equal(t, int64(6), res.Summary.Count)
	require.Equal(t, 4.0, res.Summary.Max.Value)
	require.Equal(t, 12.0, res.Summary.Sum.Value)
}

func TestReader_EmptySeries(t *testing.T) {
	r := NewReader(memory.New())

	res, err := r.Series(context.Background(), SeriesQuery{Key: key, Granularity: timeseries.Day})
	require.NoError(t, err)
	require.Empty(t, res.Rollups)
	require.Nil(t, res.Summary)
}

func TestReader_MixedCurrencyMinutes(t *testing.T) {
	store := seed(t)
	ts := 5 * int64(timeseries.Minute)
	put(t, store, key.Record(timeseries.Minute, ts), ts, schema.MinuteRecord{
		Amount: model.Amount{Currency: "ETH", Value: 2}, Timestamp: ts,
	})
	r := NewReader(store)

	res, err := r.Series(context.Background(), SeriesQuery{Key: key, Granularity: timeseries.Minute})
	require.NoError(t, err)
	require.Len(t, res.Minutes, 6)
	require.Equal(t, "ETH", res.Minutes[5].Amount.Currency)
	require.Nil(t, res.Summary)

	rr := serve(t, store, "/v1/series?pool=poolA&algo=sha256")
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestReader_BadQuery(t *testing.T) {
	r := NewReader(memory.New())

	_, err := r.Series(context.Background(), SeriesQuery{Key: schema.SeriesKey{Pool: "a/b", Algorithm: "x"}})
	require.ErrorIs(t, err, ErrBadQuery)

	_, err = r.Series(context.Background(), SeriesQuery{Key: key, From: 10, Until: 5})
	require.ErrorIs(t, err, ErrBadQuery)

	_, err = r.Latest(context.Background(), "")
	require.ErrorIs(t, err, ErrBadQuery)
}

func serve(t *testing.T, store storage.Store, target string) *httptest.ResponseRecorder {
	t.Helper()
	h := NewHandler(store)
	router := mux.NewRouter()
	router.HandleFunc("/v1/pools/{pool}/latest", h.HandleLatest).Methods(http.MethodGet)
	router.HandleFunc("/v1/series", h.HandleSeries).Methods(http.MethodGet)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
	return rr
}

func TestHandleLatest(t *testing.T) {
	store := seed(t)

	rr := serve(t, store, "/v1/pools/poolA/latest")
	require.Equal(t, http.StatusOK, rr.Code)
	var v schema.LatestValue
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	require.Equal(t, "sha256", v.Algo)
	require.Equal(t, int64(250), v.Timestamp)

	rr = serve(t, store, "/v1/pools/poolB/latest")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleSeries(t *testing.T) {
	store := seed(t)

	rr := serve(t, store, "/v1/series?pool=poolA&algo=sha256&range=per-hour&limit=2")
	require.Equal(t, http.StatusOK, rr.Code)

	var res SeriesResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.Equal(t, "pool/poolA/algo/sha256", res.Series)
	require.Len(t, res.Rollups, 2)
	require.Equal(t, int64(timeseries.Hour), res.Rollups[0].Timestamp)
}

func TestHandleSeries_Errors(t *testing.T) {
	store := seed(t)

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"unknown range", "/v1/series?pool=poolA&algo=sha256&range=per-week", http.StatusBadRequest},
		{"missing algo", "/v1/series?pool=poolA", http.StatusBadRequest},
		{"bad limit", "/v1/series?pool=poolA&algo=sha256&limit=-1", http.StatusBadRequest},
		{"bad from", "/v1/series?pool=poolA&algo=sha256&from=yesterday", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(t, store, tt.target)
			require.Equal(t, tt.status, rr.Code)

			var resp map[string]string
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			require.NotEmpty(t, resp["message"])
		})
	}
}

func TestHandleSeries_StoreUnavailable(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.Close())

	rr := serve(t, store, "/v1/series?pool=poolA&algo=sha256")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
