package query

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/nicktill/minerstats/pkg/config"
	"github.com/nicktill/minerstats/pkg/httpx"
	"github.com/nicktill/minerstats/pkg/schema"
	"github.com/nicktill/minerstats/pkg/storage"
	"github.com/nicktill/minerstats/pkg/timeseries"
)

// Handler serves read queries over HTTP
type Handler struct {
	reader *Reader
}

// NewHandler creates a new query handler
func NewHandler(store storage.Store) *Handler {
	return &Handler{reader: NewReader(store)}
}

// HandleLatest handles GET /v1/pools/{pool}/latest
func (h *Handler) HandleLatest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	v, err := h.reader.Latest(ctx, mux.Vars(r)["pool"])
	if err != nil {
		respondQueryError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, v)
}

// HandleSeries handles GET /v1/series?pool=&algo=&coin=&range=&from=&until=&limit=
func (h *Handler) HandleSeries(w http.ResponseWriter, r *http.Request) {
	q, err := parseSeriesQuery(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	res, err := h.reader.Series(ctx, q)
	if err != nil {
		respondQueryError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, res)
}

func parseSeriesQuery(r *http.Request) (SeriesQuery, error) {
	params := r.URL.Query()
	q := SeriesQuery{
		Key: schema.SeriesKey{
			Pool:      params.Get("pool"),
			Algorithm: params.Get("algo"),
			Coin:      params.Get("coin"),
		},
		Granularity: timeseries.Minute,
		Limit:       config.QueryDefaultLimit,
	}

	if name := params.Get("range"); name != "" {
		g, err := timeseries.ParseRange(name)
		if err != nil {
			return q, err
		}
		q.Granularity = g
	}

	var err error
	if q.From, err = parseInt(params.Get("from"), "from"); err != nil {
		return q, err
	}
	if q.Until, err = parseInt(params.Get("until"), "until"); err != nil {
		return q, err
	}

	if s := params.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return q, fmt.Errorf("invalid limit %q", s)
		}
		if n > config.QueryMaxLimit {
			n = config.QueryMaxLimit
		}
		q.Limit = n
	}
	return q, nil
}

func parseInt(s, name string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: must be unix seconds", name, s)
	}
	return n, nil
}

func respondQueryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBadQuery):
		httpx.RespondError(w, http.StatusBadRequest, err)
	case errors.Is(err, storage.ErrNotFound):
		httpx.RespondError(w, http.StatusNotFound, err)
	case errors.Is(err, storage.ErrUnavailable):
		httpx.RespondError(w, http.StatusServiceUnavailable, err)
	default:
		httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("query execution error: %w", err))
	}
}
