// Package delivery carries update batches from producers to the pipeline
// over HTTP with at-least-once semantics: a batch is acknowledged with 200
// only when every update in it was processed, otherwise the sender is
// expected to redeliver it.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/nicktill/minerstats/pkg/config"
	"github.com/nicktill/minerstats/pkg/httpx"
	"github.com/nicktill/minerstats/pkg/logging"
)

var (
	// ErrTooManyUpdates is returned when a batch exceeds the per-request limit
	ErrTooManyUpdates = fmt.Errorf("too many updates in request (max %d)", config.DeliveryMaxUpdates)

	// ErrRejected is returned by the publisher when the server refused the batch as malformed
	ErrRejected = errors.New("batch rejected")

	// ErrNotAcknowledged is returned by the publisher when the server failed to process the batch
	ErrNotAcknowledged = errors.New("batch not acknowledged")
)

// Processor processes a batch of encoded updates
type Processor interface {
	ProcessBatch(ctx context.Context, messages [][]byte) error
}

// Batch is the request payload of POST /v1/updates
type Batch struct {
	Updates []json.RawMessage `json:"updates"`
}

// Response is the payload of a successful delivery
type Response struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// Handler accepts update batches
type Handler struct {
	processor Processor
	logger    zerolog.Logger
}

// NewHandler creates a delivery handler
func NewHandler(p Processor, logger zerolog.Logger) *Handler {
	return &Handler{
		processor: p,
		logger:    logging.Component(logger, "delivery"),
	}
}

// HandleUpdates handles POST /v1/updates
func (h *Handler) HandleUpdates(w http.ResponseWriter, r *http.Request) {
	var batch Batch
	if err := httpx.DecodeJSON(r, config.DeliveryMaxBodySize, &batch); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.RespondError(w, status, err)
		return
	}
	if len(batch.Updates) > config.DeliveryMaxUpdates {
		httpx.RespondError(w, http.StatusBadRequest,
			fmt.Errorf("%w: got %d", ErrTooManyUpdates, len(batch.Updates)))
		return
	}

	messages := make([][]byte, len(batch.Updates))
	for i, u := range batch.Updates {
		messages[i] = u
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.DeliveryTimeout)
	defer cancel()

	if err := h.processor.ProcessBatch(ctx, messages); err != nil {
		h.logger.Error().Err(err).Int("size", len(messages)).Msg("batch not acknowledged")
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, Response{Status: "success", Count: len(messages)})
}
