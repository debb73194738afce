// Package httpx holds small JSON helpers shared by the HTTP handlers.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
)

// RespondJSON writes a JSON response with the given status code and data.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("failed to encode JSON response")
	}
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes an error response with the given status code and error message.
func RespondError(w http.ResponseWriter, status int, err error) {
	RespondErrorString(w, status, err.Error())
}

// RespondErrorString writes an error response with the given status code and message.
func RespondErrorString(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}

// ErrBodyTooLarge is returned by DecodeJSON when the body exceeds the limit
var ErrBodyTooLarge = errors.New("request body too large")

// DecodeJSON reads at most limit bytes of r's body into v. Unknown fields are allowed.
func DecodeJSON(r *http.Request, limit int64, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return fmt.Errorf("%w (max %d bytes)", ErrBodyTooLarge, limit)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
