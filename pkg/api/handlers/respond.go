// Package handlers implements the HTTP handlers behind the /api routes.
// Handlers stay thin: decode, call the service, encode. All policy lives
// in the services.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/cubbyhost/cubby/internal/logger"
	"github.com/cubbyhost/cubby/pkg/errs"
)

// Envelope is the wire shape of every JSON response. Exactly one of Data
// and Error is set.
type Envelope struct {
	Data  any        `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

// ErrorBody carries a stable machine-readable code plus a human message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteData writes a success envelope.
func WriteData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Envelope{Data: data}); err != nil {
		logger.Error("failed to encode response", logger.KeyError, err)
	}
}

// WriteError maps a service error onto the HTTP status and error
// envelope. Internal and storage causes are logged here and never leak
// details to the client.
func WriteError(ctx context.Context, w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	if kind == errs.KindInternal || kind == errs.KindStorage {
		logger.ErrorCtx(ctx, "request failed", logger.KeyError, err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(Envelope{Error: &ErrorBody{
		Code:    kind.String(),
		Message: errs.UserMessage(err),
	}})
}

// maxJSONBody bounds JSON request bodies. Chunk and part uploads bypass
// this; they are raw streams on their own routes.
const maxJSONBody = 1 << 20

// decodeJSON decodes the request body into v, rejecting unknown fields
// and trailing garbage.
func decodeJSON(r *http.Request, v any) error {
	const op = "api.decode"

	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errs.Validation(op, "request body is required")
		}
		return errs.Validation(op, "malformed request body")
	}
	if dec.More() {
		return errs.Validation(op, "unexpected trailing data")
	}
	return nil
}
