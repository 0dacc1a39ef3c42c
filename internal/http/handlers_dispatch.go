package httpx

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/quillsec/quill/internal/domain/rules"
	"github.com/quillsec/quill/internal/service/dispatch"
)

// maxRequestBytes bounds one dispatch request body.
const maxRequestBytes = 50 * 1024 * 1024

// DispatchHandlers serves the analysis entry point.
type DispatchHandlers struct {
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger
}

// Dispatch handles POST /dispatch: a direct-test envelope returns the
// per-event results, a pipeline envelope returns the run summary.
func (h *DispatchHandlers) Dispatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusRequestEntityTooLarge, ErrCode: "body_too_large", Err: err})
		return
	}

	out, err := h.Dispatcher.Handle(r.Context(), body)
	if err != nil {
		h.logger().ErrorContext(r.Context(), "dispatch failed", "error", err)
		WriteError(w, dispatchErrorParams(err))
		return
	}
	WriteJSON(w, http.StatusOK, out)
}

func dispatchErrorParams(err error) ErrorParams {
	switch {
	case errors.Is(err, dispatch.ErrEmptyRequest):
		return ErrorParams{Code: http.StatusBadRequest, ErrCode: "empty_request", Err: err}
	case errors.Is(err, dispatch.ErrBadRequest):
		return ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_json", Err: err}
	case errors.Is(err, rules.ErrCatalogUnavailable):
		return ErrorParams{Code: http.StatusServiceUnavailable, ErrCode: "catalog_unavailable", Err: err}
	default:
		return ErrorParams{Code: http.StatusInternalServerError, ErrCode: "dispatch_failed", Err: err}
	}
}

func (h *DispatchHandlers) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
