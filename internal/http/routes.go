package httpx

import (
	"log/slog"
	"net/http"

	"github.com/quillsec/quill/internal/service/dispatch"
)

// RouterServices holds the services the HTTP router exposes.
type RouterServices struct {
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger
}

// NewRouter builds the HTTP handler: the dispatch entry point, health,
// and the logging/recovery middleware around them.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}

	handlers := &DispatchHandlers{Dispatcher: services.Dispatcher, Logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /dispatch", handlers.Dispatch)
	mux.HandleFunc("GET /healthz", healthHandler)
	mux.HandleFunc("HEAD /healthz", healthHandler)

	h := http.Handler(mux)
	h = Logging(logger)(h)
	h = Recover(logger)(h)
	return h
}
