// Package httpapi exposes the session control actions over HTTP: session
// creation, join/leave, cursor updates, and presence queries. The websocket
// endpoint for the realtime stream is mounted here too but lives in the
// transport package.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// Server wires the control handlers onto a router.
type Server struct {
	api *API
	ws  http.Handler
	log *slog.Logger
}

// NewServer creates a Server over the given engine and websocket handler.
// ws may be nil when running without a realtime transport (tests, tooling).
func NewServer(engine Engine, ws http.Handler, log *slog.Logger) *Server {
	return &Server{
		api: &API{engine: engine, log: log.With("component", "httpapi")},
		ws:  ws,
		log: log,
	}
}

// Router builds the HTTP routing table:
//
//	POST /api/collaboration   control actions (body carries "action")
//	GET  /api/collaboration   presence query (?sessionId=)
//	GET  /ws                  realtime stream upgrade
//	GET  /healthz             liveness probe
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/collaboration", s.api.handleAction).Methods(http.MethodPost)
	r.HandleFunc("/api/collaboration", s.api.handleQuery).Methods(http.MethodGet)
	if s.ws != nil {
		r.Handle("/ws", s.ws).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)

	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(&recoveryLogger{log: s.log}),
	)(cors(s.logRequests(r)))
}

// logRequests is a small slog access-log middleware.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		s.log.Debug("http request", "method", r.Method, "path", r.URL.Path)
	})
}

// recoveryLogger adapts gorilla's recovery handler onto slog.
type recoveryLogger struct {
	log *slog.Logger
}

func (l *recoveryLogger) Println(v ...interface{}) {
	l.log.Error("panic in http handler", "detail", v)
}
