package viewer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/arena/go/internal/models"
)

// Handler serves the viewer read model to the presentation layer.
type Handler struct {
	session     *Session
	metrics     http.Handler
	broadcaster *Broadcaster
	unsubscribe func()
}

// NewHandler returns a Handler over session. metrics may be nil. Every
// session change is pushed to /ws/viewer clients.
func NewHandler(session *Session, metrics http.Handler) *Handler {
	b := NewBroadcaster(DefaultBroadcastConfig(), func() any { return session.State() })
	return &Handler{
		session:     session,
		metrics:     metrics,
		broadcaster: b,
		unsubscribe: session.Subscribe(func(st State) { b.Publish(st) }),
	}
}

// Close stops pushing state and disconnects push clients.
func (h *Handler) Close() {
	h.unsubscribe()
	h.broadcaster.Close()
}

// Routes builds the router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", h.Health)
	r.Get("/ws/viewer", h.broadcaster.ServeHTTP)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
	r.Route("/api/viewer", func(r chi.Router) {
		r.Get("/state", h.GetState)
		r.Post("/table", h.SelectTable)
		r.Post("/refresh", h.Refresh)
	})
	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		log.Error().Err(err).Msg("failed to write health check response")
	}
}

// GetState handles GET /api/viewer/state.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.session.State())
}

type selectTableRequest struct {
	TableID string `json:"table_id"`
	Token   string `json:"token,omitempty"`
}

// SelectTable handles POST /api/viewer/table.
// Body: { "table_id": "CF01", "token": "..." }.
func (h *Handler) SelectTable(w http.ResponseWriter, r *http.Request) {
	var req selectTableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := h.session.SelectTable(models.TableSession{TableID: req.TableID, SessionToken: req.Token})
	if errors.Is(err, ErrNoTable) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("select table failed")
		writeError(w, http.StatusInternalServerError, "select table failed")
		return
	}
	writeJSON(w, http.StatusAccepted, h.session.State())
}

// Refresh handles POST /api/viewer/refresh.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	h.session.Refresh()
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// NewServer wraps handler with CORS and cleartext HTTP/2.
func NewServer(port string, handler http.Handler, allowedOrigins []string) *http.Server {
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: allowedOrigins,
		AllowedHeaders: []string{"*"},
	})

	return &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           h2c.NewHandler(c.Handler(handler), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
