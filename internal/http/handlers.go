package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fleet"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/offer"
	"github.com/example/ride-dispatch/internal/registry"
)

type Dispatcher interface {
	Submit(ctx context.Context, cmd dispatch.SubmitCommand) (models.RideRequest, error)
	GetStatus(id string) (dispatch.Status, error)
	Cancel(ctx context.Context, id, reason string) (models.RideRequest, error)
	RespondOffer(ctx context.Context, resp models.OfferResponse) (models.Offer, error)
}

type Fleet interface {
	ReportLocation(ctx context.Context, r models.LocationReport) (models.AgentStatus, error)
	Release(ctx context.Context, id string) (models.AgentStatus, error)
	MarkOffline(ctx context.Context, id string) error
}

type Sessions interface {
	Serve(ctx context.Context, agentID string, conn *websocket.Conn, responder notify.Responder)
}

type Server struct {
	Dispatch Dispatcher
	Fleet    Fleet
	Sessions Sessions

	// base outlives single requests; websocket sessions end with it.
	base    context.Context
	logger  *slog.Logger
	mux     *mux.Router
	handler http.Handler
}

func NewServer(base context.Context, d Dispatcher, f Fleet, sessions Sessions, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Dispatch: d, Fleet: f, Sessions: sessions, base: base, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	s.handler = handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Request-ID"}),
	)(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides", s.handleSubmit).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}", s.handleStatus).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{id}/respond", s.handleRespond).Methods("POST")
	s.mux.HandleFunc("/api/v1/agents/{id}/release", s.handleRelease).Methods("POST")
	s.mux.HandleFunc("/api/v1/agents/{id}/offline", s.handleOffline).Methods("POST")
	s.mux.HandleFunc("/internal/agents/locations", s.handleLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{agent_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var cmd dispatch.SubmitCommand
	if !decode(w, r, &cmd) {
		return
	}
	req, err := s.Dispatch.Submit(r.Context(), cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, req)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Dispatch.GetStatus(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeOptional(w, r, &body) {
		return
	}
	req, err := s.Dispatch.Cancel(r.Context(), mux.Vars(r)["id"], body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
		Accept  bool   `json:"accept"`
	}
	if !decode(w, r, &body) {
		return
	}
	o, err := s.Dispatch.RespondOffer(r.Context(), models.OfferResponse{OfferID: mux.Vars(r)["id"], AgentID: body.AgentID, Accept: body.Accept})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var rep models.LocationReport
	if !decode(w, r, &rep) {
		return
	}
	st, err := s.Fleet.ReportLocation(r.Context(), rep)
	switch {
	case errors.Is(err, geo.ErrStaleUpdate):
		writeJSON(w, http.StatusAccepted, map[string]string{"agent_id": rep.AgentID, "result": "ignored", "reason": "stale_update"})
	case err != nil:
		s.writeError(w, r, err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"agent_id": rep.AgentID, "result": "applied", "status": string(st)})
	}
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, err := s.Fleet.Release(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": id, "status": string(st)})
}

func (s *Server) handleOffline(w http.ResponseWriter, r *http.Request) {
	if err := s.Fleet.MarkOffline(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["agent_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		s.logger.Warn("websocket upgrade failed", "agent_id", id, "error", err)
		return
	}
	s.Sessions.Serve(s.base, id, conn, s.Dispatch)
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrInvalidRequest), errors.Is(err, fleet.ErrInvalidReport):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrNotFound), errors.Is(err, offer.ErrUnknownOffer), errors.Is(err, registry.ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, offer.ErrOfferClosed), errors.Is(err, dispatch.ErrRequestExpired),
		errors.Is(err, dispatch.ErrAgentMismatch), errors.Is(err, registry.ErrInvalidState),
		errors.Is(err, registry.ErrAgentUnavailable):
		return http.StatusConflict
	case errors.Is(err, registry.ErrLockTimeout), errors.Is(err, dispatch.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, errorBody{Error: err.Error(), RequestID: requestIDFromContext(r.Context())})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error(), RequestID: requestIDFromContext(r.Context())})
		return false
	}
	return true
}

// decodeOptional is decode for endpoints where the body may be omitted.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error(), RequestID: requestIDFromContext(r.Context())})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
