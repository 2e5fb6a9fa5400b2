package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNoSession = errors.New("notify: no websocket session")

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 4096
)

// Responder receives the offer answers agents send over their session.
type Responder interface {
	RespondOffer(ctx context.Context, resp models.OfferResponse) (models.Offer, error)
}

// Message is the envelope written to agent sessions.
type Message struct {
	Type    string        `json:"type"`
	Offer   *models.Offer `json:"offer,omitempty"`
	Event   *models.Event `json:"event,omitempty"`
	OfferID string        `json:"offer_id,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// Answer is what an agent sends back for an offer.
type Answer struct {
	OfferID string `json:"offer_id"`
	Accept  bool   `json:"accept"`
}

// WSSession is one connected agent app.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(m)
}

func (s *WSSession) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// WSRegistry holds agent sessions, at most one per agent.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	log      *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), log: logger}
}

// Add registers conn for the agent, closing any older session.
func (r *WSRegistry) Add(agentID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old := r.sessions[agentID]
	r.sessions[agentID] = s
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	return s
}

// Remove drops the session if it is still the agent's current one.
func (r *WSRegistry) Remove(agentID string, s *WSSession) {
	r.mu.Lock()
	if r.sessions[agentID] == s {
		delete(r.sessions, agentID)
	}
	r.mu.Unlock()
}

func (r *WSRegistry) Connected(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[agentID]
	return ok
}

func (r *WSRegistry) SendOffer(_ context.Context, o models.Offer) error {
	return r.send(o.AgentID, Message{Type: "offer", Offer: &o})
}

// Notify forwards request events to the assigned agent, if connected.
func (r *WSRegistry) Notify(_ context.Context, ev models.Event) error {
	if ev.AgentID == "" {
		return nil
	}
	if err := r.send(ev.AgentID, Message{Type: "event", Event: &ev}); err != nil && !errors.Is(err, ErrNoSession) {
		return err
	}
	return nil
}

func (r *WSRegistry) send(agentID string, m Message) error {
	r.mu.RLock()
	s, ok := r.sessions[agentID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(m); err != nil {
		r.log.Warn("ws send error", "agent_id", agentID, "error", err)
		return err
	}
	return nil
}

// Serve owns conn until the agent disconnects or ctx ends. Answers read from
// the connection go to responder and are acknowledged on the same session.
func (r *WSRegistry) Serve(ctx context.Context, agentID string, conn *websocket.Conn, responder Responder) {
	s := r.Add(agentID, conn)
	defer func() {
		r.Remove(agentID, s)
		_ = conn.Close()
	}()
	r.log.Info("agent session opened", "agent_id", agentID)

	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		tk := time.NewTicker(pingPeriod)
		defer tk.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-tk.C:
				if err := s.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		var a Answer
		if err := conn.ReadJSON(&a); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.log.Warn("agent session read", "agent_id", agentID, "error", err)
			}
			r.log.Info("agent session closed", "agent_id", agentID)
			return
		}
		ack := Message{Type: "ack", OfferID: a.OfferID}
		if _, err := responder.RespondOffer(ctx, models.OfferResponse{OfferID: a.OfferID, AgentID: agentID, Accept: a.Accept}); err != nil {
			ack.Error = err.Error()
		}
		if err := s.Send(ack); err != nil {
			return
		}
	}
}
