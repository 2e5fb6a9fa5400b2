package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Webhook posts offers and events as JSON to an agent app backend.
type Webhook struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

func NewWebhook(endpoint, token string) *Webhook {
	return &Webhook{Endpoint: endpoint, Token: token, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (w *Webhook) SendOffer(ctx context.Context, o models.Offer) error {
	return w.post(ctx, Message{Type: "offer", Offer: &o})
}

func (w *Webhook) Notify(ctx context.Context, ev models.Event) error {
	return w.post(ctx, Message{Type: "event", Event: &ev})
}

func (w *Webhook) post(ctx context.Context, m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook %s: status %d", m.Type, resp.StatusCode)
	}
	return nil
}
