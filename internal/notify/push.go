package notify

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

type OfferSender interface {
	SendOffer(ctx context.Context, o models.Offer) error
}

// PushSender delivers offers over the agent's websocket session and falls
// back to the webhook when the agent is not connected.
type PushSender struct {
	WS       *WSRegistry
	Fallback OfferSender
}

func NewPushSender(ws *WSRegistry, fallback OfferSender) *PushSender {
	return &PushSender{WS: ws, Fallback: fallback}
}

func (p *PushSender) SendOffer(ctx context.Context, o models.Offer) error {
	if p.WS != nil {
		err := p.WS.SendOffer(ctx, o)
		if err == nil || !errors.Is(err, ErrNoSession) || p.Fallback == nil {
			return err
		}
	}
	if p.Fallback == nil {
		return ErrNoSession
	}
	return p.Fallback.SendOffer(ctx, o)
}
