package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/campus-rideshare/internal/models"
)

// PushSink tries the user's websocket first and falls back to posting the
// effect to a push provider webhook.
type PushSink struct {
	Endpoint string
	Client   *http.Client
	WS       *WSRegistry
}

func NewPushSink(endpoint string, ws *WSRegistry) *PushSink {
	return &PushSink{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}, WS: ws}
}

type pushPayload struct {
	UserID string        `json:"userId"`
	Effect models.Effect `json:"effect"`
}

func (p *PushSink) Deliver(ctx context.Context, ef models.Effect) error {
	for _, uid := range Recipients(ef) {
		if p.WS != nil && p.WS.Send(uid, ef) == nil {
			continue
		}
		if p.Endpoint == "" {
			continue
		}
		if err := p.post(ctx, pushPayload{UserID: uid, Effect: ef}); err != nil {
			return err
		}
	}
	return nil
}

func (p *PushSink) post(ctx context.Context, pl pushPayload) error {
	b, err := json.Marshal(pl)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", pl.Effect.ID+":"+pl.UserID)
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("push %s: %w", pl.UserID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push %s: status %d", pl.UserID, resp.StatusCode)
	}
	return nil
}
