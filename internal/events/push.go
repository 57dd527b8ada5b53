package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PushPublisher tries the live WS session first and falls back to an
// HTTP push provider for audiences without one.
type PushPublisher struct {
	WS       *WSRegistry
	Endpoint string
	Client   *http.Client
}

func NewPushPublisher(ws *WSRegistry, endpoint string) *PushPublisher {
	return &PushPublisher{WS: ws, Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushPublisher) Publish(audienceID, event string, payload any) error {
	if p.WS != nil {
		if err := p.WS.Publish(audienceID, event, payload); err == nil {
			return nil
		}
	}
	if p.Endpoint == "" {
		return ErrNoSession
	}
	body, err := json.Marshal(map[string]any{
		"audience": audienceID,
		"event":    event,
		"payload":  payload,
	})
	if err != nil {
		return err
	}
	resp, err := p.Client.Post(p.Endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("events: push endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// FCMPublisher posts events to an FCM HTTPv1-style endpoint, addressing
// the audience through the message data block.
type FCMPublisher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMPublisher(endpoint, key string) *FCMPublisher {
	return &FCMPublisher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMPublisher) Publish(audienceID, event string, payload any) error {
	body := map[string]any{
		"message": map[string]any{
			"topic": audienceID,
			"data":  map[string]any{"event": event, "payload": payload},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("events: fcm returned %d", resp.StatusCode)
	}
	return nil
}
