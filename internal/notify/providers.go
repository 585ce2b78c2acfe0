package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

// Message is one rendered notification together with the queue context a
// delivery gateway needs to correlate it back to the visit.
type Message struct {
	Channel     string `json:"channel"`
	Recipient   string `json:"recipient"`
	Body        string `json:"body"`
	Event       string `json:"event"`
	BusinessID  string `json:"business_id"`
	QueueNumber string `json:"queue_number"`
}

type Provider interface {
	Send(ctx context.Context, msg Message) error
}

// newProvider maps a configured provider name to an implementation. An
// http(s) URL is shorthand for a webhook gateway; unknown names fall back
// to logging so a typo never drops notifications silently.
func newProvider(kind string, channel string) Provider {
	if strings.HasPrefix(kind, "http://") || strings.HasPrefix(kind, "https://") {
		return &webhookProvider{url: kind}
	}
	switch kind {
	case "noop":
		return noopProvider{}
	case "fail":
		return failProvider{}
	case "webhook":
		url := os.Getenv("NOTIF_" + strings.ToUpper(channel) + "_WEBHOOK_URL")
		if url == "" {
			return logProvider{}
		}
		return &webhookProvider{
			url:   url,
			token: os.Getenv("NOTIF_" + strings.ToUpper(channel) + "_WEBHOOK_TOKEN"),
		}
	default:
		return logProvider{}
	}
}

type logProvider struct{}

func (logProvider) Send(ctx context.Context, msg Message) error {
	log.Printf("notify channel=%s recipient=%s queue_number=%s event=%s body=%q",
		msg.Channel, msg.Recipient, msg.QueueNumber, msg.Event, msg.Body)
	return nil
}

type noopProvider struct{}

func (noopProvider) Send(ctx context.Context, msg Message) error { return nil }

type failProvider struct{}

func (failProvider) Send(ctx context.Context, msg Message) error {
	return errors.New("provider failure")
}

// webhookProvider posts the full Message to an external gateway, which
// owns the actual SMS or email delivery.
type webhookProvider struct {
	url   string
	token string
}

func (p *webhookProvider) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	return nil
}
