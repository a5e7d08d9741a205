package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kiranshivaraju/errwatch/pkg/models"
	"github.com/nats-io/nats.go"
)

const notifyStreamMaxAge = 24 * time.Hour

// NATSDeliverer publishes notifications into a JetStream stream. Each message
// carries a Nats-Msg-Id so a redelivered alert is dropped by the server.
type NATSDeliverer struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
}

// NewNATSDeliverer connects to url and ensures stream captures subject.
func NewNATSDeliverer(url, stream, subject string) (*NATSDeliverer, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	if err := ensureStream(js, stream, subject); err != nil {
		nc.Close()
		return nil, err
	}
	return &NATSDeliverer{nc: nc, js: js, subject: subject}, nil
}

func (d *NATSDeliverer) Deliver(ctx context.Context, n models.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	msg := nats.NewMsg(d.subject)
	msg.Data = body
	msg.Header.Set("Nats-Msg-Id", messageID(n))
	if _, err := d.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (d *NATSDeliverer) Close() error {
	if d == nil || d.nc == nil {
		return nil
	}
	d.nc.Close()
	return nil
}

func messageID(n models.Notification) string {
	return fmt.Sprintf("%s:%s:%d", n.GroupID, strings.ToLower(n.Email), n.SentAt.UnixMilli())
}

func ensureStream(js nats.JetStreamContext, stream, subject string) error {
	if _, err := js.StreamInfo(stream); err == nil {
		return nil
	} else if err != nats.ErrStreamNotFound && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", stream, err)
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       stream,
		Subjects:   []string{subject},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     notifyStreamMaxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", stream, err)
	}
	return nil
}
