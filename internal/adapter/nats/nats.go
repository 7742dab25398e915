// Package nats implements an optional secondary workflow-event sink over
// NATS JetStream. Observers on the WebSocket hub are the primary delivery
// path; this sink mirrors every event onto a stream for other services.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/ControlTower/internal/domain/workflow"
)

const (
	streamName    = "CONTROLTOWER"
	subjectPrefix = "workflow.events."

	// publishTimeout bounds one ack wait once delivery is detached from
	// the run context.
	publishTimeout = 5 * time.Second
)

// Sink publishes workflow events to JetStream.
type Sink struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes a connection to NATS and ensures the event stream exists.
func Connect(ctx context.Context, url string) (*Sink, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ">"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats event sink connected", "url", url, "stream", streamName)
	return &Sink{nc: nc, js: js}, nil
}

// Publish mirrors one workflow event onto the stream. Fire-and-forget:
// a sink failure is logged and never fails the workflow run. Delivery is
// detached from the caller's cancellation so a run's terminal error event
// still reaches the stream after the run deadline expires.
func (s *Sink) Publish(ctx context.Context, ev workflow.Event) {
	data, err := json.Marshal(ev.Marshal())
	if err != nil {
		slog.Error("marshal workflow event for nats", "type", ev.Type, "error", err)
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if _, err := s.js.Publish(pctx, subjectPrefix+ev.Type, data); err != nil {
		slog.Error("nats publish failed", "type", ev.Type, "error", err)
	}
}

// Close shuts down the NATS connection.
func (s *Sink) Close() error {
	s.nc.Close()
	return nil
}
