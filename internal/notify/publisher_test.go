package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/MikeSquared-Agency/minutes/internal/events"
)

func TestHandleMessage_DeliversNormalizedEvent(t *testing.T) {
	var got []events.Event
	p := &Publisher{handler: func(e events.Event) { got = append(got, e) }}

	payload, _ := json.Marshal(map[string]any{
		"room_id":    "ABC123",
		"event_type": events.TypePipelineCompleted,
	})
	msg := &fakeMsg{subject: "minutes.pipeline.completed", data: payload}
	p.handleMessage(msg)

	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].RoomID != "ABC123" || got[0].EventID == "" {
		t.Errorf("unexpected event %+v", got[0])
	}
	if got[0].Source != "minutes.pipeline.completed" {
		t.Errorf("expected source inferred from subject, got %s", got[0].Source)
	}
	if !msg.acked {
		t.Error("expected message to be acked")
	}
}

func TestHandleMessage_MalformedIsAckedAndSkipped(t *testing.T) {
	called := false
	p := &Publisher{handler: func(events.Event) { called = true }}

	msg := &fakeMsg{subject: "minutes.session.started", data: []byte("{broken")}
	p.handleMessage(msg)

	if called {
		t.Error("handler should not be called for malformed data")
	}
	if !msg.acked {
		t.Error("malformed message must be acked")
	}
}

func TestHandleMessage_NoHandler(t *testing.T) {
	p := &Publisher{}
	msg := &fakeMsg{subject: "minutes.session.started", data: []byte(`{"event_type":"session.started"}`)}
	p.handleMessage(msg) // Should not panic.
	if !msg.acked {
		t.Error("expected ack")
	}
}

func skipWithoutNATS(t *testing.T) string {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping integration test")
	}
	return url
}

func TestIntegration_PublishAndTail(t *testing.T) {
	natsURL := skipWithoutNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := NewPublisher(natsURL)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer p.Close()

	if err := p.EnsureStream(ctx); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}

	received := make(chan events.Event, 1)
	consumer := fmt.Sprintf("minutes-test-%d", time.Now().UnixNano())
	if err := p.Tail(ctx, consumer, func(e events.Event) {
		select {
		case received <- e:
		default:
		}
	}); err != nil {
		t.Fatalf("tail: %v", err)
	}

	sent := events.New(events.TypeSessionStarted, "IT-ROOM", nil)
	if err := p.PublishEvent(sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case e := <-received:
		if e.EventID != sent.EventID {
			t.Errorf("expected event %s, got %s", sent.EventID, e.EventID)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

// fakeMsg implements jetstream.Msg for unit testing without a real NATS connection.
type fakeMsg struct {
	subject string
	data    []byte
	acked   bool
}

func (m *fakeMsg) Data() []byte {
	return m.data
}

func (m *fakeMsg) Subject() string {
	return m.subject
}

func (m *fakeMsg) Ack() error {
	m.acked = true
	return nil
}

func (m *fakeMsg) Nak() error {
	return nil
}

func (m *fakeMsg) NakWithDelay(time.Duration) error {
	return nil
}

func (m *fakeMsg) InProgress() error {
	return nil
}

func (m *fakeMsg) Term() error {
	return nil
}

func (m *fakeMsg) TermWithReason(string) error {
	return nil
}

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return nil, nil
}

func (m *fakeMsg) Headers() nats.Header {
	return nil
}

func (m *fakeMsg) Reply() string {
	return ""
}

func (m *fakeMsg) DoubleAck(context.Context) error {
	return nil
}
