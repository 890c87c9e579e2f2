package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"
)

func TestEncode(t *testing.T) {
	a := Action{BurnID: "b-1", Type: "nft_mint", UserAddress: "0xA", RecordingID: "rec", Metadata: map[string]string{"chain": "base"}, RequestedAt: time.Unix(0, 0).UTC()}
	body, err := encode(a)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["actionType"] != "nft_mint" || decoded["burnId"] != "b-1" {
		t.Fatalf("unexpected encoding %s", body)
	}
}

func TestSubject(t *testing.T) {
	if got := Subject("video_export"); got != "missions.actions.video_export" {
		t.Fatalf("unexpected subject %s", got)
	}
}

func TestLogDispatcher(t *testing.T) {
	d := NewLog()
	if err := d.Enqueue(context.Background(), Action{BurnID: "x"}); err != nil {
		t.Fatalf("log dispatcher must not fail: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
}

// TestAMQP_Integration requires RabbitMQ; set MISSIONS_TEST_AMQP_URL to run it.
func TestAMQP_Integration(t *testing.T) {
	url := os.Getenv("MISSIONS_TEST_AMQP_URL")
	if url == "" {
		t.Skip("Skipping RabbitMQ integration test: MISSIONS_TEST_AMQP_URL not set")
	}
	q, err := NewAMQP(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Enqueue(ctx, Action{BurnID: "it-1", Type: "video_export"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

// TestJetStream_Integration requires NATS with JetStream; set MISSIONS_TEST_NATS_URL to run it.
func TestJetStream_Integration(t *testing.T) {
	url := os.Getenv("MISSIONS_TEST_NATS_URL")
	if url == "" {
		t.Skip("Skipping NATS integration test: MISSIONS_TEST_NATS_URL not set")
	}
	js, err := NewJetStream(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer js.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := js.Enqueue(ctx, Action{BurnID: "it-1", Type: "video_export"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}
