package storage

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestPubSubClient(t *testing.T) *pubsub.Client {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(context.Background(), "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPubSubNotifierDeliversToPeerSlots(t *testing.T) {
	ctx := context.Background()
	client := newTestPubSubClient(t)

	notifier, err := NewPubSubNotifier(ctx, client, "cartsync-slot-changes", nil)
	if err != nil {
		t.Fatalf("NewPubSubNotifier: %v", err)
	}
	defer notifier.Close()

	store := NewMemoryBackend(nil)
	writer, err := NewSlot(SlotDeps{Key: testSlotKey, Store: store, Notifier: notifier, Origin: "tab-a"})
	if err != nil {
		t.Fatalf("NewSlot writer: %v", err)
	}
	reader, err := NewSlot(SlotDeps{Key: testSlotKey, Store: store, Notifier: notifier, Origin: "tab-b"})
	if err != nil {
		t.Fatalf("NewSlot reader: %v", err)
	}

	seen := make(chan []byte, 4)
	sub, err := reader.Watch(ctx, func(v []byte) { seen <- v })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer sub.Close()

	if err := writer.Write(ctx, []byte(`{"updated_at":5}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case v := <-seen:
		if string(v) != `{"updated_at":5}` {
			t.Fatalf("unexpected payload %s", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("peer slot never received the notification")
	}
}

func TestPubSubNotifierReusesExistingTopic(t *testing.T) {
	ctx := context.Background()
	client := newTestPubSubClient(t)
	if _, err := client.CreateTopic(ctx, "existing"); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	notifier, err := NewPubSubNotifier(ctx, client, "existing", nil)
	if err != nil {
		t.Fatalf("NewPubSubNotifier: %v", err)
	}
	notifier.Close()

	if _, err := NewPubSubNotifier(ctx, client, " ", nil); err == nil {
		t.Fatalf("expected error for empty topic")
	}
}
