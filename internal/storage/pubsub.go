package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	pubsubAttrKey    = "slotKey"
	pubsubAttrOrigin = "origin"

	pubsubAckDeadline = 10 * time.Second
	pubsubExpiration  = 24 * time.Hour
)

// PubSubNotifier announces slot writes on a Pub/Sub topic. Each Subscribe call owns a
// fresh subscription, deleted again on Close, so every instance sees every write.
type PubSubNotifier struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
}

// NewPubSubNotifier binds to topicID, creating the topic when it does not exist.
func NewPubSubNotifier(ctx context.Context, client *pubsub.Client, topicID string, logger *zap.Logger) (*PubSubNotifier, error) {
	if client == nil {
		return nil, errors.New("storage: pubsub client is required")
	}
	topicID = strings.TrimSpace(topicID)
	if topicID == "" {
		return nil, errors.New("storage: pubsub topic is required")
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: pubsub topic lookup: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			return nil, fmt.Errorf("storage: pubsub create topic: %w", err)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubNotifier{client: client, topic: topic, logger: logger}, nil
}

// Notify implements Notifier.
func (n *PubSubNotifier) Notify(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	result := n.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			pubsubAttrKey:    rec.Key,
			pubsubAttrOrigin: rec.Origin,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("storage: pubsub publish: %w", err)
	}
	return nil
}

// Subscribe implements Notifier.
func (n *PubSubNotifier) Subscribe(ctx context.Context, key string, fn func(Record)) (Subscription, error) {
	id := fmt.Sprintf("%s-%s", n.topic.ID(), strings.ToLower(ulid.Make().String()))
	sub, err := n.client.CreateSubscription(ctx, id, pubsub.SubscriptionConfig{
		Topic:            n.topic,
		AckDeadline:      pubsubAckDeadline,
		ExpirationPolicy: pubsubExpiration,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: pubsub create subscription: %w", err)
	}
	sub.ReceiveSettings.NumGoroutines = 1
	sub.ReceiveSettings.MaxOutstandingMessages = 1

	receiveCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := sub.Receive(receiveCtx, func(_ context.Context, m *pubsub.Message) {
			m.Ack()
			if m.Attributes[pubsubAttrKey] != key {
				return
			}
			var rec Record
			if err := json.Unmarshal(m.Data, &rec); err != nil {
				n.logger.Warn("storage: bad pubsub slot payload", zap.String("message_id", m.ID), zap.Error(err))
				return
			}
			fn(rec)
		})
		if err != nil && receiveCtx.Err() == nil {
			n.logger.Warn("storage: pubsub receive stopped", zap.String("subscription", id), zap.Error(err))
		}
	}()

	var once sync.Once
	return SubscriptionFunc(func() error {
		var err error
		once.Do(func() {
			cancel()
			<-done
			deleteCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			if derr := sub.Delete(deleteCtx); derr != nil {
				err = fmt.Errorf("storage: pubsub delete subscription: %w", derr)
			}
		})
		return err
	}), nil
}

// Close flushes pending publishes.
func (n *PubSubNotifier) Close() {
	if n != nil && n.topic != nil {
		n.topic.Stop()
	}
}
