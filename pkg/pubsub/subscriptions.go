package pubsub

import (
	"context"
	"fmt"
	"strings"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"go.uber.org/zap"
)

// Subscribe registers handler on topic and returns an id for Unsubscribe.
// Handlers on the same topic share one libp2p subscription.
func (m *Manager) Subscribe(ctx context.Context, topic string, handler MessageHandler) (HandlerID, error) {
	if m.pubsub == nil {
		return "", fmt.Errorf("pubsub not initialized")
	}
	namespacedTopic := m.namespacedTopic(ctx, topic)
	handlerID := generateHandlerID()

	m.mu.Lock()
	defer m.mu.Unlock()

	if topicSub, exists := m.subscriptions[namespacedTopic]; exists {
		topicSub.mu.Lock()
		topicSub.handlers[handlerID] = handler
		topicSub.mu.Unlock()
		return handlerID, nil
	}

	libp2pTopic, err := m.getOrCreateTopicLocked(namespacedTopic)
	if err != nil {
		return "", fmt.Errorf("failed to get topic: %w", err)
	}
	sub, err := libp2pTopic.Subscribe()
	if err != nil {
		return "", fmt.Errorf("failed to subscribe to topic: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	topicSub := &topicSubscription{
		sub:      sub,
		cancel:   cancel,
		handlers: map[HandlerID]MessageHandler{handlerID: handler},
	}
	m.subscriptions[namespacedTopic] = topicSub

	go m.dispatch(subCtx, topic, topicSub)
	return handlerID, nil
}

// dispatch broadcasts each message to all handlers until ctx is cancelled.
func (m *Manager) dispatch(ctx context.Context, topic string, ts *topicSubscription) {
	defer ts.sub.Cancel()

	for {
		msg, err := ts.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Debug("pubsub: subscription read failed", zap.String("topic", topic), zap.Error(err))
			return
		}

		ts.mu.RLock()
		handlers := make([]MessageHandler, 0, len(ts.handlers))
		for _, h := range ts.handlers {
			handlers = append(handlers, h)
		}
		ts.mu.RUnlock()

		from := msg.ReceivedFrom.String()
		for _, h := range handlers {
			if err := h(topic, from, msg.Data); err != nil {
				m.logger.Debug("pubsub: handler failed", zap.String("topic", topic), zap.Error(err))
			}
		}
	}
}

// Unsubscribe removes the handler registered under id. The libp2p
// subscription is cancelled when its last handler leaves.
func (m *Manager) Unsubscribe(ctx context.Context, topic string, id HandlerID) error {
	namespacedTopic := m.namespacedTopic(ctx, topic)

	m.mu.Lock()
	defer m.mu.Unlock()

	topicSub, exists := m.subscriptions[namespacedTopic]
	if !exists {
		return nil
	}

	topicSub.mu.Lock()
	delete(topicSub.handlers, id)
	empty := len(topicSub.handlers) == 0
	topicSub.mu.Unlock()

	if empty {
		topicSub.cancel()
		delete(m.subscriptions, namespacedTopic)
	}
	return nil
}

// ListTopics returns all subscribed topics in the caller's namespace
func (m *Manager) ListTopics(ctx context.Context) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := m.namespacedTopic(ctx, "")
	var topics []string
	for topic := range m.subscriptions {
		if rest, ok := strings.CutPrefix(topic, prefix); ok && rest != "" {
			topics = append(topics, rest)
		}
	}
	return topics
}

// Close closes all subscriptions and topics
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sub := range m.subscriptions {
		sub.cancel()
	}
	m.subscriptions = make(map[string]*topicSubscription)

	for _, topic := range m.topics {
		_ = topic.Close()
	}
	m.topics = make(map[string]*pubsub.Topic)

	return nil
}
