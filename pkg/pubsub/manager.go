package pubsub

import (
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"go.uber.org/zap"
)

// Manager handles pub/sub operations
type Manager struct {
	pubsub        *pubsub.PubSub
	topics        map[string]*pubsub.Topic
	subscriptions map[string]*topicSubscription
	namespace     string
	logger        *zap.Logger
	mu            sync.RWMutex
}

// topicSubscription fans one libp2p subscription out to every handler
// registered for the topic.
type topicSubscription struct {
	sub      *pubsub.Subscription
	cancel   func()
	mu       sync.RWMutex
	handlers map[HandlerID]MessageHandler
}

// NewManager creates a new pubsub manager
func NewManager(ps *pubsub.PubSub, namespace string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		pubsub:        ps,
		topics:        make(map[string]*pubsub.Topic),
		subscriptions: make(map[string]*topicSubscription),
		namespace:     namespace,
		logger:        logger,
	}
}
