package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/sjwalker189/mongodb-tools/pkg/changefeed"
	"github.com/sjwalker189/mongodb-tools/pkg/config"
)

const (
	relayQueue     = 1024
	publishTimeout = 5 * time.Second
	dialTimeout    = 10 * time.Second
)

// envelope is the gossip wire form of a change event.
type envelope struct {
	Origin string           `json:"origin"`
	Event  changefeed.Event `json:"event"`
}

// Relay republishes change events to peers over gossipsub. Forward is a
// changefeed.Listener; publishing happens on a separate goroutine so the
// feed is never blocked by the network.
type Relay struct {
	host    host.Host
	manager *Manager
	topic   string
	logger  *zap.Logger

	queue   chan changefeed.Event
	dropped uint64
	mu      sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay starts a libp2p host on cfg.ListenAddresses, joins gossipsub and
// dials cfg.BootstrapPeers. Unreachable peers are logged, not fatal.
func NewRelay(ctx context.Context, cfg config.RelayConfig, logger *zap.Logger) (*Relay, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("relay: topic is required")
	}

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddresses...))
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(runCtx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("failed to create gossipsub: %w", err)
	}

	r := &Relay{
		host:    h,
		manager: NewManager(ps, cfg.Namespace, logger),
		topic:   cfg.Topic,
		logger:  logger.With(zap.String("peer", h.ID().String())),
		queue:   make(chan changefeed.Event, relayQueue),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	for _, addr := range cfg.BootstrapPeers {
		if err := r.Connect(ctx, addr); err != nil {
			r.logger.Warn("relay: bootstrap peer unreachable", zap.String("addr", addr), zap.Error(err))
		}
	}

	go r.run(runCtx)
	r.logger.Info("relay: started", zap.Strings("addrs", r.Addrs()))
	return r, nil
}

// Connect dials a peer given its full /p2p/ multiaddr.
func (r *Relay) Connect(ctx context.Context, addr string) error {
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("invalid peer address %q: %w", addr, err)
	}
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	return r.host.Connect(ctx, *info)
}

// Addrs returns the host's dialable multiaddrs including its peer id.
func (r *Relay) Addrs() []string {
	info := peer.AddrInfo{ID: r.host.ID(), Addrs: r.host.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

// ID returns the host's peer id.
func (r *Relay) ID() string { return r.host.ID().String() }

// Forward queues ev for publication. Events are dropped when the queue is full.
func (r *Relay) Forward(ev changefeed.Event) {
	select {
	case r.queue <- ev:
	default:
		r.mu.Lock()
		r.dropped++
		n := r.dropped
		r.mu.Unlock()
		r.logger.Warn("relay: queue full, dropping event", zap.String("event", ev.ID), zap.Uint64("dropped", n))
	}
}

// Dropped reports how many events Forward discarded.
func (r *Relay) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Relay) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.queue:
			r.publish(ctx, ev)
		}
	}
}

func (r *Relay) publish(ctx context.Context, ev changefeed.Event) {
	data, err := json.Marshal(envelope{Origin: r.ID(), Event: ev})
	if err != nil {
		r.logger.Warn("relay: failed to encode event", zap.String("event", ev.ID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := r.manager.Publish(ctx, r.topic, data); err != nil {
		r.logger.Warn("relay: publish failed", zap.String("event", ev.ID), zap.Error(err))
	}
}

// Subscribe delivers events relayed by other peers to fn. Events this relay
// published itself are skipped.
func (r *Relay) Subscribe(ctx context.Context, fn changefeed.Listener) (HandlerID, error) {
	self := r.ID()
	return r.manager.Subscribe(ctx, r.topic, func(_ string, _ string, data []byte) error {
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("failed to decode relayed event: %w", err)
		}
		if env.Origin == self {
			return nil
		}
		fn(env.Event)
		return nil
	})
}

// Unsubscribe removes a Subscribe registration.
func (r *Relay) Unsubscribe(ctx context.Context, id HandlerID) error {
	return r.manager.Unsubscribe(ctx, r.topic, id)
}

// Close stops publishing and shuts the host down.
func (r *Relay) Close() error {
	r.cancel()
	<-r.done
	_ = r.manager.Close()
	return r.host.Close()
}
