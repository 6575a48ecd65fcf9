package changefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrFeedEnded is recorded when a handle's event channel closes without a
// terminal error. The Manager treats it like any other feed failure.
var ErrFeedEnded = errors.New("change feed ended")

// Manager owns at most one live Handle and shares it among all registered
// listeners. The handle is opened when the first listener registers and torn
// down when the last one leaves. Feed failures are recovered by reopening
// after a fixed delay from the last position the failed handle reported.
type Manager struct {
	opener  Opener
	config  Config
	logger  *zap.Logger
	metrics Metrics

	mu        sync.Mutex
	listeners *Registry
	resume    ResumeToken
	current   *attempt
	nextID    uint64

	reconnects uint64
	events     uint64
	lastErr    error
	lastErrAt  time.Time

	// deliverMu keeps fan-out ordered across handles.
	deliverMu sync.Mutex
}

// attempt is one generation of the subscription slot: a single Open call and
// the handle it produced. Recovery runs at most once per attempt.
type attempt struct {
	id     uint64
	handle Handle
	state  State

	latch    sync.Once
	stop     chan struct{}
	stopOnce sync.Once
}

func (a *attempt) cancel() {
	a.stopOnce.Do(func() { close(a.stop) })
}

// NewManager creates a Manager that opens feeds through opener.
func NewManager(opener Opener, cfg Config, opts ...Option) (*Manager, error) {
	if opener == nil {
		return nil, fmt.Errorf("changefeed: opener is required")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		opener:    opener,
		config:    cfg,
		logger:    zap.NewNop(),
		metrics:   NopMetrics{},
		listeners: NewRegistry(),
		resume:    cfg.ResumeToken.Clone(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("feed", cfg.Name))
	m.metrics.SetState(StateIdle)
	return m, nil
}

// AddListener registers l and returns an id for RemoveListener. The first
// listener triggers an asynchronous open; AddListener never waits on the feed
// and never reports feed errors. A nil listener is ignored and yields "".
func (m *Manager) AddListener(l Listener) ListenerID {
	if l == nil {
		return ""
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, first := m.listeners.Add(l)
	m.metrics.SetListeners(m.listeners.Len())

	if first && m.current == nil {
		seed := m.resume
		m.resume = nil
		a := m.newAttemptLocked()
		m.logger.Debug("First listener registered, opening feed",
			zap.Uint64("attempt", a.id),
			zap.Bool("seeded", !seed.IsZero()))
		go m.connect(a, seed)
	}
	return id
}

// RemoveListener unregisters id. Unknown ids are ignored. Removing the last
// listener closes the handle and forgets the remembered resume position.
func (m *Manager) RemoveListener(id ListenerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed, empty := m.listeners.Remove(id)
	if !removed {
		return
	}
	m.metrics.SetListeners(m.listeners.Len())
	if !empty {
		return
	}

	m.resume = nil
	a := m.current
	if a == nil {
		return
	}
	m.current = nil
	a.cancel()
	m.setStateLocked(nil, StateIdle)
	m.logger.Debug("Last listener removed, closing feed", zap.Uint64("attempt", a.id))

	if h := a.handle; h != nil {
		go m.closeHandle(h)
	}
}

// Close tears down the subscription and drops every listener. It waits for
// the handle to close or ctx to expire, and never fails. The handle's last
// position is kept so a later AddListener resumes from it.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	a := m.current
	m.current = nil
	dropped := m.listeners.Clear()
	m.metrics.SetListeners(0)
	m.setStateLocked(nil, StateIdle)
	var h Handle
	if a != nil {
		a.cancel()
		h = a.handle
	}
	m.mu.Unlock()

	m.logger.Debug("Closing change feed", zap.Int("dropped_listeners", dropped))
	if h == nil {
		return
	}

	if err := h.Close(ctx); err != nil {
		m.logger.Warn("Failed to close change feed handle", zap.Error(err))
	}

	if token := h.ResumeToken(); !token.IsZero() {
		m.mu.Lock()
		if m.current == nil {
			m.resume = token.Clone()
		}
		m.mu.Unlock()
	}
}

// WhenReady blocks until a handle is live or ctx is done.
func (m *Manager) WhenReady(ctx context.Context) error {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		if m.State() == StateLive {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// State returns the current state of the subscription slot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return StateIdle
	}
	return m.current.state
}

// Stats returns a snapshot for status reporting.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		State:          StateIdle.String(),
		Listeners:      m.listeners.Len(),
		Reconnects:     m.reconnects,
		Events:         m.events,
		LastErrorAt:    m.lastErrAt,
		HasResumeToken: !m.resume.IsZero(),
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	if a := m.current; a != nil {
		s.State = a.state.String()
		if a.handle != nil && !a.handle.ResumeToken().IsZero() {
			s.HasResumeToken = true
		}
	}
	return s
}

func (m *Manager) newAttemptLocked() *attempt {
	m.nextID++
	a := &attempt{id: m.nextID, stop: make(chan struct{})}
	m.current = a
	m.setStateLocked(a, StateConnecting)
	return a
}

func (m *Manager) setStateLocked(a *attempt, s State) {
	if a != nil {
		a.state = s
	}
	m.metrics.SetState(s)
}

// connect opens a handle for a. A seeded open that fails is retried once
// without the seed before the failure enters recovery.
func (m *Manager) connect(a *attempt, seed ResumeToken) {
	h, err := m.open(seed)
	if err != nil && !seed.IsZero() {
		m.logger.Warn("Seeded open failed, retrying without resume token",
			zap.Uint64("attempt", a.id), zap.Error(err))
		h, err = m.open(nil)
	}

	m.mu.Lock()
	if m.current != a {
		m.mu.Unlock()
		if h != nil {
			m.closeHandle(h)
		}
		return
	}
	if err != nil {
		m.mu.Unlock()
		m.fail(a, err)
		return
	}
	a.handle = h
	m.setStateLocked(a, StateLive)
	m.mu.Unlock()

	m.logger.Info("Change feed live", zap.Uint64("attempt", a.id))
	go m.pump(a, h)
}

func (m *Manager) open(token ResumeToken) (Handle, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.OpenTimeout)
	defer cancel()

	h, err := m.opener.Open(ctx, token.Clone())
	if err == nil && h == nil {
		err = fmt.Errorf("changefeed: opener returned no handle")
	}
	if err != nil {
		m.metrics.IncOpenFailures()
		return nil, err
	}
	return h, nil
}

// pump relays events from h until h stops or a is cancelled.
func (m *Manager) pump(a *attempt, h Handle) {
	events := h.Events()
	errs := h.Errors()
	for {
		select {
		case <-a.stop:
			return
		case ev, ok := <-events:
			if !ok {
				var err error = ErrFeedEnded
				select {
				case e := <-errs:
					if e != nil {
						err = e
					}
				default:
				}
				m.fail(a, err)
				return
			}
			m.deliver(a, ev)
		case err := <-errs:
			if err == nil {
				err = ErrFeedEnded
			}
			m.drain(a, events)
			m.fail(a, err)
			return
		}
	}
}

// drain delivers events already buffered when the terminal error arrived.
func (m *Manager) drain(a *attempt, events <-chan Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.deliver(a, ev)
		default:
			return
		}
	}
}

func (m *Manager) deliver(a *attempt, ev Event) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if m.current != a {
		m.mu.Unlock()
		return
	}
	regs := m.listeners.registrations()
	m.events++
	m.mu.Unlock()

	m.metrics.IncEvents()
	for _, reg := range regs {
		if reg.removed.Load() {
			continue
		}
		m.invoke(reg, ev)
	}
}

func (m *Manager) invoke(reg *registration, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Listener panicked",
				zap.String("listener", string(reg.id)),
				zap.String("event", ev.ID),
				zap.Any("panic", r))
		}
	}()
	reg.fn(ev)
}

// fail runs recovery for a at most once.
func (m *Manager) fail(a *attempt, cause error) {
	a.latch.Do(func() { m.recoverFeed(a, cause) })
}

func (m *Manager) recoverFeed(a *attempt, cause error) {
	m.mu.Lock()
	if m.current != a {
		h := a.handle
		m.mu.Unlock()
		if h != nil {
			m.closeHandle(h)
		}
		return
	}
	m.setStateLocked(a, StateRetrying)
	m.lastErr = cause
	m.lastErrAt = time.Now()
	h := a.handle
	m.mu.Unlock()

	m.logger.Warn("Change feed failed, scheduling reconnect",
		zap.Uint64("attempt", a.id),
		zap.Duration("retry_delay", m.config.RetryDelay),
		zap.Error(cause))

	var token ResumeToken
	if h != nil {
		m.closeHandle(h)
		token = h.ResumeToken().Clone()
	}

	timer := time.NewTimer(m.config.RetryDelay)
	defer timer.Stop()
	select {
	case <-a.stop:
		return
	case <-timer.C:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != a {
		return
	}
	if m.listeners.Len() == 0 {
		m.current = nil
		m.setStateLocked(nil, StateIdle)
		return
	}
	next := m.newAttemptLocked()
	m.reconnects++
	m.metrics.IncReconnects()
	m.logger.Info("Reconnecting change feed",
		zap.Uint64("attempt", next.id),
		zap.Bool("seeded", !token.IsZero()))
	go m.connect(next, token)
}

func (m *Manager) closeHandle(h Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.CloseTimeout)
	defer cancel()
	if err := h.Close(ctx); err != nil {
		m.logger.Debug("Ignoring change feed close error", zap.Error(err))
	}
}
