package changefeed

import (
	"time"

	"go.uber.org/zap"

	apperrors "github.com/sjwalker189/mongodb-tools/pkg/errors"
)

const (
	// DefaultRetryDelay is the fixed wait between a feed failure and the next open.
	DefaultRetryDelay = time.Second
	// DefaultOpenTimeout bounds a single Opener call.
	DefaultOpenTimeout = 10 * time.Second
	// DefaultCloseTimeout bounds closing a handle the Manager no longer needs.
	DefaultCloseTimeout = 5 * time.Second

	readyPollInterval = 10 * time.Millisecond
)

// Config configures a Manager. Zero durations fall back to the defaults.
type Config struct {
	// Name labels log lines and metrics (e.g. "orders").
	Name string
	// RetryDelay is waited after every failure before reopening the feed.
	RetryDelay time.Duration
	// OpenTimeout bounds each call to the Opener.
	OpenTimeout time.Duration
	// CloseTimeout bounds background closes of superseded handles.
	CloseTimeout time.Duration
	// ResumeToken seeds the first open. It is consumed by that open.
	ResumeToken ResumeToken
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
}

func (c Config) validate() error {
	if c.RetryDelay < 0 {
		return apperrors.NewValidationError("retry_delay", "must not be negative", c.RetryDelay)
	}
	if c.OpenTimeout < 0 {
		return apperrors.NewValidationError("open_timeout", "must not be negative", c.OpenTimeout)
	}
	if c.CloseTimeout < 0 {
		return apperrors.NewValidationError("close_timeout", "must not be negative", c.CloseTimeout)
	}
	return nil
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink. The default is a no-op.
func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}
