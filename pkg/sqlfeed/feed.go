package sqlfeed

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sjwalker189/mongodb-tools/pkg/changefeed"
	apperrors "github.com/sjwalker189/mongodb-tools/pkg/errors"
)

const eventBuffer = 64

// Options configures polling.
type Options struct {
	Driver       string
	Table        string
	PollInterval time.Duration
	BatchSize    int
	Logger       *zap.Logger
}

// Opener implements changefeed.Opener over an outbox table.
type Opener struct {
	db      *sql.DB
	dialect dialect
	opts    Options
	logger  *zap.Logger

	maxQuery  string
	pollQuery string
}

var _ changefeed.Opener = (*Opener)(nil)

// NewOpener creates an Opener polling opts.Table on db.
func NewOpener(db *sql.DB, opts Options) (*Opener, error) {
	d, err := dialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}
	if err := validTable(opts.Table); err != nil {
		return nil, err
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Opener{
		db:       db,
		dialect:  d,
		opts:     opts,
		logger:   logger,
		maxQuery: fmt.Sprintf("SELECT COALESCE(MAX(id), 0) FROM %s", opts.Table),
		pollQuery: fmt.Sprintf(
			"SELECT id, operation, namespace, document_key, payload, created_at FROM %s WHERE id > %s ORDER BY id LIMIT %s",
			opts.Table, d.arg(1), d.arg(2)),
	}, nil
}

// ParseToken converts a resume token to the outbox id it names.
func ParseToken(token changefeed.ResumeToken) (int64, error) {
	id, err := strconv.ParseInt(string(token), 10, 64)
	if err != nil || id < 0 {
		return 0, apperrors.NewValidationError("resume_token", "must be a non-negative outbox id", string(token))
	}
	return id, nil
}

// FormatToken renders an outbox id as a resume token.
func FormatToken(id int64) changefeed.ResumeToken {
	return changefeed.ResumeToken(strconv.FormatInt(id, 10))
}

// Open polls rows after token. Without a token it starts after the newest
// row present at open time.
func (o *Opener) Open(ctx context.Context, token changefeed.ResumeToken) (changefeed.Handle, error) {
	var after int64
	if token.IsZero() {
		if err := o.db.QueryRowContext(ctx, o.maxQuery).Scan(&after); err != nil {
			return nil, apperrors.NewServiceError(serviceName, "failed to read outbox head", err)
		}
	} else {
		id, err := ParseToken(token)
		if err != nil {
			return nil, err
		}
		after = id
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := &handle{
		events: make(chan changefeed.Event, eventBuffer),
		errs:   make(chan error, 1),
		cancel: cancel,
		done:   make(chan struct{}),
		after:  after,
		token:  token.Clone(),
	}
	go h.run(runCtx, o)

	o.logger.Debug("Outbox poller started", zap.String("table", o.opts.Table), zap.Int64("after", after))
	return h, nil
}

type handle struct {
	events chan changefeed.Event
	errs   chan error
	cancel context.CancelFunc
	done   chan struct{}

	// after is only touched by run.
	after int64

	mu    sync.Mutex
	token changefeed.ResumeToken
}

func (h *handle) Events() <-chan changefeed.Event { return h.events }
func (h *handle) Errors() <-chan error            { return h.errs }

func (h *handle) ResumeToken() changefeed.ResumeToken {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token.Clone()
}

func (h *handle) Close(ctx context.Context) error {
	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *handle) run(ctx context.Context, o *Opener) {
	defer close(h.done)
	defer close(h.events)

	limiter := rate.NewLimiter(rate.Every(o.opts.PollInterval), 1)
	limiter.Allow()

	for {
		n, err := h.poll(ctx, o)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			h.errs <- err
			return
		}
		// A full batch means more rows are waiting.
		if n == o.opts.BatchSize {
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
	}
}

func (h *handle) poll(ctx context.Context, o *Opener) (int, error) {
	rows, err := o.db.QueryContext(ctx, o.pollQuery, h.after, o.opts.BatchSize)
	if err != nil {
		return 0, apperrors.NewServiceError(serviceName, "outbox poll failed", err)
	}
	defer rows.Close()

	var batch []changefeed.Event
	for rows.Next() {
		var (
			id        int64
			ev        changefeed.Event
			payload   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&id, &ev.Operation, &ev.Namespace, &ev.DocumentKey, &payload, &createdAt); err != nil {
			return 0, apperrors.NewSerializationError("sql", "failed to scan outbox row", err)
		}
		ev.ID = strconv.FormatInt(id, 10)
		ev.Token = FormatToken(id)
		ev.Time = time.UnixMilli(createdAt).UTC()
		if payload.Valid {
			ev.Payload = []byte(payload.String)
		}
		batch = append(batch, ev)
		h.after = id
	}
	if err := rows.Err(); err != nil {
		return 0, apperrors.NewServiceError(serviceName, "outbox poll failed", err)
	}
	rows.Close()

	for _, ev := range batch {
		h.mu.Lock()
		h.token = ev.Token
		h.mu.Unlock()
		select {
		case h.events <- ev:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return len(batch), nil
}
