package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// ValidationError represents a single validation error with context.
type ValidationError struct {
	Path    string // e.g., "relay.bootstrap_peers[0]"
	Message string // e.g., "invalid multiaddr"
	Hint    string // e.g., "expected /ip{4,6}/.../tcp/<port>/p2p/<peerID>"
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s; %s", e.Path, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate performs validation of the entire config.
// It aggregates all errors so the caller can print every issue at once.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateFeed()...)
	switch c.Feed.Source {
	case SourceMongo:
		errs = append(errs, c.validateMongo()...)
	case SourceRedis:
		errs = append(errs, c.validateRedis()...)
	case SourceSQL:
		errs = append(errs, c.validateSQL()...)
	}
	errs = append(errs, c.validateGateway()...)
	errs = append(errs, c.validateRelay()...)
	errs = append(errs, c.validateLogging()...)

	return errs
}

func (c *Config) validateFeed() []error {
	var errs []error
	fc := c.Feed

	switch fc.Source {
	case SourceMongo, SourceRedis, SourceSQL:
	default:
		errs = append(errs, ValidationError{
			Path:    "feed.source",
			Message: fmt.Sprintf("unsupported source %q", fc.Source),
			Hint:    "use mongo, redis or sql",
		})
	}

	if fc.RetryDelay <= 0 {
		errs = append(errs, ValidationError{
			Path:    "feed.retry_delay",
			Message: fmt.Sprintf("must be > 0; got %v", fc.RetryDelay),
			Hint:    "recommended: 1s",
		})
	}
	if fc.OpenTimeout < 0 {
		errs = append(errs, ValidationError{
			Path:    "feed.open_timeout",
			Message: fmt.Sprintf("must be >= 0; got %v", fc.OpenTimeout),
		})
	}
	if fc.CloseTimeout < 0 {
		errs = append(errs, ValidationError{
			Path:    "feed.close_timeout",
			Message: fmt.Sprintf("must be >= 0; got %v", fc.CloseTimeout),
		})
	}

	if tok := fc.ResumeToken; tok != "" {
		switch fc.Source {
		case SourceMongo:
			if _, err := hex.DecodeString(tok); err != nil {
				errs = append(errs, ValidationError{
					Path:    "feed.resume_token",
					Message: "must be the hex _data value of a change stream resume token",
				})
			}
		case SourceRedis:
			if !isStreamID(tok) {
				errs = append(errs, ValidationError{
					Path:    "feed.resume_token",
					Message: fmt.Sprintf("invalid stream id %q", tok),
					Hint:    "expected <ms>-<seq>",
				})
			}
		case SourceSQL:
			if n, err := strconv.ParseInt(tok, 10, 64); err != nil || n < 0 {
				errs = append(errs, ValidationError{
					Path:    "feed.resume_token",
					Message: fmt.Sprintf("must be a non-negative outbox id; got %q", tok),
				})
			}
		}
	}

	return errs
}

func (c *Config) validateMongo() []error {
	var errs []error
	mc := c.Mongo

	if !strings.HasPrefix(mc.URI, "mongodb://") && !strings.HasPrefix(mc.URI, "mongodb+srv://") {
		errs = append(errs, ValidationError{
			Path:    "mongo.uri",
			Message: "must be a mongodb:// or mongodb+srv:// connection string",
		})
	}
	if mc.Collection != "" && mc.Database == "" {
		errs = append(errs, ValidationError{
			Path:    "mongo.database",
			Message: "must be set when mongo.collection is set",
		})
	}
	switch mc.FullDocument {
	case "", "default", "updateLookup", "whenAvailable", "required":
	default:
		errs = append(errs, ValidationError{
			Path:    "mongo.full_document",
			Message: fmt.Sprintf("unsupported value %q", mc.FullDocument),
			Hint:    "use default, updateLookup, whenAvailable or required",
		})
	}
	if mc.BatchSize < 0 {
		errs = append(errs, ValidationError{
			Path:    "mongo.batch_size",
			Message: fmt.Sprintf("must be >= 0; got %d", mc.BatchSize),
		})
	}
	if mc.MaxAwaitTime < 0 {
		errs = append(errs, ValidationError{
			Path:    "mongo.max_await_time",
			Message: fmt.Sprintf("must be >= 0; got %v", mc.MaxAwaitTime),
		})
	}

	return errs
}

func (c *Config) validateRedis() []error {
	var errs []error
	rc := c.Redis

	if err := validateHostPort(rc.Addr); err != nil {
		errs = append(errs, ValidationError{
			Path:    "redis.addr",
			Message: err.Error(),
			Hint:    "expected format: host:port",
		})
	}
	if rc.Stream == "" {
		errs = append(errs, ValidationError{
			Path:    "redis.stream",
			Message: "must not be empty",
		})
	}
	if rc.Block < 0 {
		errs = append(errs, ValidationError{
			Path:    "redis.block",
			Message: fmt.Sprintf("must be >= 0; got %v", rc.Block),
		})
	}
	if rc.Count < 0 {
		errs = append(errs, ValidationError{
			Path:    "redis.count",
			Message: fmt.Sprintf("must be >= 0; got %d", rc.Count),
		})
	}

	return errs
}

func (c *Config) validateSQL() []error {
	var errs []error
	sc := c.SQL

	switch sc.Driver {
	case "sqlite3", "rqlite", "pgx":
	default:
		errs = append(errs, ValidationError{
			Path:    "sql.driver",
			Message: fmt.Sprintf("unsupported driver %q", sc.Driver),
			Hint:    "use sqlite3, rqlite or pgx",
		})
	}
	if sc.DSN == "" {
		errs = append(errs, ValidationError{
			Path:    "sql.dsn",
			Message: "must not be empty",
		})
	}
	if !isIdentifier(sc.Table) {
		errs = append(errs, ValidationError{
			Path:    "sql.table",
			Message: fmt.Sprintf("invalid table name %q", sc.Table),
			Hint:    "letters, digits and underscores only",
		})
	}
	if sc.PollInterval < 10*time.Millisecond {
		errs = append(errs, ValidationError{
			Path:    "sql.poll_interval",
			Message: fmt.Sprintf("must be >= 10ms; got %v", sc.PollInterval),
		})
	}
	if sc.BatchSize < 1 {
		errs = append(errs, ValidationError{
			Path:    "sql.batch_size",
			Message: fmt.Sprintf("must be >= 1; got %d", sc.BatchSize),
		})
	}

	return errs
}

func (c *Config) validateGateway() []error {
	var errs []error
	gc := c.Gateway
	if !gc.Enabled {
		return nil
	}

	if err := validateHostPort(gc.ListenAddr); err != nil {
		errs = append(errs, ValidationError{
			Path:    "gateway.listen_addr",
			Message: err.Error(),
			Hint:    "expected format: host:port or :port",
		})
	}
	if gc.ClientBuffer < 1 {
		errs = append(errs, ValidationError{
			Path:    "gateway.client_buffer",
			Message: fmt.Sprintf("must be >= 1; got %d", gc.ClientBuffer),
		})
	}
	if gc.PingInterval <= 0 {
		errs = append(errs, ValidationError{
			Path:    "gateway.ping_interval",
			Message: fmt.Sprintf("must be > 0; got %v", gc.PingInterval),
		})
	}
	if gc.WriteTimeout <= 0 {
		errs = append(errs, ValidationError{
			Path:    "gateway.write_timeout",
			Message: fmt.Sprintf("must be > 0; got %v", gc.WriteTimeout),
		})
	}
	if gc.ConnsPerMinute < 0 {
		errs = append(errs, ValidationError{
			Path:    "gateway.conns_per_minute",
			Message: fmt.Sprintf("must be >= 0; got %d", gc.ConnsPerMinute),
		})
	}
	if gc.ConnsPerMinute > 0 && gc.ConnBurst < 1 {
		errs = append(errs, ValidationError{
			Path:    "gateway.conn_burst",
			Message: fmt.Sprintf("must be >= 1 when conns_per_minute is set; got %d", gc.ConnBurst),
		})
	}
	for i, key := range gc.APIKeys {
		if strings.TrimSpace(key) == "" {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("gateway.api_keys[%d]", i),
				Message: "must not be empty",
			})
		}
	}

	return errs
}

func (c *Config) validateRelay() []error {
	var errs []error
	rc := c.Relay
	if !rc.Enabled {
		return nil
	}

	if rc.Namespace == "" {
		errs = append(errs, ValidationError{Path: "relay.namespace", Message: "must not be empty"})
	}
	if rc.Topic == "" {
		errs = append(errs, ValidationError{Path: "relay.topic", Message: "must not be empty"})
	}

	if len(rc.ListenAddresses) == 0 {
		errs = append(errs, ValidationError{
			Path:    "relay.listen_addresses",
			Message: "must not be empty",
			Hint:    "e.g. /ip4/0.0.0.0/tcp/4001",
		})
	}
	seen := make(map[string]bool)
	for i, addr := range rc.ListenAddresses {
		path := fmt.Sprintf("relay.listen_addresses[%d]", i)

		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: fmt.Sprintf("invalid multiaddr: %v", err),
				Hint:    "expected /ip{4,6}/.../tcp/<port>",
			})
			continue
		}
		if _, err := manet.ToNetAddr(ma); err != nil {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: fmt.Sprintf("cannot convert multiaddr to network address: %v", err),
				Hint:    "ensure multiaddr contains /tcp/<port>",
			})
			continue
		}
		if seen[addr] {
			errs = append(errs, ValidationError{Path: path, Message: "duplicate listen address"})
		}
		seen[addr] = true
	}

	seenPeers := make(map[string]bool)
	for i, p := range rc.BootstrapPeers {
		path := fmt.Sprintf("relay.bootstrap_peers[%d]", i)

		ma, err := multiaddr.NewMultiaddr(p)
		if err != nil {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: fmt.Sprintf("invalid multiaddr: %v", err),
				Hint:    "expected /ip{4,6}/.../tcp/<port>/p2p/<peerID>",
			})
			continue
		}
		if _, err := peer.AddrInfoFromP2pAddr(ma); err != nil {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: "missing or invalid /p2p/<peerID> component",
				Hint:    "expected /ip{4,6}/.../tcp/<port>/p2p/<peerID>",
			})
		}
		if seenPeers[p] {
			errs = append(errs, ValidationError{Path: path, Message: "duplicate bootstrap peer"})
		}
		seenPeers[p] = true
	}

	return errs
}

func (c *Config) validateLogging() []error {
	var errs []error
	lc := c.Logging

	switch lc.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Path:    "logging.level",
			Message: fmt.Sprintf("invalid value %q", lc.Level),
			Hint:    "allowed values: debug, info, warn, error",
		})
	}

	switch lc.Format {
	case "json", "console":
	default:
		errs = append(errs, ValidationError{
			Path:    "logging.format",
			Message: fmt.Sprintf("invalid value %q", lc.Format),
			Hint:    "allowed values: json, console",
		})
	}

	return errs
}

// validateHostPort validates a host:port address. The host may be empty.
func validateHostPort(hostPort string) error {
	_, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return fmt.Errorf("expected format host:port")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("port must be a number between 1 and 65535; got %q", portStr)
	}
	return nil
}

func isStreamID(s string) bool {
	ms, seq, ok := strings.Cut(s, "-")
	if !ok {
		return false
	}
	if _, err := strconv.ParseUint(ms, 10, 64); err != nil {
		return false
	}
	_, err := strconv.ParseUint(seq, 10, 64)
	return err == nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
