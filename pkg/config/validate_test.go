package config

import (
	"strings"
	"testing"
	"time"
)

// validConfig returns a config that passes validation for every source
func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Redis.Stream = "orders"
	cfg.SQL.DSN = "file:outbox.db"
	return cfg
}

func hasErrorAt(errs []error, path string) bool {
	for _, err := range errs {
		if ve, ok := err.(ValidationError); ok && ve.Path == path {
			return true
		}
	}
	return false
}

func TestValidateDefaults(t *testing.T) {
	for _, source := range []string{SourceMongo, SourceRedis, SourceSQL} {
		cfg := validConfig()
		cfg.Feed.Source = source
		if errs := cfg.Validate(); len(errs) != 0 {
			t.Errorf("source %s: expected no errors, got %v", source, errs)
		}
	}
}

func TestValidateFeed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		path   string
	}{
		{"unknown source", func(c *Config) { c.Feed.Source = "kafka" }, "feed.source"},
		{"zero retry delay", func(c *Config) { c.Feed.RetryDelay = 0 }, "feed.retry_delay"},
		{"negative open timeout", func(c *Config) { c.Feed.OpenTimeout = -time.Second }, "feed.open_timeout"},
		{"mongo token not hex", func(c *Config) { c.Feed.ResumeToken = "zz" }, "feed.resume_token"},
		{"redis token malformed", func(c *Config) {
			c.Feed.Source = SourceRedis
			c.Feed.ResumeToken = "12"
		}, "feed.resume_token"},
		{"sql token negative", func(c *Config) {
			c.Feed.Source = SourceSQL
			c.Feed.ResumeToken = "-4"
		}, "feed.resume_token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if errs := cfg.Validate(); !hasErrorAt(errs, tt.path) {
				t.Errorf("expected error at %s, got %v", tt.path, errs)
			}
		})
	}
}

func TestValidateResumeTokenAccepted(t *testing.T) {
	tests := []struct {
		source string
		token  string
	}{
		{SourceMongo, "8263F1A2B3000000012B022C0100296E5A1004"},
		{SourceRedis, "1700000000000-0"},
		{SourceSQL, "42"},
	}
	for _, tt := range tests {
		cfg := validConfig()
		cfg.Feed.Source = tt.source
		cfg.Feed.ResumeToken = tt.token
		if errs := cfg.Validate(); len(errs) != 0 {
			t.Errorf("%s token %q: unexpected errors %v", tt.source, tt.token, errs)
		}
	}
}

func TestValidateSources(t *testing.T) {
	tests := []struct {
		name   string
		source string
		mutate func(*Config)
		path   string
	}{
		{"mongo bad uri", SourceMongo, func(c *Config) { c.Mongo.URI = "http://db" }, "mongo.uri"},
		{"mongo collection without db", SourceMongo, func(c *Config) { c.Mongo.Collection = "orders" }, "mongo.database"},
		{"mongo full document", SourceMongo, func(c *Config) { c.Mongo.FullDocument = "always" }, "mongo.full_document"},
		{"redis no stream", SourceRedis, func(c *Config) { c.Redis.Stream = "" }, "redis.stream"},
		{"redis bad addr", SourceRedis, func(c *Config) { c.Redis.Addr = "localhost" }, "redis.addr"},
		{"sql driver", SourceSQL, func(c *Config) { c.SQL.Driver = "mysql" }, "sql.driver"},
		{"sql table injection", SourceSQL, func(c *Config) { c.SQL.Table = "outbox; drop" }, "sql.table"},
		{"sql table leading digit", SourceSQL, func(c *Config) { c.SQL.Table = "1outbox" }, "sql.table"},
		{"sql poll too fast", SourceSQL, func(c *Config) { c.SQL.PollInterval = time.Millisecond }, "sql.poll_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Feed.Source = tt.source
			tt.mutate(cfg)
			if errs := cfg.Validate(); !hasErrorAt(errs, tt.path) {
				t.Errorf("expected error at %s, got %v", tt.path, errs)
			}
		})
	}
}

func TestValidateGateway(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.ListenAddr = "8080"
	cfg.Gateway.ClientBuffer = 0
	cfg.Gateway.APIKeys = []string{"  "}
	errs := cfg.Validate()
	for _, path := range []string{"gateway.listen_addr", "gateway.client_buffer", "gateway.api_keys[0]"} {
		if !hasErrorAt(errs, path) {
			t.Errorf("expected error at %s, got %v", path, errs)
		}
	}

	cfg = validConfig()
	cfg.Gateway.Enabled = false
	cfg.Gateway.ListenAddr = ""
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("disabled gateway should not be validated, got %v", errs)
	}
}

func TestValidateRelay(t *testing.T) {
	validPeer := "/ip4/127.0.0.1/tcp/4001/p2p/12D3KooWHbcFcrGPXKUrHcxvd8MXEeUzRYyvY8fQcpEBxncSUwhj"

	tests := []struct {
		name        string
		listen      []string
		peers       []string
		shouldError bool
	}{
		{"valid", []string{"/ip4/0.0.0.0/tcp/4001"}, []string{validPeer}, false},
		{"ephemeral port", []string{"/ip4/127.0.0.1/tcp/0"}, nil, false},
		{"no listen", nil, nil, true},
		{"invalid multiaddr", []string{"invalid"}, nil, true},
		{"duplicate listen", []string{"/ip4/0.0.0.0/tcp/4001", "/ip4/0.0.0.0/tcp/4001"}, nil, true},
		{"peer missing p2p", []string{"/ip4/0.0.0.0/tcp/4001"}, []string{"/ip4/127.0.0.1/tcp/4001"}, true},
		{"duplicate peer", []string{"/ip4/0.0.0.0/tcp/4001"}, []string{validPeer, validPeer}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Relay.Enabled = true
			cfg.Relay.ListenAddresses = tt.listen
			cfg.Relay.BootstrapPeers = tt.peers
			errs := cfg.validateRelay()
			if tt.shouldError && len(errs) == 0 {
				t.Errorf("expected error, got none")
			}
			if !tt.shouldError && len(errs) > 0 {
				t.Errorf("unexpected errors: %v", errs)
			}
		})
	}
}

func TestValidateLogging(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = "verbose"
	cfg.Logging.Format = "xml"
	errs := cfg.Validate()
	if !hasErrorAt(errs, "logging.level") || !hasErrorAt(errs, "logging.format") {
		t.Errorf("expected logging errors, got %v", errs)
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := ValidationError{Path: "feed.source", Message: "bad", Hint: "use mongo"}
	if got := err.Error(); !strings.Contains(got, "feed.source: bad; use mongo") {
		t.Errorf("unexpected message %q", got)
	}
}
