package config

import "time"

// GatewayConfig contains the HTTP/WebSocket gateway configuration
type GatewayConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ListenAddr     string        `yaml:"listen_addr"`      // Address to listen on (e.g., ":8080")
	APIKeys        []string      `yaml:"api_keys"`         // Empty disables auth on /v1/changes
	ClientBuffer   int           `yaml:"client_buffer"`    // Events queued per websocket before disconnect
	PingInterval   time.Duration `yaml:"ping_interval"`    // Websocket keepalive
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // Per-message write deadline
	ConnsPerMinute int           `yaml:"conns_per_minute"` // Per-IP websocket connect rate, 0 disables
	ConnBurst      int           `yaml:"conn_burst"`
}

// RelayConfig controls fan-out of events to peers over libp2p gossipsub
type RelayConfig struct {
	Enabled         bool     `yaml:"enabled"`
	ListenAddresses []string `yaml:"listen_addresses"` // LibP2P listen multiaddrs
	BootstrapPeers  []string `yaml:"bootstrap_peers"`  // Full /p2p/ multiaddrs to dial
	Namespace       string   `yaml:"namespace"`
	Topic           string   `yaml:"topic"`
}
