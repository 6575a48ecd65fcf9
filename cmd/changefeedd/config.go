package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/sjwalker189/mongodb-tools/pkg/config"
)

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

// loadConfig parses flags and environment variables on top of the config
// file. Priority: flags > env > file > defaults.
func loadConfig(args []string) (*config.Config, error) {
	fs := flag.NewFlagSet("changefeedd", flag.ContinueOnError)
	path := fs.String("config", getEnvDefault("CHANGEFEED_CONFIG", ""), "Path to YAML config file")
	addr := fs.String("addr", getEnvDefault("CHANGEFEED_ADDR", ""), "Gateway listen address (e.g., :8080)")
	source := fs.String("source", getEnvDefault("CHANGEFEED_SOURCE", ""), "Feed source: mongo, redis or sql")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := config.DefaultConfig()
	if *path != "" {
		loaded, err := config.Load(*path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Gateway.ListenAddr = *addr
	}
	if *source != "" {
		cfg.Feed.Source = *source
	}
	if uri := os.Getenv("CHANGEFEED_MONGO_URI"); uri != "" {
		cfg.Mongo.URI = uri
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid configuration:\n  %s", strings.Join(msgs, "\n  "))
	}
	return cfg, nil
}
