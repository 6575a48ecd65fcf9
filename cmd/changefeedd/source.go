package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/sjwalker189/mongodb-tools/pkg/changefeed"
	"github.com/sjwalker189/mongodb-tools/pkg/config"
	"github.com/sjwalker189/mongodb-tools/pkg/logging"
	"github.com/sjwalker189/mongodb-tools/pkg/mongofeed"
	"github.com/sjwalker189/mongodb-tools/pkg/redisfeed"
	"github.com/sjwalker189/mongodb-tools/pkg/sqlfeed"
)

var errUnknownSource = errors.New("unknown feed source")

// source is an opener plus the cleanup for the connection behind it.
type source struct {
	opener changefeed.Opener
	token  changefeed.ResumeToken
	close  func(context.Context) error
}

func openSource(ctx context.Context, cfg *config.Config, logger *logging.ColoredLogger) (*source, error) {
	switch cfg.Feed.Source {
	case config.SourceMongo:
		return openMongo(ctx, cfg, logger)
	case config.SourceRedis:
		return openRedis(ctx, cfg, logger)
	case config.SourceSQL:
		return openSQL(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownSource, cfg.Feed.Source)
	}
}

func openMongo(ctx context.Context, cfg *config.Config, logger *logging.ColoredLogger) (*source, error) {
	token, err := mongofeed.ParseResumeToken(cfg.Feed.ResumeToken)
	if err != nil {
		return nil, err
	}
	watcher, client, err := mongofeed.Connect(ctx, cfg.Mongo)
	if err != nil {
		return nil, err
	}

	opts := mongofeed.OptionsFromConfig(cfg.Mongo)
	opts.Logger = logger.For(logging.ComponentMongo)
	opener, err := mongofeed.NewOpener(watcher, opts)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return &source{opener: opener, token: token, close: client.Disconnect}, nil
}

func openRedis(ctx context.Context, cfg *config.Config, logger *logging.ColoredLogger) (*source, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
	}

	opener, err := redisfeed.NewOpener(client, redisfeed.Options{
		Stream: cfg.Redis.Stream,
		Block:  cfg.Redis.Block,
		Count:  cfg.Redis.Count,
		Logger: logger.For(logging.ComponentRedis),
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &source{
		opener: opener,
		token:  changefeed.ResumeToken(cfg.Feed.ResumeToken),
		close:  func(context.Context) error { return client.Close() },
	}, nil
}

func openSQL(ctx context.Context, cfg *config.Config, logger *logging.ColoredLogger) (*source, error) {
	db, err := sqlfeed.OpenDB(cfg.SQL.Driver, cfg.SQL.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach %s database: %w", cfg.SQL.Driver, err)
	}
	if cfg.SQL.CreateSchema {
		if err := sqlfeed.EnsureSchema(ctx, db, cfg.SQL.Driver, cfg.SQL.Table); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	opener, err := sqlfeed.NewOpener(db, sqlfeed.Options{
		Driver:       cfg.SQL.Driver,
		Table:        cfg.SQL.Table,
		PollInterval: cfg.SQL.PollInterval,
		BatchSize:    cfg.SQL.BatchSize,
		Logger:       logger.For(logging.ComponentSQL),
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &source{
		opener: opener,
		token:  changefeed.ResumeToken(cfg.Feed.ResumeToken),
		close:  func(context.Context) error { return db.Close() },
	}, nil
}
