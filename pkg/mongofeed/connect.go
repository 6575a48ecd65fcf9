package mongofeed

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/sjwalker189/mongodb-tools/pkg/config"
	apperrors "github.com/sjwalker189/mongodb-tools/pkg/errors"
)

// Connect dials MongoDB and returns the Watcher for the configured scope
// along with the client, which the caller must Disconnect.
func Connect(ctx context.Context, cfg config.MongoConfig) (Watcher, *mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, nil, apperrors.NewServiceError(serviceName, "failed to create client", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, apperrors.NewServiceError(serviceName, fmt.Sprintf("failed to reach %s", redactURI(cfg.URI)), err)
	}
	return Scope(client, cfg.Database, cfg.Collection), client, nil
}

// Scope narrows a client to a database or collection watcher.
func Scope(client *mongo.Client, database, collection string) Watcher {
	switch {
	case database == "":
		return client
	case collection == "":
		return client.Database(database)
	default:
		return client.Database(database).Collection(collection)
	}
}

// OptionsFromConfig maps configuration onto opener Options.
func OptionsFromConfig(cfg config.MongoConfig) Options {
	return Options{
		OperationTypes: cfg.OperationTypes,
		FullDocument:   cfg.FullDocument,
		BatchSize:      cfg.BatchSize,
		MaxAwaitTime:   cfg.MaxAwaitTime,
	}
}

// redactURI drops credentials from a connection string for logs.
func redactURI(uri string) string {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return "<invalid uri>"
	}
	if at := strings.LastIndexByte(rest, '@'); at >= 0 {
		rest = "***@" + rest[at+1:]
	}
	return scheme + "://" + rest
}
