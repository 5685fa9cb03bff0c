// Command domed runs the tool daemon: a long-lived process exposing
// SkillExecute/GetJobStatus/StreamJobEvents over HTTP-framed JSON-RPC, per
// the documented endpoint precedence in tooldaemon.Endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/domeai/dome/tooldaemon"
	"github.com/domeai/dome/tooldaemon/executor"
	"github.com/domeai/dome/tooldaemon/statestore/memory"
	"github.com/domeai/dome/tooldaemon/statestore/mongostore"
	"github.com/domeai/dome/tooldaemon/statestore/sqlstore"
	"github.com/domeai/dome/tooldaemon/toolregistry"
)

func main() {
	var (
		manifestRoot   = flag.String("manifest-root", "", "directory of per-tool manifest.yaml files")
		singleFilePath = flag.String("registry", "", "path to a consolidated tool_registry.v1.json document")
		statePath      = flag.String("state-db", "", "sqlite path for job state; empty keeps state in memory")
		mongoURI       = flag.String("state-mongo-uri", "", "mongo connection URI for job state; takes precedence over -state-db")
		mongoDB        = flag.String("state-mongo-db", "domed", "mongo database name used when -state-mongo-uri is set")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "domed: build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	registry, err := toolregistry.Load(*manifestRoot, *singleFilePath)
	if err != nil {
		logger.Fatal("load tool registry", zap.Error(err))
	}

	store, err := openStore(*statePath, *mongoURI, *mongoDB)
	if err != nil {
		logger.Fatal("open state store", zap.Error(err))
	}

	svc := tooldaemon.NewService(store, registry, executor.LocalProcessExecutor{})
	server := tooldaemon.NewServer(svc)

	listener, err := tooldaemon.Listen()
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}
	network, address := tooldaemon.Endpoint()
	logger.Info("domed listening",
		zap.String("network", network),
		zap.String("address", address),
		zap.Int("tool_count", len(registry.List())),
	)

	if err := http.Serve(listener, server); err != nil {
		logger.Fatal("serve", zap.Error(err))
	}
}

// openStore picks the job store backend: mongo when mongoURI is set (for
// deployments sharing a durability story with a Mongo-backed registry),
// else sqlite at path, else an in-memory store — a bare daemon invocation
// (smoke-testing a manifest directory, say) shouldn't require provisioning
// a database first.
func openStore(path, mongoURI, mongoDB string) (tooldaemon.StateStore, error) {
	if mongoURI != "" {
		client, err := mongo.Connect(options.Client().ApplyURI(mongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect to mongo: %w", err)
		}
		if err := client.Ping(context.Background(), nil); err != nil {
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		store := mongostore.New(client.Database(mongoDB).Collection("jobs"))
		if err := store.EnsureIndexes(context.Background()); err != nil {
			return nil, fmt.Errorf("ensure mongo indexes: %w", err)
		}
		return store, nil
	}
	if path == "" {
		return memory.New(), nil
	}
	return sqlstore.Open(path)
}
