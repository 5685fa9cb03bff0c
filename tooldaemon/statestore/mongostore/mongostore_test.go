package mongostore_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/domeai/dome/tooldaemon"
	"github.com/domeai/dome/tooldaemon/statestore/mongostore"
	"github.com/domeai/dome/tooldaemon/statestoretest"
)

var (
	testMongoClient    *mongo.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if containerErr != nil {
		fmt.Printf("docker not available, mongostore tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		fmt.Printf("failed to get container host: %v\n", err)
		skipMongoTests = true
		return
	}
	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		fmt.Printf("failed to get container port: %v\n", err)
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		fmt.Printf("failed to connect to mongo: %v\n", err)
		skipMongoTests = true
		return
	}
	if err := testMongoClient.Ping(ctx, nil); err != nil {
		fmt.Printf("failed to ping mongo: %v\n", err)
		skipMongoTests = true
		return
	}
}

// TestStoreSatisfiesStateStoreContract verifies mongostore.Store against
// the same compliance suite memory and sqlstore run, proving all three
// StateStore backends behave identically. Skips when Docker isn't
// available to run the mongo:7 container.
func TestStoreSatisfiesStateStoreContract(t *testing.T) {
	if testMongoClient == nil && !skipMongoTests {
		setupMongoDB()
	}
	if skipMongoTests {
		t.Skip("docker not available, skipping mongostore test")
	}

	statestoretest.Run(t, func(t *testing.T) tooldaemon.StateStore {
		t.Helper()
		collection := testMongoClient.Database("tooldaemon_test").Collection(t.Name())
		if err := collection.Drop(context.Background()); err != nil {
			t.Fatalf("drop collection: %v", err)
		}
		store := mongostore.New(collection)
		if err := store.EnsureIndexes(context.Background()); err != nil {
			t.Fatalf("ensure indexes: %v", err)
		}
		return store
	})
}
