package blobstore

import (
	"os"
	"testing"

	"github.com/globalsign/mgo/bson"
)

func TestMongoStoreContract(t *testing.T) {
	url := os.Getenv("JOBBROKER_TEST_MONGO_URL")
	if url == "" {
		t.Skip("JOBBROKER_TEST_MONGO_URL not set")
	}
	runStoreContract(t, func(t *testing.T) Store {
		database := "jobbroker_test_" + bson.NewObjectId().Hex()
		store, err := NewMongoStore(url, database)
		if err != nil {
			t.Fatalf("open mongo: %v", err)
		}
		t.Cleanup(func() {
			_ = store.session.DB(database).DropDatabase()
			_ = store.Close()
		})
		return store
	})
}

func TestStaleFilesQueryKeepsNewestUpload(t *testing.T) {
	first := bson.NewObjectId()
	second := bson.NewObjectId()
	if first >= second {
		t.Fatalf("expected object ids to grow, got %s then %s", first.Hex(), second.Hex())
	}

	// Two racing writers each build a query from their own upload. Only the
	// older upload may match either one.
	fromFirst := staleFilesQuery("k.artifact", first)
	fromSecond := staleFilesQuery("k.artifact", second)
	if matchesStale(fromFirst, second) {
		t.Fatalf("writer of %s would remove the newer upload", first.Hex())
	}
	if !matchesStale(fromSecond, first) {
		t.Fatalf("writer of %s should remove the older upload", second.Hex())
	}
	if matchesStale(fromSecond, second) {
		t.Fatalf("writer must never remove its own upload")
	}
	if fromFirst["filename"] != "k.artifact" {
		t.Fatalf("expected query scoped to key, got %v", fromFirst)
	}
}

func matchesStale(query bson.M, id bson.ObjectId) bool {
	bound := query["_id"].(bson.M)["$lt"].(bson.ObjectId)
	return id < bound
}
