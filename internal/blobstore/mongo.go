package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"
)

const (
	defaultMongoDialTimeout = 5 * time.Second
	defaultGridFSPrefix     = "fs"
)

// MongoStore keeps blobs as GridFS files named by key. A write uploads a new
// file and then removes files with the same name and a smaller ObjectId, so
// the newest upload always survives even when writers race.
type MongoStore struct {
	session  *mgo.Session
	database string
	prefix   string
}

var _ Store = (*MongoStore)(nil)

func NewMongoStore(url, database string) (*MongoStore, error) {
	if url == "" {
		return nil, errors.New("mongo url is required")
	}
	session, err := mgo.DialWithTimeout(url, defaultMongoDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial mongo: %w", err)
	}
	session.SetMode(mgo.Monotonic, true)
	if err := session.Ping(); err != nil {
		session.Close()
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &MongoStore{session: session, database: database, prefix: defaultGridFSPrefix}, nil
}

func (s *MongoStore) Close() error {
	s.session.Close()
	return nil
}

func (s *MongoStore) gridFS() (*mgo.GridFS, func()) {
	session := s.session.Copy()
	return session.DB(s.database).GridFS(s.prefix), session.Close
}

func (s *MongoStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	gfs, done := s.gridFS()
	defer done()

	count, err := gfs.Find(bson.M{"filename": key}).Count()
	if err != nil {
		return false, fmt.Errorf("count gridfs %s: %w", key, err)
	}
	return count > 0, nil
}

func (s *MongoStore) Write(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	gfs, done := s.gridFS()
	defer done()

	file, err := gfs.Create(key)
	if err != nil {
		return fmt.Errorf("create gridfs %s: %w", key, err)
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return fmt.Errorf("write gridfs %s: %w", key, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close gridfs %s: %w", key, err)
	}

	id, ok := file.Id().(bson.ObjectId)
	if !ok {
		return nil
	}
	var stale struct {
		ID any `bson:"_id"`
	}
	iter := gfs.Find(staleFilesQuery(key, id)).Select(bson.M{"_id": 1}).Iter()
	for iter.Next(&stale) {
		if err := gfs.RemoveId(stale.ID); err != nil {
			_ = iter.Close()
			return fmt.Errorf("remove stale gridfs %s: %w", key, err)
		}
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("iterate gridfs %s: %w", key, err)
	}
	return nil
}

// staleFilesQuery matches uploads of key older than newest. ObjectIds grow
// with creation time, so two racing writers never select each other.
func staleFilesQuery(key string, newest bson.ObjectId) bson.M {
	return bson.M{"filename": key, "_id": bson.M{"$lt": newest}}
}

func (s *MongoStore) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gfs, done := s.gridFS()
	defer done()

	file, err := gfs.Open(key)
	if err != nil {
		if errors.Is(err, mgo.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open gridfs %s: %w", key, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read gridfs %s: %w", key, err)
	}
	return data, nil
}
