package mongodb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/shared/errors"
	"firestore-harness/internal/shared/firestore"
	"firestore-harness/internal/shared/logger"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store keeps every document of every collection in one MongoDB collection,
// keyed by full path with the parent collection path alongside.
type Store struct {
	coll        *mongo.Collection
	expireField string
	notify      func(collection string)

	mu   sync.Mutex
	now  func() time.Time
	last time.Time

	log logger.Logger
}

func newStore(coll *mongo.Collection, expireField string, now func() time.Time, log logger.Logger) *Store {
	return &Store{
		coll:        coll,
		expireField: expireField,
		notify:      func(string) {},
		now:         now,
		log:         log.WithComponent("mongo-store"),
	}
}

// tick hands out strictly increasing microsecond timestamps for this process.
func (s *Store) tick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func (s *Store) GetDocument(ctx context.Context, path string) (*model.Document, error) {
	path, _, err := checkPath(path)
	if err != nil {
		return nil, err
	}
	var md mongoDocument
	if err := s.coll.FindOne(ctx, bson.D{{Key: keyID, Value: path}}).Decode(&md); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, errors.NewNotFoundError("document " + path)
		}
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return decodeDocument(&md, s.now().UTC())
}

func (s *Store) CreateDocument(ctx context.Context, path string, fields map[string]model.Value) (*model.Document, error) {
	path, parent, err := checkPath(path)
	if err != nil {
		return nil, err
	}
	now := s.tick()
	md, err := encodeDocument(path, parent, fields, now, now, s.expireField)
	if err != nil {
		return nil, errors.NewValidationError(err.Error())
	}
	if _, err := s.coll.InsertOne(ctx, md); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, errors.NewConflictError("document " + path + " already exists").WithCode("ALREADY_EXISTS")
		}
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	s.notify(parent)
	return written(md, fields, now), nil
}

func (s *Store) SetDocument(ctx context.Context, path string, fields map[string]model.Value) (*model.Document, error) {
	path, parent, err := checkPath(path)
	if err != nil {
		return nil, err
	}
	now := s.tick()
	md, err := encodeDocument(path, parent, fields, now, now, s.expireField)
	if err != nil {
		return nil, errors.NewValidationError(err.Error())
	}

	set := bson.D{
		{Key: keyParent, Value: md.Parent},
		{Key: keyData, Value: md.Data},
		{Key: keySort, Value: md.Sort},
		{Key: keyUpdateTime, Value: md.UpdateTime},
	}
	update := bson.D{{Key: "$setOnInsert", Value: bson.D{{Key: keyCreateTime, Value: md.CreateTime}}}}
	if md.ExpireAt != nil {
		set = append(set, bson.E{Key: keyExpireAt, Value: *md.ExpireAt})
	} else {
		update = append(update, bson.E{Key: "$unset", Value: bson.D{{Key: keyExpireAt, Value: ""}}})
	}
	update = append(update, bson.E{Key: "$set", Value: set})

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var stored mongoDocument
	err = s.coll.FindOneAndUpdate(ctx, bson.D{{Key: keyID, Value: path}}, update, opts).Decode(&stored)
	if err != nil {
		return nil, fmt.Errorf("set %s: %w", path, err)
	}
	s.notify(parent)
	return decodeDocument(&stored, now)
}

// UpdateDocument reads, merges and replaces the document, guarded by the
// update time it read. A concurrent writer turns the replace into a conflict.
func (s *Store) UpdateDocument(ctx context.Context, path string, fields map[string]model.Value) (*model.Document, error) {
	path, parent, err := checkPath(path)
	if err != nil {
		return nil, err
	}
	prev, err := s.GetDocument(ctx, path)
	if err != nil {
		return nil, err
	}
	merged := prev.Fields
	for _, key := range model.Map(fields).SortedKeys() {
		next, err := model.SetPath(merged, key, fields[key])
		if err != nil {
			return nil, errors.NewValidationError("update " + path + ": " + err.Error())
		}
		merged = next
	}

	now := s.tick()
	md, err := encodeDocument(path, parent, merged, prev.CreateTime, now, s.expireField)
	if err != nil {
		return nil, errors.NewValidationError(err.Error())
	}
	guard := bson.D{{Key: keyID, Value: path}, {Key: keyUpdateTime, Value: prev.UpdateTime.UnixNano()}}
	res, err := s.coll.ReplaceOne(ctx, guard, md)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", path, err)
	}
	if res.MatchedCount == 0 {
		return nil, errors.NewConflictError("document " + path + " changed during update").WithCode("ABORTED")
	}
	s.notify(parent)
	return written(md, merged, now), nil
}

func (s *Store) DeleteDocument(ctx context.Context, path string) error {
	path, parent, err := checkPath(path)
	if err != nil {
		return err
	}
	res, err := s.coll.DeleteOne(ctx, bson.D{{Key: keyID, Value: path}})
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	if res.DeletedCount > 0 {
		s.notify(parent)
	}
	return nil
}

// Collections lists every collection path holding at least one document.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	values, err := s.coll.Distinct(ctx, keyParent, bson.D{})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if c, ok := v.(string); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// checkPath validates a document path and returns it normalized along with
// its parent collection path.
func checkPath(path string) (string, string, error) {
	if err := firestore.ValidateDocumentPath(path); err != nil {
		return "", "", err
	}
	path = firestore.JoinPath(path)
	parent, _, err := firestore.SplitDocumentPath(path)
	if err != nil {
		return "", "", err
	}
	return path, parent, nil
}

func written(md *mongoDocument, fields map[string]model.Value, readTime time.Time) *model.Document {
	doc := model.NewDocument(md.Path, fields)
	doc.CreateTime = time.Unix(0, md.CreateTime).UTC()
	doc.UpdateTime = time.Unix(0, md.UpdateTime).UTC()
	doc.ReadTime = readTime
	return doc
}
