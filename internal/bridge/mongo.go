package bridge

import (
	"context"
	"fmt"
	"io"
	"sync"

	"rentsync/internal/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoCollection watches and mirrors a MongoDB collection. Change streams
// require a replica set or sharded cluster. A reopened stream resumes after
// the last change the previous one delivered.
type MongoCollection struct {
	coll *mongo.Collection

	mu     sync.Mutex
	resume bson.Raw
}

func NewMongoCollection(coll *mongo.Collection) *MongoCollection {
	return &MongoCollection{coll: coll}
}

func (m *MongoCollection) Open(ctx context.Context) (Stream, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: bson.D{
				{Key: "$in", Value: bson.A{"insert", "update", "replace", "delete"}},
			}},
		}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	m.mu.Lock()
	if m.resume != nil {
		opts.SetResumeAfter(m.resume)
	}
	m.mu.Unlock()

	cs, err := m.coll.Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", m.coll.Name(), err)
	}
	return &mongoStream{cs: cs, coll: m}, nil
}

// Apply replaces (upserting) or deletes the document with the change's id.
func (m *MongoCollection) Apply(ctx context.Context, c Change) error {
	filter := bson.D{{Key: "_id", Value: mongoID(c.ID)}}
	if c.Operation == OpDelete {
		if _, err := m.coll.DeleteOne(ctx, filter); err != nil {
			return fmt.Errorf("delete %s: %w", c.ID, err)
		}
		return nil
	}

	if len(c.Document) == 0 {
		return fmt.Errorf("%w: %s %s without document", errs.ErrInvalidChange, c.Operation, c.ID)
	}
	var raw bson.D
	if err := bson.UnmarshalExtJSON(c.Document, false, &raw); err != nil {
		return fmt.Errorf("%w: document %s: %v", errs.ErrInvalidChange, c.ID, err)
	}
	doc := make(bson.D, 0, len(raw))
	for _, e := range raw {
		if e.Key != "_id" {
			doc = append(doc, e)
		}
	}
	if _, err := m.coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("replace %s: %w", c.ID, err)
	}
	return nil
}

type mongoStream struct {
	cs   *mongo.ChangeStream
	coll *MongoCollection
}

func (s *mongoStream) Next(ctx context.Context) (Change, error) {
	if !s.cs.Next(ctx) {
		if err := s.cs.Err(); err != nil {
			return Change{}, err
		}
		if err := ctx.Err(); err != nil {
			return Change{}, err
		}
		return Change{}, io.EOF
	}
	if token := s.cs.ResumeToken(); token != nil {
		s.coll.mu.Lock()
		s.coll.resume = append(bson.Raw(nil), token...)
		s.coll.mu.Unlock()
	}
	return decodeMongoChange(s.cs.Current)
}

func (s *mongoStream) Close(ctx context.Context) error {
	return s.cs.Close(ctx)
}

type mongoChangeEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID interface{} `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument bson.Raw `bson:"fullDocument"`
}

func decodeMongoChange(raw bson.Raw) (Change, error) {
	var ev mongoChangeEvent
	if err := bson.Unmarshal(raw, &ev); err != nil {
		return Change{}, fmt.Errorf("%w: %v", errs.ErrInvalidChange, err)
	}
	op, err := operationFromStore(ev.OperationType)
	if err != nil {
		return Change{}, err
	}

	c := Change{Operation: op, ID: formatMongoID(ev.DocumentKey.ID)}
	if op != OpDelete && len(ev.FullDocument) > 0 {
		doc, err := bson.MarshalExtJSON(ev.FullDocument, false, false)
		if err != nil {
			return Change{}, fmt.Errorf("%w: document %s: %v", errs.ErrInvalidChange, c.ID, err)
		}
		c.Document = doc
	}
	return c, nil
}

func formatMongoID(id interface{}) string {
	switch v := id.(type) {
	case nil:
		return ""
	case primitive.ObjectID:
		return v.Hex()
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// mongoID reverses formatMongoID for ObjectID keys.
func mongoID(id string) interface{} {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}
