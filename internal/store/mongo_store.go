package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/devfolio/internal/db"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	sessionsCollection = "visitorsessions"
	statsCollection    = "visitorstats"
)

var (
	_ SessionStore = (*MongoStore)(nil)
	_ StatsStore   = (*MongoStore)(nil)
)

// MongoStore implements SessionStore and StatsStore on MongoDB.
type MongoStore struct {
	sessions *mongo.Collection
	stats    *mongo.Collection

	mu      sync.Mutex
	indexed bool
}

// NewMongo binds the visitor collections. It does no I/O, so a server that
// is down at boot only fails individual operations until it comes back.
func NewMongo(m *db.MongoDB) *MongoStore {
	return &MongoStore{
		sessions: m.Collection(sessionsCollection),
		stats:    m.Collection(statsCollection),
	}
}

// EnsureIndexes creates the session indexes once. Upsert calls it first:
// without the unique sessionId index racing heartbeats could insert twice.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexed {
		return nil
	}

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "sessionId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "ip", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "isActive", Value: 1}, {Key: "lastActivity", Value: 1}},
		},
	}
	if _, err := s.sessions.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("create visitor session indexes: %w", err)
	}

	s.indexed = true
	return nil
}

func (s *MongoStore) FindBySessionID(ctx context.Context, sessionID string) (*db.VisitorSession, error) {
	return s.findOne(ctx, bson.M{"sessionId": sessionID})
}

func (s *MongoStore) FindByIP(ctx context.Context, ip string) (*db.VisitorSession, error) {
	return s.findOne(ctx, bson.M{"ip": ip})
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M) (*db.VisitorSession, error) {
	var session db.VisitorSession
	err := s.sessions.FindOne(ctx, filter).Decode(&session)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("find visitor session: %w", err)
	}
	return &session, nil
}

func (s *MongoStore) Upsert(ctx context.Context, sessionID string, fields SessionFields, now time.Time) (bool, error) {
	if err := s.EnsureIndexes(ctx); err != nil {
		return false, err
	}

	update := sessionUpsertUpdate(fields, now)
	opts := options.Update().SetUpsert(true)

	var result *mongo.UpdateResult
	err := withDuplicateRetry(func() error {
		var err error
		result, err = s.sessions.UpdateOne(ctx, bson.M{"sessionId": sessionID}, update, opts)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("upsert visitor session: %w", err)
	}

	return result.UpsertedCount == 1, nil
}

// sessionUpsertUpdate refreshes activity on every call and writes createdAt
// only on insert. A field may appear in $set or $setOnInsert, never both.
func sessionUpsertUpdate(fields SessionFields, now time.Time) bson.M {
	set := bson.M{
		"isActive":     true,
		"lastActivity": now,
	}
	onInsert := bson.M{
		"createdAt": now,
	}
	assign := func(key, value, fallback string) {
		if value != "" {
			set[key] = value
		} else {
			onInsert[key] = fallback
		}
	}
	assign("ip", fields.IP, "")
	assign("userAgent", fields.UserAgent, "")
	assign("page", fields.Page, DefaultPage)

	return bson.M{"$set": set, "$setOnInsert": onInsert}
}

// withDuplicateRetry runs op again once when it lost an upsert race: the
// concurrent insert now exists, so the retry takes the update branch.
func withDuplicateRetry(op func() error) error {
	err := op()
	if mongo.IsDuplicateKeyError(err) {
		err = op()
	}
	return err
}

func (s *MongoStore) MarkInactive(ctx context.Context, sessionID string) error {
	_, err := s.sessions.UpdateOne(ctx,
		bson.M{"sessionId": sessionID},
		bson.M{"$set": bson.M{"isActive": false}},
	)
	if err != nil {
		return fmt.Errorf("deactivate visitor session: %w", err)
	}
	return nil
}

func (s *MongoStore) MarkStale(ctx context.Context, threshold time.Time) (int64, error) {
	result, err := s.sessions.UpdateMany(ctx,
		bson.M{"isActive": true, "lastActivity": bson.M{"$lt": threshold}},
		bson.M{"$set": bson.M{"isActive": false}},
	)
	if err != nil {
		return 0, fmt.Errorf("sweep stale sessions: %w", err)
	}
	return result.ModifiedCount, nil
}

func (s *MongoStore) CountActive(ctx context.Context) (int64, error) {
	count, err := s.sessions.CountDocuments(ctx, bson.M{"isActive": true})
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return count, nil
}

func (s *MongoStore) GetOrCreate(ctx context.Context, now time.Time) (*db.VisitorStats, error) {
	update := bson.M{
		"$setOnInsert": bson.M{
			"totalVisits":    int64(0),
			"uniqueVisitors": int64(0),
			"lastUpdated":    now,
		},
	}
	stats, err := s.upsertStats(ctx, update)
	if err != nil {
		return nil, fmt.Errorf("load visitor stats: %w", err)
	}
	return stats, nil
}

func (s *MongoStore) IncrementVisit(ctx context.Context, newVisitor bool, now time.Time) (*db.VisitorStats, error) {
	stats, err := s.upsertStats(ctx, statsIncrementUpdate(newVisitor, now))
	if err != nil {
		return nil, fmt.Errorf("increment visitor stats: %w", err)
	}
	return stats, nil
}

func statsIncrementUpdate(newVisitor bool, now time.Time) bson.M {
	inc := bson.M{"totalVisits": int64(1), "uniqueVisitors": int64(0)}
	if newVisitor {
		inc["uniqueVisitors"] = int64(1)
	}
	return bson.M{
		"$inc": inc,
		"$set": bson.M{"lastUpdated": now},
	}
}

func (s *MongoStore) upsertStats(ctx context.Context, update bson.M) (*db.VisitorStats, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)
	filter := bson.M{"_id": db.StatsKey}

	var stats db.VisitorStats
	err := withDuplicateRetry(func() error {
		return s.stats.FindOneAndUpdate(ctx, filter, update, opts).Decode(&stats)
	})
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
