// Package mongodb implements the repositories on MongoDB. It is the default
// backend: the data is naturally document-shaped and the store's partial
// unique indexes carry the duplicate-pending-request constraint.
package mongodb

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/darasahq/darasa/core"
)

const (
	usersCollection = "users"
	callsCollection = "calls"
)

// Open connects to MongoDB and returns a handle on the application database.
func Open(ctx context.Context, conf *core.Config) (*mongo.Database, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(conf.Database.MongoURI))
	if err != nil {
		return nil, errors.Wrap(err, "connecting to mongo")
	}
	if err = client.Ping(ctx, nil); err != nil {
		return nil, errors.Wrap(err, "pinging mongo")
	}
	return client.Database(conf.Database.Name), nil
}

// EnsureIndexes creates the indexes the repositories rely on. Must be called
// once at startup; it is idempotent.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	users := db.Collection(usersCollection)
	_, err := users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "roles", Value: 1}}},
	})
	if err != nil {
		return errors.Wrap(err, "creating user indexes")
	}

	calls := db.Collection(callsCollection)
	_, err = calls.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "callId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "participants", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: -1}}},
		// at most one pending request per (initiator, teacher)
		{
			Keys: bson.D{{Key: "initiator", Value: 1}, {Key: "teacher", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": "pending"}),
		},
	})
	return errors.Wrap(err, "creating call indexes")
}

// isDupKey reports whether err is a unique-index violation.
func isDupKey(err error) bool {
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == 11000 {
				return true
			}
		}
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) {
		return ce.Code == 11000
	}
	return false
}

// withTx runs fn inside a session transaction. Requires a replica-set
// deployment; use the dummy backend for storage-free local hacking.
func withTx(ctx context.Context, db *mongo.Database, fn func(sc mongo.SessionContext) (interface{}, error)) (interface{}, error) {
	session, err := db.Client().StartSession()
	if err != nil {
		return nil, errors.Wrap(err, "starting session")
	}
	defer session.EndSession(ctx)

	return session.WithTransaction(ctx, fn)
}
