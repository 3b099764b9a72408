package mongodb

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/darasahq/darasa/core/call"
	"github.com/darasahq/darasa/core/user"
)

// callDoc is the stored shape of a call.Call.
type callDoc struct {
	ID           string      `bson:"_id"`
	Type         call.Type   `bson:"type"`
	Initiator    string      `bson:"initiator"`
	Teacher      string      `bson:"teacher"`
	Participants []string    `bson:"participants"`
	Status       call.Status `bson:"status"`
	CallID       string      `bson:"callId"`
	PointsCost   int         `bson:"pointsCost"`
	StartTime    time.Time   `bson:"startTime,omitempty"`
	EndTime      time.Time   `bson:"endTime,omitempty"`
	Duration     int         `bson:"duration,omitempty"`
	CreatedAt    time.Time   `bson:"createdAt"`
	UpdatedAt    time.Time   `bson:"updatedAt"`
}

func toCallDoc(c call.Call) callDoc {
	return callDoc(c)
}

func fromCallDoc(doc callDoc) call.Call {
	return call.Call(doc)
}

// pointsField maps a balance kind to its document field.
func pointsField(kind user.PointsKind) string {
	if kind == user.PointsGroup {
		return "groupPoints"
	}
	return "oneToOnePoints"
}

type callRepository struct {
	db    *mongo.Database
	calls *mongo.Collection
	users *mongo.Collection
}

var _ call.Repository = (*callRepository)(nil) // interface compliance check

func NewCallRepository(db *mongo.Database) call.Repository {
	return &callRepository{
		db:    db,
		calls: db.Collection(callsCollection),
		users: db.Collection(usersCollection),
	}
}

// CreateCall debits every account and inserts the record in one transaction.
// The balance guard lives in the update filter, so a debit that would go
// negative simply matches nothing and aborts the whole transaction. The
// partial unique index on (initiator, teacher, pending) turns a lost
// check-then-create race into a clean duplicate-key abort.
func (repo *callRepository) CreateCall(ctx context.Context, c call.Call, debits []call.PointsOp) (call.Call, error) {
	_, err := withTx(ctx, repo.db, func(sc mongo.SessionContext) (interface{}, error) {
		for _, d := range debits {
			res, err := repo.users.UpdateOne(
				sc,
				bson.M{"_id": d.UserID, pointsField(d.Kind): bson.M{"$gte": d.Amount}},
				bson.M{"$inc": bson.M{pointsField(d.Kind): -d.Amount}},
			)
			if err != nil {
				return nil, errors.Wrap(err, "debiting points")
			}
			if res.MatchedCount == 0 {
				// missing user or insufficient balance; caller pre-validated
				// existence so report the balance
				return nil, call.ErrInsufficientBalance
			}
		}

		if _, err := repo.calls.InsertOne(sc, toCallDoc(c)); err != nil {
			if isDupKey(err) {
				return nil, call.ErrDuplicatePending
			}
			return nil, errors.Wrap(err, "inserting call")
		}
		return nil, nil
	})
	if err != nil {
		return call.Call{}, err
	}
	return c, nil
}

func (repo *callRepository) getOne(ctx context.Context, filter bson.M) (call.Call, error) {
	var doc callDoc
	if err := repo.calls.FindOne(ctx, filter).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return call.Call{}, call.ErrNotFound
		}
		return call.Call{}, errors.Wrap(err, "finding call")
	}
	return fromCallDoc(doc), nil
}

func (repo *callRepository) GetCallByID(ctx context.Context, id string) (call.Call, error) {
	return repo.getOne(ctx, bson.M{"_id": id})
}

func (repo *callRepository) GetCallByCallID(ctx context.Context, callID string) (call.Call, error) {
	return repo.getOne(ctx, bson.M{"callId": callID})
}

func (repo *callRepository) FilterCalls(ctx context.Context, filter call.QueryFilter) ([]call.Call, error) {
	query := bson.M{}
	if filter.Participant != "" {
		query["participants"] = filter.Participant
	}
	if filter.Status != "" {
		query["status"] = filter.Status
	}

	cur, err := repo.calls.Find(ctx, query, options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
	if err != nil {
		return nil, errors.Wrap(err, "finding calls")
	}
	defer func() { _ = cur.Close(ctx) }()

	calls := make([]call.Call, 0)
	for cur.Next(ctx) {
		var doc callDoc
		if err = cur.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "decoding call")
		}
		calls = append(calls, fromCallDoc(doc))
	}
	return calls, errors.Wrap(cur.Err(), "iterating calls")
}

// SetCallStatus performs the conditional transition and any refunds in one
// transaction. The `status: from` filter is what rejects double responses:
// the losing writer matches nothing.
func (repo *callRepository) SetCallStatus(ctx context.Context, id string, from, to call.Status, refunds []call.PointsOp) (call.Call, error) {
	res, err := withTx(ctx, repo.db, func(sc mongo.SessionContext) (interface{}, error) {
		now := time.Now().UTC()
		set := bson.M{"status": to, "updatedAt": now}
		switch to {
		case call.StatusAccepted:
			set["startTime"] = now
		case call.StatusCompleted:
			set["endTime"] = now
		}

		var doc callDoc
		err := repo.calls.FindOneAndUpdate(
			sc,
			bson.M{"_id": id, "status": from},
			bson.M{"$set": set},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&doc)
		if err != nil {
			if err != mongo.ErrNoDocuments {
				return nil, errors.Wrap(err, "updating call status")
			}
			// record missing or already past `from`
			if _, err := repo.getOne(sc, bson.M{"_id": id}); err != nil {
				return nil, err
			}
			return nil, call.ErrAlreadyResponded
		}

		c := fromCallDoc(doc)
		if to == call.StatusCompleted {
			c.CalculateDuration()
			if _, err := repo.calls.UpdateOne(sc, bson.M{"_id": id},
				bson.M{"$set": bson.M{"duration": c.Duration}}); err != nil {
				return nil, errors.Wrap(err, "setting call duration")
			}
		}

		for _, r := range refunds {
			res, err := repo.users.UpdateOne(
				sc,
				bson.M{"_id": r.UserID},
				bson.M{"$inc": bson.M{pointsField(r.Kind): r.Amount}},
			)
			if err != nil {
				return nil, errors.Wrap(err, "refunding points")
			}
			if res.MatchedCount == 0 {
				return nil, user.ErrNotFound
			}
		}
		return c, nil
	})
	if err != nil {
		return call.Call{}, err
	}
	return res.(call.Call), nil
}
