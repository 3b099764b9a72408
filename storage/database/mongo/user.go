package mongodb

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/darasahq/darasa/core/user"
)

// userDoc is the stored shape of a user.User.
type userDoc struct {
	ID             string    `bson:"_id"`
	Name           string    `bson:"name"`
	Username       string    `bson:"username"`
	Email          string    `bson:"email"`
	IsActive       *bool     `bson:"isActive"`
	Roles          []string  `bson:"roles"`
	OneToOnePoints int       `bson:"oneToOnePoints"`
	GroupPoints    int       `bson:"groupPoints"`
	Friends        []string  `bson:"friends"`
	PasswordHash   []byte    `bson:"passwordHash"`
	CreatedAt      time.Time `bson:"createdAt"`
	UpdatedAt      time.Time `bson:"updatedAt"`
	LastLogin      time.Time `bson:"lastLogin,omitempty"`
}

func toDoc(usr user.User) userDoc {
	if usr.Friends == nil {
		usr.Friends = []string{}
	}
	return userDoc(usr)
}

func fromDoc(doc userDoc) user.User {
	return user.User(doc)
}

type userRepository struct {
	users *mongo.Collection
}

var _ user.Repository = (*userRepository)(nil) // interface compliance check

func NewUserRepository(db *mongo.Database) user.Repository {
	return &userRepository{users: db.Collection(usersCollection)}
}

func (repo *userRepository) CheckUsernameUniqueness(ctx context.Context, username, email string, excludedUsers ...user.User) error {
	excludedIDs := make([]string, 0, len(excludedUsers))
	for _, u := range excludedUsers {
		excludedIDs = append(excludedIDs, u.ID)
	}

	check := func(field, value string, target error) error {
		if value == "" {
			return nil
		}
		filter := bson.M{field: value}
		if len(excludedIDs) > 0 {
			filter["_id"] = bson.M{"$nin": excludedIDs}
		}
		n, err := repo.users.CountDocuments(ctx, filter, options.Count().SetLimit(1))
		if err != nil {
			return errors.Wrapf(err, "counting users by %s", field)
		}
		if n > 0 {
			return target
		}
		return nil
	}

	if err := check("username", username, user.ErrUsernameExists); err != nil {
		return err
	}
	return check("email", email, user.ErrEmailExists)
}

func (repo *userRepository) CreateUser(ctx context.Context, usr user.User) (user.User, error) {
	if usr.ID == "" {
		usr.ID = uuid.New().String()
	}
	if _, err := repo.users.InsertOne(ctx, toDoc(usr)); err != nil {
		if isDupKey(err) {
			return user.User{}, user.ErrUsernameExists
		}
		return user.User{}, errors.Wrap(err, "inserting user")
	}
	return usr, nil
}

func (repo *userRepository) getOne(ctx context.Context, filter bson.M) (user.User, error) {
	var doc userDoc
	if err := repo.users.FindOne(ctx, filter).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return user.User{}, user.ErrNotFound
		}
		return user.User{}, errors.Wrap(err, "finding user")
	}
	return fromDoc(doc), nil
}

func (repo *userRepository) GetUserByID(ctx context.Context, id string) (user.User, error) {
	return repo.getOne(ctx, bson.M{"_id": id})
}

func (repo *userRepository) GetUsersByID(ctx context.Context, ids []string) ([]user.User, error) {
	return repo.find(ctx, bson.M{"_id": bson.M{"$in": ids}}, nil)
}

func (repo *userRepository) GetUserByUsername(ctx context.Context, username string) (user.User, error) {
	return repo.getOne(ctx, bson.M{"username": username})
}

func (repo *userRepository) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	return repo.getOne(ctx, bson.M{"email": email})
}

func (repo *userRepository) GetUserByUsernameOrEmail(ctx context.Context, username string) (user.User, error) {
	return repo.getOne(ctx, bson.M{"$or": bson.A{
		bson.M{"username": username},
		bson.M{"email": username},
	}})
}

func (repo *userRepository) FilterUsers(ctx context.Context, filter user.QueryFilter) ([]user.User, error) {
	query := bson.M{}
	if filter.Search != "" {
		pattern := regexp.QuoteMeta(filter.Search)
		rx := bson.M{"$regex": pattern, "$options": "i"}
		query["$or"] = bson.A{
			bson.M{"name": rx},
			bson.M{"username": rx},
			bson.M{"email": rx},
		}
	}
	if len(filter.Roles) > 0 {
		query["roles"] = bson.M{"$in": filter.Roles}
	}
	if filter.IsActive != nil {
		query["isActive"] = *filter.IsActive
	}
	created := bson.M{}
	if !filter.CreatedFrom.IsZero() {
		created["$gte"] = filter.CreatedFrom
	}
	if !filter.CreatedTo.IsZero() {
		created["$lte"] = filter.CreatedTo
	}
	if len(created) > 0 {
		query["createdAt"] = created
	}

	return repo.find(ctx, query, options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
}

func (repo *userRepository) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]user.User, error) {
	var cur *mongo.Cursor
	var err error
	if opts != nil {
		cur, err = repo.users.Find(ctx, filter, opts)
	} else {
		cur, err = repo.users.Find(ctx, filter)
	}
	if err != nil {
		return nil, errors.Wrap(err, "finding users")
	}
	defer func() { _ = cur.Close(ctx) }()

	users := make([]user.User, 0)
	for cur.Next(ctx) {
		var doc userDoc
		if err = cur.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "decoding user")
		}
		users = append(users, fromDoc(doc))
	}
	return users, errors.Wrap(cur.Err(), "iterating users")
}

func (repo *userRepository) UpdateUser(ctx context.Context, usr user.User, isActive *bool) (user.User, error) {
	set := bson.M{"updatedAt": usr.UpdatedAt}
	if usr.Name != "" {
		set["name"] = usr.Name
	}
	if usr.Username != "" {
		set["username"] = usr.Username
	}
	if usr.Email != "" {
		set["email"] = usr.Email
	}
	if usr.Roles != nil {
		set["roles"] = usr.Roles
	}
	if usr.PasswordHash != nil {
		set["passwordHash"] = usr.PasswordHash
	}
	if isActive != nil {
		set["isActive"] = *isActive
	}

	var doc userDoc
	err := repo.users.FindOneAndUpdate(
		ctx,
		bson.M{"_id": usr.ID},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return user.User{}, user.ErrNotFound
		}
		if isDupKey(err) {
			return user.User{}, user.ErrUsernameExists
		}
		return user.User{}, errors.Wrap(err, "updating user")
	}
	return fromDoc(doc), nil
}

func (repo *userRepository) UpdateLastLogin(ctx context.Context, id string, t time.Time) (user.User, error) {
	var doc userDoc
	err := repo.users.FindOneAndUpdate(
		ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"lastLogin": t}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return user.User{}, user.ErrNotFound
		}
		return user.User{}, errors.Wrap(err, "updating lastLogin")
	}
	return fromDoc(doc), nil
}

func (repo *userRepository) AdjustPoints(ctx context.Context, id string, kind user.PointsKind, delta int) (user.User, error) {
	filter := bson.M{"_id": id}
	if delta < 0 {
		// guard keeps the balance from going negative
		filter[pointsField(kind)] = bson.M{"$gte": -delta}
	}

	var doc userDoc
	err := repo.users.FindOneAndUpdate(
		ctx,
		filter,
		bson.M{"$inc": bson.M{pointsField(kind): delta}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			if _, getErr := repo.GetUserByID(ctx, id); getErr == nil {
				return user.User{}, user.ErrInsufficientPoints
			}
			return user.User{}, user.ErrNotFound
		}
		return user.User{}, errors.Wrap(err, "adjusting points")
	}
	return fromDoc(doc), nil
}

func (repo *userRepository) DeleteUsersByID(ctx context.Context, ids ...string) error {
	_, err := repo.users.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	return errors.Wrap(err, "deleting users")
}

// AddFriend records the friendship on both documents inside one transaction;
// $addToSet keeps a concurrent duplicate add harmless.
func (repo *userRepository) AddFriend(ctx context.Context, userID, friendID string) error {
	_, err := withTx(ctx, repo.users.Database(), func(sc mongo.SessionContext) (interface{}, error) {
		for _, pair := range [][2]string{{userID, friendID}, {friendID, userID}} {
			res, err := repo.users.UpdateOne(
				sc,
				bson.M{"_id": pair[0]},
				bson.M{"$addToSet": bson.M{"friends": pair[1]}},
			)
			if err != nil {
				return nil, errors.Wrap(err, "adding friend")
			}
			if res.MatchedCount == 0 {
				return nil, user.ErrNotFound
			}
		}
		return nil, nil
	})
	return err
}

func (repo *userRepository) RemoveFriend(ctx context.Context, userID, friendID string) error {
	_, err := withTx(ctx, repo.users.Database(), func(sc mongo.SessionContext) (interface{}, error) {
		for _, pair := range [][2]string{{userID, friendID}, {friendID, userID}} {
			res, err := repo.users.UpdateOne(
				sc,
				bson.M{"_id": pair[0]},
				bson.M{"$pull": bson.M{"friends": pair[1]}},
			)
			if err != nil {
				return nil, errors.Wrap(err, "removing friend")
			}
			if res.MatchedCount == 0 {
				return nil, user.ErrNotFound
			}
		}
		return nil, nil
	})
	return err
}
