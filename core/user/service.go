package user

import (
	"context"
	"net/mail"
	"time"

	"github.com/pkg/errors"

	"github.com/darasahq/darasa/core"
)

var (
	// errors
	ErrNotFound       = errors.New("user not found")
	ErrEmailExists    = errors.New("a user with this email already exists")
	ErrUsernameExists = errors.New("a user with this username already exists")
	ErrNotStudent     = errors.New("user is not a student")
	ErrAlreadyFriends = errors.New("users are already friends")
	ErrNotFriends     = errors.New("users are not friends")
	ErrSelfFriend     = errors.New("cannot befriend yourself")

	// ErrInsufficientPoints guards direct balance adjustments; balances never
	// go negative.
	ErrInsufficientPoints = errors.New("insufficient points balance")
)

type (
	Repository interface {
		CheckUsernameUniqueness(ctx context.Context, username, email string, excludedUsers ...User) error
		CreateUser(ctx context.Context, usr User) (User, error)
		GetUserByID(ctx context.Context, id string) (User, error)
		GetUsersByID(ctx context.Context, ids []string) ([]User, error)
		GetUserByUsername(ctx context.Context, username string) (User, error)
		GetUserByEmail(ctx context.Context, email string) (User, error)
		GetUserByUsernameOrEmail(ctx context.Context, username string) (User, error)
		// FilterUsers applies AND operation on available QueryFilter fields.
		// QueryFilter.Search does a case-insensitive match on one of User.Name, User.Username or User.Email.
		FilterUsers(ctx context.Context, filter QueryFilter) ([]User, error)
		UpdateUser(ctx context.Context, usr User, isActive *bool) (User, error)
		UpdateLastLogin(ctx context.Context, id string, t time.Time) (User, error)
		DeleteUsersByID(ctx context.Context, ids ...string) error

		// AdjustPoints credits (positive delta) or debits one balance. It
		// fails with ErrInsufficientPoints instead of going negative.
		AdjustPoints(ctx context.Context, id string, kind PointsKind, delta int) (User, error)

		// Friendship is stored symmetrically: both sides are updated in one
		// atomic operation or none is.
		AddFriend(ctx context.Context, userID, friendID string) error
		RemoveFriend(ctx context.Context, userID, friendID string) error
	}

	Service interface {
		CheckUniqueness(uname, email string, exclUsers ...User) error
		Create(ctx context.Context, nu NewUser) (User, error)
		GetByID(ctx context.Context, id string) (User, error)
		GetByUsernameOrEmail(ctx context.Context, uname string) (User, error)
		Filter(ctx context.Context, filter QueryFilter) ([]User, error)
		Update(ctx context.Context, id string, uu UpdateUser) (User, error)
		SetLastLogin(ctx context.Context, usr User) (User, error)
		Delete(ctx context.Context, ids ...string) error
		RequestPasswordReset(ctx context.Context, email string) error
		ResetPassword(ctx context.Context, rp ResetUserPassword) error

		AddFriend(ctx context.Context, usr User, friendID string) error
		RemoveFriend(ctx context.Context, usr User, friendID string) error
		Friends(ctx context.Context, usr User) ([]User, error)
	}

	service struct {
		repo    Repository
		mailSvc core.EmailService
		conf    *core.Config
	}
)

var _ Service = (*service)(nil)

func NewService(repo Repository, mailSvc core.EmailService, conf *core.Config) Service {
	return &service{
		repo:    repo,
		mailSvc: mailSvc,
		conf:    conf,
	}
}

func (svc *service) CheckUniqueness(uname, email string, exclUsers ...User) error {
	ctx, cancel := context.WithTimeout(context.Background(), svc.conf.Database.Timeout)
	defer cancel()

	if err := svc.repo.CheckUsernameUniqueness(ctx, uname, email, exclUsers...); err != nil {
		var field string
		switch errors.Cause(err) {
		case ErrUsernameExists:
			field = "username"
		case ErrEmailExists:
			field = "email"
		default:
			return err
		}
		return core.NewValidationError(err, core.FieldError{Field: field, Error: err.Error()})
	}
	return nil
}

func (svc *service) Create(ctx context.Context, nu NewUser) (User, error) {
	now := time.Now().UTC()
	active := true
	usr := User{
		Name:           nu.Name,
		Username:       nu.Username,
		Email:          nu.Email,
		IsActive:       &active,
		Roles:          nu.Roles,
		OneToOnePoints: DefaultPoints,
		GroupPoints:    DefaultPoints,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := usr.SetPassword(nu.Password); err != nil {
		return User{}, errors.Wrap(err, "hashing password")
	}
	return svc.repo.CreateUser(ctx, usr)
}

func (svc *service) GetByID(ctx context.Context, id string) (User, error) {
	return svc.repo.GetUserByID(ctx, id)
}

func (svc *service) GetByUsernameOrEmail(ctx context.Context, uname string) (User, error) {
	return svc.repo.GetUserByUsernameOrEmail(ctx, core.CleanString(uname, true /* lower */))
}

func (svc *service) Filter(ctx context.Context, filter QueryFilter) ([]User, error) {
	filter.Clean()
	return svc.repo.FilterUsers(ctx, filter)
}

func (svc *service) Update(ctx context.Context, id string, uu UpdateUser) (User, error) {
	usr := User{
		ID:        id,
		Name:      uu.Name,
		Username:  uu.Username,
		Email:     uu.Email,
		Roles:     uu.Roles,
		UpdatedAt: time.Now().UTC(),
	}
	if uu.Password != "" {
		if err := usr.SetPassword(uu.Password); err != nil {
			return User{}, errors.Wrap(err, "hashing password")
		}
	}
	return svc.repo.UpdateUser(ctx, usr, uu.IsActive)
}

func (svc *service) SetLastLogin(ctx context.Context, usr User) (User, error) {
	return svc.repo.UpdateLastLogin(ctx, usr.ID, time.Now().UTC())
}

func (svc *service) Delete(ctx context.Context, ids ...string) error {
	return svc.repo.DeleteUsersByID(ctx, ids...)
}

func (svc *service) RequestPasswordReset(ctx context.Context, email string) error {
	usr, err := svc.repo.GetUserByEmail(ctx, core.CleanString(email, true /* lower */))
	if err != nil {
		return err
	}

	token, err := MakeToken(usr)
	if err != nil {
		return errors.Wrap(err, "making reset token")
	}

	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: usr.Name, Address: usr.Email}},
		Subject:      "Password Reset",
		TemplateName: "password-reset",
		TemplateData: struct {
			Username, AppName, UID, Token string
		}{usr.Username, svc.conf.AppName, EncodeUID(usr), token},
	})
	return nil
}

func (svc *service) ResetPassword(ctx context.Context, rp ResetUserPassword) error {
	uid, err := decodeUID(rp.UID)
	if err != nil {
		return errors.Wrap(err, "decoding UID")
	}

	usr, err := svc.repo.GetUserByID(ctx, uid)
	if err != nil {
		return err
	}
	if err = verifyToken(usr, rp.Token, svc.conf); err != nil {
		return core.NewValidationError(err)
	}

	if err = usr.SetPassword(rp.Password); err != nil {
		return errors.Wrap(err, "hashing password")
	}
	usr.UpdatedAt = time.Now().UTC()
	_, err = svc.repo.UpdateUser(ctx, usr, nil)
	return err
}

// AddFriend befriends usr and friendID symmetrically. Both must be students.
func (svc *service) AddFriend(ctx context.Context, usr User, friendID string) error {
	if usr.ID == friendID {
		return core.NewValidationError(ErrSelfFriend)
	}

	friend, err := svc.repo.GetUserByID(ctx, friendID)
	if err != nil {
		return err
	}
	if !friend.IsStudent() {
		return core.NewValidationError(ErrNotStudent)
	}
	if usr.HasFriend(friendID) {
		return core.NewValidationError(ErrAlreadyFriends)
	}
	return svc.repo.AddFriend(ctx, usr.ID, friendID)
}

func (svc *service) RemoveFriend(ctx context.Context, usr User, friendID string) error {
	if !usr.HasFriend(friendID) {
		return core.NewValidationError(ErrNotFriends)
	}
	return svc.repo.RemoveFriend(ctx, usr.ID, friendID)
}

func (svc *service) Friends(ctx context.Context, usr User) ([]User, error) {
	if len(usr.Friends) == 0 {
		return []User{}, nil
	}
	return svc.repo.GetUsersByID(ctx, usr.Friends)
}
