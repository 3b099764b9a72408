package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/darasahq/darasa/core/user"
)

// userRow is the scanned shape of a user, friends aggregated from the
// friendships table.
type userRow struct {
	ID             string         `db:"id"`
	Name           string         `db:"name"`
	Username       sql.NullString `db:"username"`
	Email          sql.NullString `db:"email"`
	IsActive       bool           `db:"is_active"`
	Roles          pq.StringArray `db:"roles"`
	OneToOnePoints int            `db:"one_to_one_points"`
	GroupPoints    int            `db:"group_points"`
	Friends        pq.StringArray `db:"friends"`
	PasswordHash   []byte         `db:"password_hash"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	LastLogin      sql.NullTime   `db:"last_login"`
}

func (r userRow) toUser() user.User {
	usr := user.User{
		ID:             r.ID,
		Name:           r.Name,
		Username:       r.Username.String,
		Email:          r.Email.String,
		IsActive:       &r.IsActive,
		Roles:          r.Roles,
		OneToOnePoints: r.OneToOnePoints,
		GroupPoints:    r.GroupPoints,
		Friends:        r.Friends,
		PasswordHash:   r.PasswordHash,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.LastLogin.Valid {
		usr.LastLogin = r.LastLogin.Time
	}
	return usr
}

const userColumns = `
	u.id, u.name, u.username, u.email, u.is_active, u.roles,
	u.one_to_one_points, u.group_points, u.password_hash,
	u.created_at, u.updated_at, u.last_login,
	(SELECT COALESCE(array_agg(f.friend_id), '{}') FROM friendships f WHERE f.user_id = u.id) AS friends`

type userRepository struct {
	db *sqlx.DB
}

var _ user.Repository = (*userRepository)(nil) // interface compliance check

func NewUserRepository(db *sqlx.DB) user.Repository {
	return &userRepository{db: db}
}

// nullable maps "" to NULL so empty usernames and emails never collide on
// the unique indexes.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (repo *userRepository) CheckUsernameUniqueness(ctx context.Context, username, email string, excludedUsers ...user.User) error {
	excludedIDs := pq.StringArray{}
	for _, u := range excludedUsers {
		excludedIDs = append(excludedIDs, u.ID)
	}

	check := func(field, value string, target error) error {
		if value == "" {
			return nil
		}
		var n int
		err := repo.db.GetContext(ctx, &n,
			`SELECT COUNT(1) FROM users u WHERE u.`+field+` = $1 AND u.id != ALL($2)`,
			value, excludedIDs,
		)
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
	isActive := usr.IsActive == nil || *usr.IsActive

	_, err := repo.db.ExecContext(ctx, `
		INSERT INTO users (id, name, username, email, is_active, roles,
			one_to_one_points, group_points, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		usr.ID, usr.Name, nullable(usr.Username), nullable(usr.Email), isActive,
		pq.StringArray(usr.Roles), usr.OneToOnePoints, usr.GroupPoints,
		usr.PasswordHash, usr.CreatedAt, usr.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return user.User{}, user.ErrUsernameExists
		}
		return user.User{}, errors.Wrap(err, "inserting user")
	}
	if usr.Friends == nil {
		usr.Friends = []string{}
	}
	return usr, nil
}

func (repo *userRepository) getOne(ctx context.Context, where string, args ...interface{}) (user.User, error) {
	var row userRow
	err := repo.db.GetContext(ctx, &row, `SELECT `+userColumns+` FROM users u WHERE `+where, args...)
	if err != nil {
		if err == sql.ErrNoRows {
			return user.User{}, user.ErrNotFound
		}
		return user.User{}, errors.Wrap(err, "finding user")
	}
	return row.toUser(), nil
}

func (repo *userRepository) GetUserByID(ctx context.Context, id string) (user.User, error) {
	return repo.getOne(ctx, `u.id = $1`, id)
}

func (repo *userRepository) GetUsersByID(ctx context.Context, ids []string) ([]user.User, error) {
	return repo.find(ctx, `u.id = ANY($1)`, pq.StringArray(ids))
}

func (repo *userRepository) GetUserByUsername(ctx context.Context, username string) (user.User, error) {
	return repo.getOne(ctx, `u.username = $1`, username)
}

func (repo *userRepository) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	return repo.getOne(ctx, `u.email = $1`, email)
}

func (repo *userRepository) GetUserByUsernameOrEmail(ctx context.Context, username string) (user.User, error) {
	return repo.getOne(ctx, `u.username = $1 OR u.email = $1`, username)
}

func (repo *userRepository) FilterUsers(ctx context.Context, filter user.QueryFilter) ([]user.User, error) {
	where := `TRUE`
	args := make([]interface{}, 0, 5)
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + itoa(len(args))
	}

	if filter.Search != "" {
		p := arg("%" + filter.Search + "%")
		where += ` AND (u.name ILIKE ` + p + ` OR u.username ILIKE ` + p + ` OR u.email ILIKE ` + p + `)`
	}
	if len(filter.Roles) > 0 {
		where += ` AND u.roles && ` + arg(pq.StringArray(filter.Roles))
	}
	if filter.IsActive != nil {
		where += ` AND u.is_active = ` + arg(*filter.IsActive)
	}
	if !filter.CreatedFrom.IsZero() {
		where += ` AND u.created_at >= ` + arg(filter.CreatedFrom)
	}
	if !filter.CreatedTo.IsZero() {
		where += ` AND u.created_at <= ` + arg(filter.CreatedTo)
	}

	return repo.find(ctx, where+` ORDER BY u.created_at DESC`, args...)
}

func (repo *userRepository) find(ctx context.Context, where string, args ...interface{}) ([]user.User, error) {
	var rows []userRow
	err := repo.db.SelectContext(ctx, &rows, `SELECT `+userColumns+` FROM users u WHERE `+where, args...)
	if err != nil {
		return nil, errors.Wrap(err, "finding users")
	}
	users := make([]user.User, 0, len(rows))
	for _, row := range rows {
		users = append(users, row.toUser())
	}
	return users, nil
}

func (repo *userRepository) UpdateUser(ctx context.Context, usr user.User, isActive *bool) (user.User, error) {
	set := `updated_at = $2`
	args := []interface{}{usr.ID, usr.UpdatedAt}
	add := func(col string, v interface{}) {
		args = append(args, v)
		set += `, ` + col + ` = $` + itoa(len(args))
	}

	if usr.Name != "" {
		add("name", usr.Name)
	}
	if usr.Username != "" {
		add("username", usr.Username)
	}
	if usr.Email != "" {
		add("email", usr.Email)
	}
	if usr.Roles != nil {
		add("roles", pq.StringArray(usr.Roles))
	}
	if usr.PasswordHash != nil {
		add("password_hash", usr.PasswordHash)
	}
	if isActive != nil {
		add("is_active", *isActive)
	}

	res, err := repo.db.ExecContext(ctx, `UPDATE users SET `+set+` WHERE id = $1`, args...)
	if err != nil {
		if isUniqueViolation(err, "") {
			return user.User{}, user.ErrUsernameExists
		}
		return user.User{}, errors.Wrap(err, "updating user")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return user.User{}, user.ErrNotFound
	}
	return repo.GetUserByID(ctx, usr.ID)
}

func (repo *userRepository) UpdateLastLogin(ctx context.Context, id string, t time.Time) (user.User, error) {
	res, err := repo.db.ExecContext(ctx, `UPDATE users SET last_login = $2 WHERE id = $1`, id, t)
	if err != nil {
		return user.User{}, errors.Wrap(err, "updating last login")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return user.User{}, user.ErrNotFound
	}
	return repo.GetUserByID(ctx, id)
}

func (repo *userRepository) AdjustPoints(ctx context.Context, id string, kind user.PointsKind, delta int) (user.User, error) {
	col := pointsColumn(kind)
	res, err := repo.db.ExecContext(ctx, `
		UPDATE users SET `+col+` = `+col+` + $1
		WHERE id = $2 AND `+col+` + $1 >= 0`,
		delta, id,
	)
	if err != nil {
		return user.User{}, errors.Wrap(err, "adjusting points")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := repo.GetUserByID(ctx, id); getErr == nil {
			return user.User{}, user.ErrInsufficientPoints
		}
		return user.User{}, user.ErrNotFound
	}
	return repo.GetUserByID(ctx, id)
}

func (repo *userRepository) DeleteUsersByID(ctx context.Context, ids ...string) error {
	_, err := repo.db.ExecContext(ctx, `DELETE FROM users WHERE id = ANY($1)`, pq.StringArray(ids))
	return errors.Wrap(err, "deleting users")
}

// AddFriend records the friendship on both sides in one transaction.
func (repo *userRepository) AddFriend(ctx context.Context, userID, friendID string) error {
	return withTx(ctx, repo.db, func(tx *sqlx.Tx) error {
		for _, pair := range [][2]string{{userID, friendID}, {friendID, userID}} {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO friendships (user_id, friend_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING`,
				pair[0], pair[1],
			)
			if err != nil {
				if isFKViolation(err) {
					return user.ErrNotFound
				}
				return errors.Wrap(err, "adding friend")
			}
		}
		return nil
	})
}

func (repo *userRepository) RemoveFriend(ctx context.Context, userID, friendID string) error {
	return withTx(ctx, repo.db, func(tx *sqlx.Tx) error {
		for _, pair := range [][2]string{{userID, friendID}, {friendID, userID}} {
			_, err := tx.ExecContext(ctx, `
				DELETE FROM friendships WHERE user_id = $1 AND friend_id = $2`,
				pair[0], pair[1],
			)
			if err != nil {
				return errors.Wrap(err, "removing friend")
			}
		}
		return nil
	})
}
