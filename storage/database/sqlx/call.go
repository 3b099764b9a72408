package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/darasahq/darasa/core/call"
	"github.com/darasahq/darasa/core/user"
)

type callRow struct {
	ID           string         `db:"id"`
	Type         string         `db:"type"`
	Initiator    string         `db:"initiator"`
	Teacher      string         `db:"teacher"`
	Participants pq.StringArray `db:"participants"`
	Status       string         `db:"status"`
	CallID       string         `db:"call_id"`
	PointsCost   int            `db:"points_cost"`
	StartTime    sql.NullTime   `db:"start_time"`
	EndTime      sql.NullTime   `db:"end_time"`
	Duration     sql.NullInt64  `db:"duration"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r callRow) toCall() call.Call {
	c := call.Call{
		ID:           r.ID,
		Type:         call.Type(r.Type),
		Initiator:    r.Initiator,
		Teacher:      r.Teacher,
		Participants: r.Participants,
		Status:       call.Status(r.Status),
		CallID:       r.CallID,
		PointsCost:   r.PointsCost,
		Duration:     int(r.Duration.Int64),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.StartTime.Valid {
		c.StartTime = r.StartTime.Time
	}
	if r.EndTime.Valid {
		c.EndTime = r.EndTime.Time
	}
	return c
}

const callColumns = `
	id, type, initiator, teacher, participants, status, call_id,
	points_cost, start_time, end_time, duration, created_at, updated_at`

// pointsColumn maps a balance kind to its users column. The returned name is
// only ever interpolated from this fixed set.
func pointsColumn(kind user.PointsKind) string {
	if kind == user.PointsGroup {
		return "group_points"
	}
	return "one_to_one_points"
}

type callRepository struct {
	db *sqlx.DB
}

var _ call.Repository = (*callRepository)(nil) // interface compliance check

func NewCallRepository(db *sqlx.DB) call.Repository {
	return &callRepository{db: db}
}

// CreateCall debits every account and inserts the record in one transaction.
// A debit whose balance guard fails aborts the whole thing, so no partial
// debits can ever land.
func (repo *callRepository) CreateCall(ctx context.Context, c call.Call, debits []call.PointsOp) (call.Call, error) {
	err := withTx(ctx, repo.db, func(tx *sqlx.Tx) error {
		for _, op := range debits {
			col := pointsColumn(op.Kind)
			res, err := tx.ExecContext(ctx, `
				UPDATE users SET `+col+` = `+col+` - $1
				WHERE id = $2 AND `+col+` >= $1`,
				op.Amount, op.UserID,
			)
			if err != nil {
				return errors.Wrap(err, "debiting points")
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return call.ErrInsufficientBalance
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO calls (`+callColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			c.ID, string(c.Type), c.Initiator, c.Teacher, pq.StringArray(c.Participants),
			string(c.Status), c.CallID, c.PointsCost,
			nullTime(c.StartTime), nullTime(c.EndTime), c.Duration,
			c.CreatedAt, c.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err, pendingIdx) {
				return call.ErrDuplicatePending
			}
			return errors.Wrap(err, "inserting call")
		}
		return nil
	})
	if err != nil {
		return call.Call{}, err
	}
	return c, nil
}

func (repo *callRepository) getOne(ctx context.Context, q sqlx.QueryerContext, where string, args ...interface{}) (call.Call, error) {
	var row callRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+callColumns+` FROM calls WHERE `+where, args...)
	if err != nil {
		if err == sql.ErrNoRows {
			return call.Call{}, call.ErrNotFound
		}
		return call.Call{}, errors.Wrap(err, "finding call")
	}
	return row.toCall(), nil
}

func (repo *callRepository) GetCallByID(ctx context.Context, id string) (call.Call, error) {
	return repo.getOne(ctx, repo.db, `id = $1`, id)
}

func (repo *callRepository) GetCallByCallID(ctx context.Context, callID string) (call.Call, error) {
	return repo.getOne(ctx, repo.db, `call_id = $1`, callID)
}

func (repo *callRepository) FilterCalls(ctx context.Context, filter call.QueryFilter) ([]call.Call, error) {
	where := `TRUE`
	args := make([]interface{}, 0, 2)
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + itoa(len(args))
	}

	if filter.Participant != "" {
		where += ` AND ` + arg(filter.Participant) + ` = ANY(participants)`
	}
	if filter.Status != "" {
		where += ` AND status = ` + arg(string(filter.Status))
	}

	var rows []callRow
	err := repo.db.SelectContext(ctx, &rows,
		`SELECT `+callColumns+` FROM calls WHERE `+where+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "finding calls")
	}

	calls := make([]call.Call, 0, len(rows))
	for _, row := range rows {
		calls = append(calls, row.toCall())
	}
	return calls, nil
}

// SetCallStatus locks the record, moves it from exactly `from` to `to` and
// applies refunds, all in one transaction.
func (repo *callRepository) SetCallStatus(ctx context.Context, id string, from, to call.Status, refunds []call.PointsOp) (call.Call, error) {
	var updated call.Call
	err := withTx(ctx, repo.db, func(tx *sqlx.Tx) error {
		cur, err := repo.getOne(ctx, tx, `id = $1 FOR UPDATE`, id)
		if err != nil {
			return err
		}
		if cur.Status != from {
			return call.ErrAlreadyResponded
		}

		now := time.Now().UTC()
		cur.Status = to
		cur.UpdatedAt = now
		switch to {
		case call.StatusAccepted:
			cur.StartTime = now
		case call.StatusCompleted:
			cur.EndTime = now
			cur.CalculateDuration()
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE calls SET status = $2, start_time = $3, end_time = $4,
				duration = $5, updated_at = $6
			WHERE id = $1`,
			cur.ID, string(cur.Status), nullTime(cur.StartTime), nullTime(cur.EndTime),
			cur.Duration, cur.UpdatedAt,
		)
		if err != nil {
			return errors.Wrap(err, "updating call")
		}

		for _, op := range refunds {
			col := pointsColumn(op.Kind)
			_, err = tx.ExecContext(ctx, `
				UPDATE users SET `+col+` = `+col+` + $1 WHERE id = $2`,
				op.Amount, op.UserID,
			)
			if err != nil {
				return errors.Wrap(err, "refunding points")
			}
		}

		updated = cur
		return nil
	})
	if err != nil {
		return call.Call{}, err
	}
	return updated, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
