package dummydb

import (
	"context"
	"sort"
	"time"

	"github.com/darasahq/darasa/core/call"
	"github.com/darasahq/darasa/core/user"
)

type callRepository struct {
	db *DB
}

var _ call.Repository = (*callRepository)(nil) // interface compliance check

func NewCallRepository(db *DB) call.Repository {
	return &callRepository{db: db}
}

// CreateCall checks the pending-uniqueness constraint and every balance under
// the write lock, then applies all debits and the insert together. Errors
// leave the store untouched.
func (repo *callRepository) CreateCall(_ context.Context, c call.Call, debits []call.PointsOp) (call.Call, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	for _, existing := range repo.db.calls {
		if existing.Initiator == c.Initiator && existing.Teacher == c.Teacher && existing.Status == call.StatusPending {
			return call.Call{}, call.ErrDuplicatePending
		}
	}

	// all balances first, then all debits: no partial outcome
	for _, d := range debits {
		usr, ok := repo.db.users[d.UserID]
		if !ok {
			return call.Call{}, user.ErrNotFound
		}
		if usr.Points(d.Kind) < d.Amount {
			return call.Call{}, call.ErrInsufficientBalance
		}
	}
	for _, d := range debits {
		applyPoints(repo.db.users[d.UserID], d.Kind, -d.Amount)
	}

	repo.db.calls[c.ID] = &c
	return c, nil
}

func (repo *callRepository) GetCallByID(_ context.Context, id string) (call.Call, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if c, ok := repo.db.calls[id]; ok {
		return *c, nil
	}
	return call.Call{}, call.ErrNotFound
}

func (repo *callRepository) GetCallByCallID(_ context.Context, callID string) (call.Call, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	for _, c := range repo.db.calls {
		if c.CallID == callID {
			return *c, nil
		}
	}
	return call.Call{}, call.ErrNotFound
}

func (repo *callRepository) FilterCalls(_ context.Context, filter call.QueryFilter) ([]call.Call, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	matched := make([]call.Call, 0)
	for _, c := range repo.db.calls {
		if filter.Participant != "" && !c.IsParticipant(filter.Participant) {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		matched = append(matched, *c)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	return matched, nil
}

func (repo *callRepository) SetCallStatus(_ context.Context, id string, from, to call.Status, refunds []call.PointsOp) (call.Call, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	c, ok := repo.db.calls[id]
	if !ok {
		return call.Call{}, call.ErrNotFound
	}
	if c.Status != from {
		return call.Call{}, call.ErrAlreadyResponded
	}

	// all targets first, then all credits: no partial outcome
	for _, r := range refunds {
		if _, ok := repo.db.users[r.UserID]; !ok {
			return call.Call{}, user.ErrNotFound
		}
	}
	for _, r := range refunds {
		applyPoints(repo.db.users[r.UserID], r.Kind, r.Amount)
	}

	now := time.Now().UTC()
	c.Status = to
	c.UpdatedAt = now
	switch to {
	case call.StatusAccepted:
		c.StartTime = now
	case call.StatusCompleted:
		c.EndTime = now
		c.CalculateDuration()
	}
	return *c, nil
}

func applyPoints(usr *user.User, kind user.PointsKind, delta int) {
	if kind == user.PointsGroup {
		usr.GroupPoints += delta
	} else {
		usr.OneToOnePoints += delta
	}
}
