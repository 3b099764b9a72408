package call

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/darasahq/darasa/core"
	"github.com/darasahq/darasa/core/user"
)

var (
	// errors
	ErrNotFound         = errors.New("call not found")
	ErrTeacherNotFound  = errors.New("teacher not found")
	ErrDuplicatePending = errors.New("a pending call request with this teacher already exists")
	// ErrInsufficientBalance covers the initiator's own balance; participant
	// balance problems surface as ErrInvalidParticipant.
	ErrInsufficientBalance = errors.New("insufficient points balance")
	ErrInvalidParticipant  = errors.New("invalid participant")
	ErrNotTeacher          = errors.New("only the call's teacher may respond")
	ErrNotParticipant      = errors.New("not a participant of this call")
	ErrAlreadyResponded    = errors.New("call has already been responded to")
	ErrNotAccepted         = errors.New("call is not accepted")
)

type (
	// Repository persists call records and owns the atomicity the points
	// economy depends on: every debit/credit lands in the same transaction
	// as the record change it belongs to, or not at all.
	Repository interface {
		// CreateCall inserts the record and applies debits as one atomic
		// unit. It fails with ErrDuplicatePending when a pending record for
		// the same (initiator, teacher) exists, and ErrInsufficientBalance
		// when any debited account would go negative; no partial debits are
		// ever applied.
		CreateCall(ctx context.Context, c Call, debits []PointsOp) (Call, error)

		GetCallByID(ctx context.Context, id string) (Call, error)
		GetCallByCallID(ctx context.Context, callID string) (Call, error)
		FilterCalls(ctx context.Context, filter QueryFilter) ([]Call, error)

		// SetCallStatus transitions the record from exactly `from` to `to`
		// and applies refunds in the same atomic unit. It fails with
		// ErrAlreadyResponded when the record is no longer in `from`.
		// Accepting stamps StartTime; completing stamps EndTime/Duration.
		SetCallStatus(ctx context.Context, id string, from, to Status, refunds []PointsOp) (Call, error)
	}

	Service interface {
		InitiateOneToOne(ctx context.Context, initiator user.User, data NewOneToOneCall) (Call, error)
		InitiateGroup(ctx context.Context, initiator user.User, data NewGroupCall) (Call, error)
		Respond(ctx context.Context, responder user.User, callID string, decision Status) (Call, error)
		Complete(ctx context.Context, responder user.User, callID string) (Call, error)
		GetByCallID(ctx context.Context, callID string) (Call, error)
		Filter(ctx context.Context, filter QueryFilter) ([]Call, error)
	}

	service struct {
		repo    Repository
		usrRepo user.Repository
		mailSvc core.EmailService
		conf    *core.Config
	}
)

var _ Service = (*service)(nil)

func NewService(repo Repository, usrRepo user.Repository, mailSvc core.EmailService, conf *core.Config) Service {
	return &service{
		repo:    repo,
		usrRepo: usrRepo,
		mailSvc: mailSvc,
		conf:    conf,
	}
}

// InitiateOneToOne creates a pending one-to-one record and debits the
// initiator 10 one-to-one points, all-or-nothing.
func (svc *service) InitiateOneToOne(ctx context.Context, initiator user.User, data NewOneToOneCall) (Call, error) {
	teacher, err := svc.getTeacher(ctx, data.TeacherID)
	if err != nil {
		return Call{}, err
	}

	// checked here for a friendly error; the repository re-checks inside the
	// transaction, which is what actually guarantees the invariant
	if initiator.OneToOnePoints < OneToOneCost {
		return Call{}, ErrInsufficientBalance
	}

	now := time.Now().UTC()
	c := Call{
		ID:           uuid.New().String(),
		Type:         TypeOneToOne,
		Initiator:    initiator.ID,
		Teacher:      teacher.ID,
		Participants: []string{initiator.ID, teacher.ID},
		Status:       StatusPending,
		CallID:       uuid.New().String(),
		PointsCost:   OneToOneCost,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	debits := []PointsOp{{UserID: initiator.ID, Kind: user.PointsOneToOne, Amount: OneToOneCost}}

	c, err = svc.repo.CreateCall(ctx, c, debits)
	if err != nil {
		return Call{}, err
	}

	svc.notifyRequested(teacher, initiator, c)
	return c, nil
}

// InitiateGroup creates a pending group record and debits 20 group points
// from the initiator and every invited friend as one atomic unit. Every
// participant check must pass before any debit is attempted.
func (svc *service) InitiateGroup(ctx context.Context, initiator user.User, data NewGroupCall) (Call, error) {
	teacher, err := svc.getTeacher(ctx, data.TeacherID)
	if err != nil {
		return Call{}, err
	}

	if len(data.ParticipantIDs) > MaxInvitedFriends {
		return Call{}, ErrInvalidParticipant
	}
	seen := make(map[string]bool, len(data.ParticipantIDs))
	for _, id := range data.ParticipantIDs {
		if id == initiator.ID || id == teacher.ID || seen[id] {
			return Call{}, ErrInvalidParticipant
		}
		seen[id] = true
	}

	if initiator.GroupPoints < GroupCost {
		return Call{}, ErrInsufficientBalance
	}

	if err = svc.checkFriends(ctx, initiator, data.ParticipantIDs); err != nil {
		return Call{}, err
	}

	now := time.Now().UTC()
	participants := append([]string{initiator.ID, teacher.ID}, data.ParticipantIDs...)
	c := Call{
		ID:           uuid.New().String(),
		Type:         TypeGroup,
		Initiator:    initiator.ID,
		Teacher:      teacher.ID,
		Participants: participants,
		Status:       StatusPending,
		CallID:       uuid.New().String(),
		PointsCost:   GroupCost,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	debits := make([]PointsOp, 0, 1+len(data.ParticipantIDs))
	debits = append(debits, PointsOp{UserID: initiator.ID, Kind: user.PointsGroup, Amount: GroupCost})
	for _, id := range data.ParticipantIDs {
		debits = append(debits, PointsOp{UserID: id, Kind: user.PointsGroup, Amount: GroupCost})
	}

	c, err = svc.repo.CreateCall(ctx, c, debits)
	if err != nil {
		return Call{}, err
	}

	svc.notifyRequested(teacher, initiator, c)
	return c, nil
}

// Respond applies the teacher's decision to a pending call. Accepting keeps
// all debits; rejecting refunds every debited student exactly what they paid.
func (svc *service) Respond(ctx context.Context, responder user.User, callID string, decision Status) (Call, error) {
	if decision != StatusAccepted && decision != StatusRejected {
		return Call{}, core.NewValidationError(nil, core.FieldError{
			Field: "decision", Error: "must be one of: accepted, rejected",
		})
	}

	c, err := svc.repo.GetCallByCallID(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if !c.IsParticipant(responder.ID) || responder.ID != c.Teacher {
		return Call{}, ErrNotTeacher
	}
	if !c.Status.CanTransition(decision) {
		return Call{}, ErrAlreadyResponded
	}

	var refunds []PointsOp
	if decision == StatusRejected {
		kind := c.PointsKind()
		for _, id := range c.DebitedUsers() {
			refunds = append(refunds, PointsOp{UserID: id, Kind: kind, Amount: c.PointsCost})
		}
	}

	c, err = svc.repo.SetCallStatus(ctx, c.ID, StatusPending, decision, refunds)
	if err != nil {
		return Call{}, err
	}

	svc.notifyResponded(ctx, responder, c, decision)
	return c, nil
}

// Complete marks an accepted call as finished and stamps its duration.
func (svc *service) Complete(ctx context.Context, responder user.User, callID string) (Call, error) {
	c, err := svc.repo.GetCallByCallID(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if !c.IsParticipant(responder.ID) {
		return Call{}, ErrNotParticipant
	}
	if !c.Status.CanTransition(StatusCompleted) {
		return Call{}, ErrNotAccepted
	}
	return svc.repo.SetCallStatus(ctx, c.ID, StatusAccepted, StatusCompleted, nil)
}

func (svc *service) GetByCallID(ctx context.Context, callID string) (Call, error) {
	return svc.repo.GetCallByCallID(ctx, callID)
}

func (svc *service) Filter(ctx context.Context, filter QueryFilter) ([]Call, error) {
	return svc.repo.FilterCalls(ctx, filter)
}

func (svc *service) getTeacher(ctx context.Context, id string) (user.User, error) {
	teacher, err := svc.usrRepo.GetUserByID(ctx, id)
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			return user.User{}, ErrTeacherNotFound
		}
		return user.User{}, errors.Wrap(err, "finding teacher")
	}
	if !teacher.IsTeacher() {
		return user.User{}, ErrTeacherNotFound
	}
	return teacher, nil
}

// checkFriends validates every invited participant: must exist, be a
// student, be a symmetric friend of the initiator, and hold enough group
// points. Any single failure fails the whole initiation.
func (svc *service) checkFriends(ctx context.Context, initiator user.User, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	friends, err := svc.usrRepo.GetUsersByID(ctx, ids)
	if err != nil {
		return errors.Wrap(err, "finding participants")
	}
	if len(friends) != len(ids) {
		return ErrInvalidParticipant
	}

	for _, f := range friends {
		if !f.IsStudent() {
			return ErrInvalidParticipant
		}
		// friendship must hold on both sides
		if !initiator.HasFriend(f.ID) || !f.HasFriend(initiator.ID) {
			return ErrInvalidParticipant
		}
		if f.GroupPoints < GroupCost {
			return ErrInvalidParticipant
		}
	}
	return nil
}

func (svc *service) notifyRequested(teacher, initiator user.User, c Call) {
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: teacher.Name, Address: teacher.Email}},
		Subject:      "New Call Request",
		TemplateName: "call-requested",
		TemplateData: struct {
			TeacherName, InitiatorName, CallType string
		}{teacher.Name, initiator.Name, string(c.Type)},
	})
}

func (svc *service) notifyResponded(ctx context.Context, teacher user.User, c Call, decision Status) {
	recipients, err := svc.usrRepo.GetUsersByID(ctx, c.DebitedUsers())
	if err != nil {
		return // notification only; the response itself already succeeded
	}

	msgs := make([]*core.EmailMessage, 0, len(recipients))
	for _, r := range recipients {
		msgs = append(msgs, &core.EmailMessage{
			To:           []mail.Address{{Name: r.Name, Address: r.Email}},
			Subject:      "Call Request " + strings.Title(string(decision)),
			TemplateName: "call-responded",
			TemplateData: struct {
				Name, TeacherName, CallType, Decision string
				Refunded                              bool
			}{r.Name, teacher.Name, string(c.Type), string(decision), decision == StatusRejected},
		})
	}
	svc.mailSvc.SendMessages(msgs...)
}
