package call

import (
	"math"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/darasahq/darasa/core"
	"github.com/darasahq/darasa/core/user"
)

// Type discriminates the two kinds of calls.
type Type string

const (
	TypeOneToOne Type = "one-to-one"
	TypeGroup    Type = "group"
)

// Status is the lifecycle state of a Call.
//
// pending ──> accepted ──> completed
//    └──────> rejected
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusCompleted:
		return true
	}
	return false
}

// CanTransition reports whether s may move to the given status. All illegal
// moves, including repeats, are rejected here rather than at call sites.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusAccepted || to == StatusRejected
	case StatusAccepted:
		return to == StatusCompleted
	}
	return false
}

// Call costs, in points per debited student. Fixed at creation and never
// recalculated.
const (
	OneToOneCost = 10
	GroupCost    = 20

	// MaxInvitedFriends bounds the number of extra students in a group call.
	MaxInvitedFriends = 4
)

// Call is a persisted record of a call request. Records are kept forever as
// history; only Status (and the time fields it implies) ever changes.
type Call struct {
	ID string `json:"id"`

	Type Type `json:"type"`

	// Initiator is always a student; Teacher is carried explicitly so the
	// store can enforce one pending request per (initiator, teacher).
	Initiator string `json:"initiator"`
	Teacher   string `json:"teacher"`

	// Participants is ordered: initiator, teacher, then invited friends.
	Participants []string `json:"participants"`

	Status Status `json:"status"`

	// CallID is the opaque token the signaling relay groups connections by.
	// Distinct from ID on purpose: record IDs leak ordering and existence.
	CallID string `json:"call_id"`

	PointsCost int `json:"points_cost"`

	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
	Duration  int       `json:"duration,omitempty"` // minutes

	CreatedAt time.Time `json:"created_at"` // UTC
	UpdatedAt time.Time `json:"updated_at"` // UTC
}

func (c *Call) IsParticipant(id string) bool {
	for _, p := range c.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// InvitedFriends returns the participants other than initiator and teacher.
func (c *Call) InvitedFriends() []string {
	friends := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != c.Initiator && p != c.Teacher {
			friends = append(friends, p)
		}
	}
	return friends
}

// DebitedUsers returns every account the call's cost was debited from:
// the initiator and, for group calls, each invited friend. Teachers are
// never debited.
func (c *Call) DebitedUsers() []string {
	return append([]string{c.Initiator}, c.InvitedFriends()...)
}

// PointsKind maps the call type to the balance it draws from.
func (c *Call) PointsKind() user.PointsKind {
	if c.Type == TypeGroup {
		return user.PointsGroup
	}
	return user.PointsOneToOne
}

// CalculateDuration sets Duration (whole minutes) from Start/EndTime.
func (c *Call) CalculateDuration() {
	if !c.StartTime.IsZero() && !c.EndTime.IsZero() {
		c.Duration = int(math.Round(c.EndTime.Sub(c.StartTime).Minutes()))
	}
}

// PointsOp is a single debit or credit applied to one user's balance as part
// of a call-record transaction.
type PointsOp struct {
	UserID string
	Kind   user.PointsKind
	Amount int
}

// NewOneToOneCall is the request payload to initiate a one-to-one call.
type NewOneToOneCall struct {
	TeacherID string `json:"teacher_id" validate:"required"`
}

func (n *NewOneToOneCall) Validate(validate *validator.Validate) error {
	n.TeacherID = core.CleanString(n.TeacherID)
	return validate.Struct(n)
}

// NewGroupCall is the request payload to initiate a group call.
type NewGroupCall struct {
	TeacherID      string   `json:"teacher_id" validate:"required"`
	ParticipantIDs []string `json:"participant_ids" validate:"omitempty,max=4,unique"`
}

func (n *NewGroupCall) Validate(validate *validator.Validate) error {
	n.TeacherID = core.CleanString(n.TeacherID)
	for i, id := range n.ParticipantIDs {
		n.ParticipantIDs[i] = core.CleanString(id)
	}
	return validate.Struct(n)
}

// CallResponse is the request payload for a teacher's decision.
type CallResponse struct {
	Decision Status `json:"decision" validate:"required"`
}

func (r *CallResponse) Validate(validate *validator.Validate) error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	if r.Decision != StatusAccepted && r.Decision != StatusRejected {
		return core.NewValidationError(nil, core.FieldError{
			Field: "decision", Error: "must be one of: accepted, rejected",
		})
	}
	return nil
}

// QueryFilter narrows FilterCalls results.
type QueryFilter struct {
	Participant string `query:"participant"`
	Status      Status `query:"status"`
}

func (qf *QueryFilter) IsEmpty() bool {
	return qf.Participant == "" && qf.Status == ""
}
