package call

import (
	"testing"
	"time"

	"github.com/darasahq/darasa/core/user"
)

func TestStatus_CanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{name: "pending to accepted", from: StatusPending, to: StatusAccepted, want: true},
		{name: "pending to rejected", from: StatusPending, to: StatusRejected, want: true},
		{name: "pending to completed", from: StatusPending, to: StatusCompleted},
		{name: "pending to pending", from: StatusPending, to: StatusPending},
		{name: "accepted to completed", from: StatusAccepted, to: StatusCompleted, want: true},
		{name: "accepted to rejected", from: StatusAccepted, to: StatusRejected},
		{name: "accepted to accepted", from: StatusAccepted, to: StatusAccepted},
		{name: "rejected is terminal", from: StatusRejected, to: StatusAccepted},
		{name: "completed is terminal", from: StatusCompleted, to: StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCall_DebitedUsers(t *testing.T) {
	oneToOne := Call{
		Type:         TypeOneToOne,
		Initiator:    "stud1",
		Teacher:      "teach",
		Participants: []string{"stud1", "teach"},
	}
	if got := oneToOne.DebitedUsers(); len(got) != 1 || got[0] != "stud1" {
		t.Errorf("DebitedUsers() = %v, want [stud1]", got)
	}

	group := Call{
		Type:         TypeGroup,
		Initiator:    "stud1",
		Teacher:      "teach",
		Participants: []string{"stud1", "teach", "stud2", "stud3"},
	}
	want := []string{"stud1", "stud2", "stud3"}
	got := group.DebitedUsers()
	if len(got) != len(want) {
		t.Fatalf("DebitedUsers() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("DebitedUsers()[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if friends := group.InvitedFriends(); len(friends) != 2 {
		t.Errorf("InvitedFriends() = %v, want 2 friends", friends)
	}
}

func TestCall_PointsKind(t *testing.T) {
	c := Call{Type: TypeOneToOne}
	if got := c.PointsKind(); got != user.PointsOneToOne {
		t.Errorf("PointsKind() = %v, want %v", got, user.PointsOneToOne)
	}
	c.Type = TypeGroup
	if got := c.PointsKind(); got != user.PointsGroup {
		t.Errorf("PointsKind() = %v, want %v", got, user.PointsGroup)
	}
}

func TestCall_CalculateDuration(t *testing.T) {
	start := time.Date(2021, 3, 14, 15, 0, 0, 0, time.UTC)

	c := Call{StartTime: start, EndTime: start.Add(42*time.Minute + 10*time.Second)}
	c.CalculateDuration()
	if c.Duration != 42 {
		t.Errorf("Duration = %d, want 42", c.Duration)
	}

	// missing timestamps leave Duration untouched
	c = Call{StartTime: start}
	c.CalculateDuration()
	if c.Duration != 0 {
		t.Errorf("Duration = %d, want 0", c.Duration)
	}
}
