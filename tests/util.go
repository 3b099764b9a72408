package testutil

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/darasahq/darasa/core"
	"github.com/darasahq/darasa/core/user"
)

// NewTestConfig returns a config suitable for tests. core.Conf is set as a
// side effect; email templates read it at render time.
func NewTestConfig() *core.Config {
	conf := &core.Config{
		Debug:           false, // keep error responses in their prod shape
		TestMode:        true,
		Env:             "test",
		AppName:         "Darasa",
		SecretKey:       "poq5-wer)$vb+u=ty$ma9m9&yd#@k-s&v8#)^)p(c2j0b@ep%-",
		FrontendBaseURL: "https://darasa.test",
	}
	conf.Server.JWTExpirationDelta = 10 * time.Minute
	conf.Server.JWTRefreshExpirationDelta = 4 * time.Hour
	conf.Database.Timeout = 5 * time.Second
	core.Conf = conf
	return conf
}

func CreateUser(
	t *testing.T,
	repo user.Repository,
	name, uname, email, pwd string,
	roles []string,
	isActive bool,
	createdAt ...time.Time,
) user.User {
	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	usr := user.User{
		Name:           name,
		Username:       uname,
		Email:          email,
		Roles:          roles,
		IsActive:       &isActive,
		OneToOnePoints: user.DefaultPoints,
		GroupPoints:    user.DefaultPoints,
		CreatedAt:      tstamp,
		UpdatedAt:      tstamp,
	}
	if pwd != "" {
		if err := usr.SetPassword(pwd); err != nil {
			t.Fatalf("CreateUser() failed: %v", err)
		}
	}
	usr, err := repo.CreateUser(context.Background(), usr)
	if err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	return usr
}

// SetPoints pins one of usr's balances to an exact value.
func SetPoints(t *testing.T, repo user.Repository, usr user.User, kind user.PointsKind, points int) user.User {
	updated, err := repo.AdjustPoints(context.Background(), usr.ID, kind, points-usr.Points(kind))
	if err != nil {
		t.Fatalf("SetPoints() failed: %v", err)
	}
	return updated
}

// Befriend links two students symmetrically.
func Befriend(t *testing.T, repo user.Repository, a, b user.User) {
	if err := repo.AddFriend(context.Background(), a.ID, b.ID); err != nil {
		t.Fatalf("Befriend() failed: %v", err)
	}
}

// NewTestLogger logs to stdout; Fatal still kills the process, which is what
// we want for broken test setup.
func NewTestLogger() core.Logger {
	return &testLogger{std: log.New(os.Stdout, "TEST : ", log.LstdFlags)}
}

type testLogger struct {
	std *log.Logger
}

var _ core.Logger = (*testLogger)(nil)

func (l *testLogger) print(msg string, args []interface{}) {
	l.std.Println(msg)
	for _, arg := range args {
		l.std.Printf("%+v\n", arg)
	}
}

func (l *testLogger) Debug(msg string, args ...interface{}) { l.print(msg, args) }
func (l *testLogger) Info(msg string, args ...interface{})  { l.print(msg, args) }
func (l *testLogger) Warn(msg string, args ...interface{})  { l.print(msg, args) }
func (l *testLogger) Error(msg string, args ...interface{}) { l.print(msg, args) }
func (l *testLogger) Fatal(msg string, args ...interface{}) {
	l.print(msg, args)
	l.std.Fatal(msg)
}
