package main

import (
	"bytes"
	"context"
	"reflect"
	"testing"

	"github.com/darasahq/darasa/core/user"
	dummydb "github.com/darasahq/darasa/storage/database/dummy"
	testutil "github.com/darasahq/darasa/tests"
)

var usrRepo user.Repository

func setup(t *testing.T) *commandLine {
	// set up DB & repos
	db := dummydb.Open()
	usrRepo = dummydb.NewUserRepository(db)

	// start CLI
	return &commandLine{
		usrRepo: usrRepo,
	}
}

type cliTest struct {
	name    string
	args    []string // without program name
	wantErr error
	extra   interface{}
}

func Test_commandLine_addUser(t *testing.T) {
	cli := setup(t)

	type extra struct {
		pwd   string
		roles []string
	}
	tests := []cliTest{
		{name: "no command", wantErr: errHelp},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp},
		{name: "no args", args: []string{"adduser"}, wantErr: errHelp},
		{name: "username but no email", args: []string{"adduser", "-username", "hero"}, wantErr: errHelp},
		{
			name: "email but no password", args: []string{"adduser", "-username", "hero", "-email", "hero@test.cd"},
			wantErr: errHelp,
		},
		{
			name: "create student", args: []string{"adduser", "-username", "hero", "-email", "hero@test.cd"},
			extra: extra{pwd: "mdr", roles: []string{user.RoleStudent}},
		},
		{
			name: "create teacher", args: []string{"adduser", "-username", "mwalimu", "-email", "mwalimu@test.cd", "-teacher"},
			extra: extra{pwd: "mdr", roles: []string{user.RoleTeacher}},
		},
		{
			name: "create admin", args: []string{"adduser", "-username", "root", "-email", "root@test.cd", "-admin"},
			extra: extra{pwd: "mdr", roles: user.AllRoles},
		},
		{
			// re-running on an existing username updates roles and password
			name: "promote existing user", args: []string{"adduser", "-username", "hero", "-email", "hero@test.cd", "-teacher"},
			extra: extra{pwd: "lmao", roles: []string{user.RoleTeacher}},
		},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		readPasswordFunc = func(fd int) ([]byte, error) {
			if extra, ok := tt.extra.(extra); ok {
				return []byte(extra.pwd), nil
			}
			return nil, nil
		}

		t.Run(tt.name, func(t *testing.T) {
			err := cli.run(args)
			if err != nil {
				if err != tt.wantErr {
					t.Errorf("cli.run() error = %v, wantErr %v", err, tt.wantErr)
				}
				return
			}

			extra, ok := tt.extra.(extra)
			if !ok {
				t.Fatal("cli.run() expected an error")
			}
			usr, err := usrRepo.GetUserByUsername(context.Background(), tt.args[2])
			if err != nil {
				t.Fatalf("GetUserByUsername() failed: %v", err)
			}
			if !reflect.DeepEqual(usr.Roles, extra.roles) {
				t.Errorf("Roles = %v, want %v", usr.Roles, extra.roles)
			}
			if usr.CheckPassword(extra.pwd) != nil {
				t.Error("failed to set password")
			}
			if usr.OneToOnePoints != user.DefaultPoints || usr.GroupPoints != user.DefaultPoints {
				t.Errorf("points = %d/%d, want %d each", usr.OneToOnePoints, usr.GroupPoints, user.DefaultPoints)
			}
		})
	}
}

func Test_commandLine_resetPassword(t *testing.T) {
	cli := setup(t)

	usr := testutil.CreateUser(t, usrRepo, "User", "awe", "awe@test.cd", "mdr", nil, true)

	type extra struct {
		pwd string
	}
	tests := []cliTest{
		{name: "no args", args: []string{"resetpassword"}, wantErr: errHelp},
		{name: "username but no password", args: []string{"resetpassword", "-username", "lol"}, wantErr: errHelp},
		{name: "user not found", args: []string{"resetpassword", "-username", "lol"}, extra: extra{pwd: "lol"}, wantErr: user.ErrNotFound},
		{name: "reset with username", args: []string{"resetpassword", "-username", usr.Username}, extra: extra{pwd: "lol"}},
		{name: "reset with email", args: []string{"resetpassword", "-username", usr.Email}, extra: extra{pwd: "lmao"}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		readPasswordFunc = func(fd int) ([]byte, error) {
			if extra, ok := tt.extra.(extra); ok {
				return []byte(extra.pwd), nil
			}
			return nil, nil
		}

		t.Run(tt.name, func(t *testing.T) {
			err := cli.run(args)
			if err == nil {
				refreshedUsr, err := usrRepo.GetUserByID(context.Background(), usr.ID)
				if err != nil {
					t.Fatalf("GetUserByID() failed: %v", err)
				}
				if bytes.Equal(refreshedUsr.PasswordHash, usr.PasswordHash) {
					t.Error("failed to update new password")
				}
			} else if err != tt.wantErr {
				t.Errorf("cli.run() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func Test_commandLine_grantPoints(t *testing.T) {
	cli := setup(t)

	usr := testutil.CreateUser(t, usrRepo, "User", "awe", "awe@test.cd", "mdr", nil, true)

	tests := []cliTest{
		{name: "no args", args: []string{"grantpoints"}, wantErr: errHelp},
		{name: "no amount", args: []string{"grantpoints", "-username", usr.Username}, wantErr: errHelp},
		{
			name: "unknown kind", args: []string{"grantpoints", "-username", usr.Username, "-kind", "lol", "-amount", "10"},
			wantErr: errHelp,
		},
		{name: "user not found", args: []string{"grantpoints", "-username", "lol", "-amount", "10"}, wantErr: user.ErrNotFound},
		{
			name: "credit one-to-one points", args: []string{"grantpoints", "-username", usr.Username, "-amount", "50"},
			extra: user.DefaultPoints + 50,
		},
		{
			name: "credit group points", args: []string{"grantpoints", "-username", usr.Username, "-kind", "group", "-amount", "25"},
			extra: user.DefaultPoints + 25,
		},
		{
			// balances never go negative
			name: "overdraw", args: []string{"grantpoints", "-username", usr.Username, "-amount", "-500"},
			wantErr: user.ErrInsufficientPoints,
		},
		{
			name: "debit to the floor", args: []string{"grantpoints", "-username", usr.Username, "-amount", "-150"},
			extra: 0,
		},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			err := cli.run(args)
			if err != nil {
				if err != tt.wantErr {
					t.Errorf("cli.run() error = %v, wantErr %v", err, tt.wantErr)
				}
				return
			}

			want, ok := tt.extra.(int)
			if !ok {
				t.Fatal("cli.run() expected an error")
			}
			kind := user.PointsOneToOne
			for i, arg := range tt.args {
				if arg == "-kind" {
					kind = user.PointsKind(tt.args[i+1])
				}
			}
			refreshedUsr, err := usrRepo.GetUserByID(context.Background(), usr.ID)
			if err != nil {
				t.Fatalf("GetUserByID() failed: %v", err)
			}
			if got := refreshedUsr.Points(kind); got != want {
				t.Errorf("%s balance = %d, want %d", kind, got, want)
			}
		})
	}
}
