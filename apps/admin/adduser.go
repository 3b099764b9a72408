package main

import (
	"context"
	"time"

	"github.com/darasahq/darasa/core"
	"github.com/darasahq/darasa/core/user"
)

// addUser updates or creates a user.User
func (cli *commandLine) addUser(uname, email, pwd string, isTeacher, isAdmin bool) error {
	ctx := context.Background()
	uname = core.CleanString(uname, true /* lower */)
	email = core.CleanString(email, true /* lower */)

	roles := []string{user.RoleStudent}
	if isTeacher {
		roles = []string{user.RoleTeacher}
	}
	if isAdmin {
		roles = user.AllRoles
	}

	now := time.Now().UTC()
	active := true

	usr, err := cli.usrRepo.GetUserByUsernameOrEmail(ctx, uname)
	if err != nil {
		if err != user.ErrNotFound {
			return err
		}
		usr = user.User{
			Username:       uname,
			Email:          email,
			IsActive:       &active,
			Roles:          roles,
			OneToOnePoints: user.DefaultPoints,
			GroupPoints:    user.DefaultPoints,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := usr.SetPassword(pwd); err != nil {
			return err
		}
		_, err = cli.usrRepo.CreateUser(ctx, usr)
		return err
	}

	usr.Roles = roles
	usr.UpdatedAt = now
	if err := usr.SetPassword(pwd); err != nil {
		return err
	}
	_, err = cli.usrRepo.UpdateUser(ctx, usr, &active)
	return err
}
