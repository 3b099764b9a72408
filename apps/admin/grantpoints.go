package main

import (
	"context"
	"fmt"

	"github.com/darasahq/darasa/core"
	"github.com/darasahq/darasa/core/user"
)

// grantPoints credits a user's call-point balance. Support tool for topping
// up students beyond the default allowance.
func (cli *commandLine) grantPoints(uname string, kind user.PointsKind, amount int) error {
	ctx := context.Background()
	usr, err := cli.usrRepo.GetUserByUsernameOrEmail(ctx, core.CleanString(uname, true /* lower */))
	if err != nil {
		return err
	}

	usr, err = cli.usrRepo.AdjustPoints(ctx, usr.ID, kind, amount)
	if err != nil {
		return err
	}
	fmt.Printf("%s now holds %d %s points\n", usr.Username, usr.Points(kind), kind)
	return nil
}
