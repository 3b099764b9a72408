package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/darasahq/darasa/core/user"
)

type friendApi struct {
	svc user.Service
}

// Friendships are student-to-student and symmetric: adding or removing one
// updates both sides.
func registerFriendAPI(g *echo.Group, jwt echo.MiddlewareFunc, svc user.Service) {
	api := friendApi{svc: svc}

	fg := g.Group("/friends", jwt, studentMiddleware())
	fg.GET("", api.list)
	fg.POST("/:id", api.add)
	fg.DELETE("/:id", api.remove)
}

func (api *friendApi) list(ctx echo.Context) error {
	ctxUsr, err := getContextUser(ctx, api.svc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	friends, err := api.svc.Friends(ctx.Request().Context(), ctxUsr)
	if err != nil {
		return errors.Wrap(err, "listing friends")
	}
	return ctx.JSON(http.StatusOK, friends)
}

func (api *friendApi) add(ctx echo.Context) error {
	ctxUsr, err := getContextUser(ctx, api.svc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	if err := api.svc.AddFriend(ctx.Request().Context(), ctxUsr, ctx.Param("id")); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *friendApi) remove(ctx echo.Context) error {
	ctxUsr, err := getContextUser(ctx, api.svc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	if err := api.svc.RemoveFriend(ctx.Request().Context(), ctxUsr, ctx.Param("id")); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}
