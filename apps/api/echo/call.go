package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/darasahq/darasa/core/call"
	"github.com/darasahq/darasa/core/user"
)

type callApi struct {
	usrSvc   user.Service
	svc      call.Service
	validate *validator.Validate
	relay    *relay
}

func registerCallAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	usrSvc user.Service,
	svc call.Service,
	validate *validator.Validate,
	relay *relay,
) {
	api := callApi{
		usrSvc:   usrSvc,
		svc:      svc,
		validate: validate,
		relay:    relay,
	}

	cg := g.Group("/calls", jwt)
	cg.GET("", api.query)
	cg.POST("/one-to-one", api.initiateOneToOne, studentMiddleware())
	cg.POST("/group", api.initiateGroup, studentMiddleware())
	cg.POST("/:callId/respond", api.respond, teacherMiddleware())
	cg.POST("/:callId/complete", api.complete)

	// the signaling socket carries its token in the query string
	g.GET("/calls/ws/:callId", api.relay.serve, middleware.JWTWithConfig(wsJWTConfig))
}

// Handlers

// query lists the caller's own call history; admins may inspect anyone's.
func (api *callApi) query(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	filter := new(call.QueryFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []call.Call{})
	}
	if !claims.IsAdmin || filter.Participant == "" {
		filter.Participant = claims.Subject
	}

	calls, err := api.svc.Filter(ctx.Request().Context(), *filter)
	if err != nil {
		return errors.Wrap(err, "querying calls")
	}
	if calls == nil {
		calls = []call.Call{}
	}
	return ctx.JSON(http.StatusOK, calls)
}

func (api *callApi) initiateOneToOne(ctx echo.Context) error {
	var data call.NewOneToOneCall
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewOneToOneCall")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	ctxUsr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	c, err := api.svc.InitiateOneToOne(ctx.Request().Context(), ctxUsr, data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, c)
}

func (api *callApi) initiateGroup(ctx echo.Context) error {
	var data call.NewGroupCall
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewGroupCall")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	ctxUsr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	c, err := api.svc.InitiateGroup(ctx.Request().Context(), ctxUsr, data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, c)
}

func (api *callApi) respond(ctx echo.Context) error {
	var data call.CallResponse
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to CallResponse")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	ctxUsr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	c, err := api.svc.Respond(ctx.Request().Context(), ctxUsr, ctx.Param("callId"), data.Decision)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, c)
}

func (api *callApi) complete(ctx echo.Context) error {
	ctxUsr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	c, err := api.svc.Complete(ctx.Request().Context(), ctxUsr, ctx.Param("callId"))
	if err != nil {
		return err
	}

	// the room is done once the record is completed
	api.relay.closeRoom(c.CallID)
	return ctx.JSON(http.StatusOK, c)
}
