package echoapi

import (
	"io"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/konfihub/konfichat/core/chat"
	"github.com/konfihub/konfichat/services/events"
)

type chatApi struct {
	svc      *chat.Service
	resolver *chat.Resolver
	hub      *events.Hub
	upgrader websocket.Upgrader
}

func registerChatAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps *ServerDeps) {
	api := &chatApi{
		svc:      deps.ChatSvc,
		resolver: deps.Resolver,
		hub:      deps.Hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	admin := adminMiddleware()

	cg := g.Group("/chat")
	cg.GET("/rooms", api.roomListQuery, jwt)
	cg.POST("/rooms", api.roomCreate, jwt)
	cg.GET("/rooms/:id/messages", api.messageListQuery, jwt)
	cg.POST("/rooms/:id/messages", api.messageCreate, jwt)
	cg.DELETE("/messages/:id", api.messageDelete, jwt, admin)
	cg.POST("/rooms/:id/polls", api.pollCreate, jwt, admin)
	cg.POST("/polls/:id/vote", api.pollVote, jwt)
	cg.PUT("/rooms/:id/read", api.markRead, jwt)
	cg.GET("/unread-counts", api.unreadCounts, jwt)
	cg.GET("/files/:path", api.fileFetch) // token via query param
	cg.GET("/events", api.events)         // idem
}

func (api *chatApi) roomListQuery(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}

	var rooms []chat.Room
	if term := ctx.QueryParam("search"); term != "" {
		rooms, err = api.svc.SearchRooms(ctx.Request().Context(), actor, term)
	} else {
		rooms, err = api.svc.ListRooms(ctx.Request().Context(), actor)
	}
	if err != nil {
		return errors.Wrap(err, "listing rooms")
	}
	if rooms == nil {
		rooms = []chat.Room{}
	}
	return ctx.JSON(http.StatusOK, rooms)
}

func (api *chatApi) roomCreate(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}

	var data chat.NewRoom
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding NewRoom")
	}
	room, err := api.svc.CreateRoom(ctx.Request().Context(), actor, data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, room)
}

func (api *chatApi) messageListQuery(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}

	var page Pagination
	page.Bind(ctx)
	msgs, err := api.svc.LoadPage(ctx.Request().Context(), actor, ctx.Param("id"), page.Offset, page.Limit)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return ctx.JSON(http.StatusOK, msgs)
}

// messageCreate accepts multipart form data: a "content" text field and an
// optional "file" part. At least one of the two must be present.
func (api *chatApi) messageCreate(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}

	data := chat.NewMessage{Content: ctx.FormValue("content")}

	var content io.Reader
	if fh, err := ctx.FormFile("file"); err == nil {
		ref, err := api.resolver.Prepare(chat.Draft{
			FileName:    fh.Filename,
			Size:        fh.Size,
			ContentType: fh.Header.Get(echo.HeaderContentType),
		})
		if err != nil {
			return err
		}
		src, err := fh.Open()
		if err != nil {
			return errors.Wrap(err, "opening upload")
		}
		defer src.Close()
		data.Attachment = &ref
		content = src
	}

	msg, err := api.svc.SendMessage(ctx.Request().Context(), actor, ctx.Param("id"), data, content)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, msg)
}

func (api *chatApi) messageDelete(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}
	if err = api.svc.DeleteMessage(ctx.Request().Context(), actor, ctx.Param("id")); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *chatApi) pollCreate(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}

	var data chat.NewPoll
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding NewPoll")
	}
	msg, err := api.svc.CreatePoll(ctx.Request().Context(), actor, ctx.Param("id"), data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, msg)
}

type voteRequest struct {
	OptionIndex int `json:"option_index"`
}

type voteResponse struct {
	Message chat.Message   `json:"message"`
	Results chat.Aggregate `json:"results"`
}

func (api *chatApi) pollVote(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}

	var data voteRequest
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding vote")
	}
	msg, agg, err := api.svc.Vote(ctx.Request().Context(), actor, ctx.Param("id"), data.OptionIndex)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, voteResponse{Message: msg, Results: agg})
}

func (api *chatApi) markRead(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}
	if err = api.svc.MarkRead(ctx.Request().Context(), actor, ctx.Param("id")); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *chatApi) unreadCounts(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}
	counts, err := api.svc.UnreadCounts(ctx.Request().Context(), actor)
	if err != nil {
		return errors.Wrap(err, "counting unread")
	}
	if counts == nil {
		counts = map[string]int{}
	}
	return ctx.JSON(http.StatusOK, counts)
}

// fileFetch streams stored attachment bytes. Download links are opened outside
// the app (browser, media viewer), so authentication rides on a token query
// parameter instead of the Authorization header.
func (api *chatApi) fileFetch(ctx echo.Context) error {
	if _, err := parseToken(ctx.QueryParam("token")); err != nil {
		return err
	}

	file, err := api.svc.OpenFile(ctx.Request().Context(), ctx.Param("path"))
	if err != nil {
		return errHttpNotFound
	}
	defer file.Close()
	return ctx.Stream(http.StatusOK, echo.MIMEOctetStream, file)
}

// events upgrades to a websocket delivering room events (new messages) to the
// connected actor.
func (api *chatApi) events(ctx echo.Context) error {
	claims, err := parseToken(ctx.QueryParam("token"))
	if err != nil {
		return err
	}

	conn, err := api.upgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
	if err != nil {
		return errors.Wrap(err, "upgrading connection")
	}
	api.hub.Subscribe(conn, claims.Actor())
	return nil
}
