package rooms

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/beatarena/livesession/internal/auth"
)

// Notifier is told about directory changes that connected peers must see.
type Notifier interface {
	RoomUpdated(r Room)
	RoomDeleted(r Room)
}

type APIConfig struct {
	Store    Store
	Notifier Notifier
	Logger   *slog.Logger
	// Authenticate guards mutating routes and must store an auth.Identity.
	Authenticate gin.HandlerFunc
	// TokenIssuer, when set, enables POST /api/auth/token for local testing.
	TokenIssuer *auth.JWT
}

type API struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
}

type createRoomRequest struct {
	Title       string `json:"title" binding:"max=120"`
	Type        Type   `json:"type"`
	MaxPeers    int    `json:"maxPeers" binding:"omitempty,min=2,max=16"`
	TotalRounds int    `json:"totalRounds" binding:"min=0,max=99"`
}

type setStatusRequest struct {
	Status Status `json:"status" binding:"required"`
}

type tokenRequest struct {
	UserID string `json:"userId" binding:"required"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

type roomView struct {
	Room
	PeerCount int `json:"peerCount"`
}

// Register mounts the room routes on r under /api.
func Register(r gin.IRouter, cfg APIConfig) *API {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &API{store: cfg.Store, notifier: cfg.Notifier, logger: logger}

	api := r.Group("/api")
	api.POST("/rooms", cfg.Authenticate, a.createRoom)
	api.GET("/rooms/:id", a.getRoom)
	api.PATCH("/rooms/:id/status", cfg.Authenticate, a.setStatus)
	api.DELETE("/rooms/:id", cfg.Authenticate, a.deleteRoom)
	if cfg.TokenIssuer != nil {
		api.POST("/auth/token", issueToken(cfg.TokenIssuer))
	}
	return a
}

// NewHandler returns a gin engine serving only the room API. It is mounted
// under /api/ on the relay's mux.
func NewHandler(cfg APIConfig) http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.HandleMethodNotAllowed = true
	Register(engine, cfg)
	return engine
}

func (a *API) createRoom(c *gin.Context) {
	id, ok := auth.IdentityFrom(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	room, err := a.store.Create(c.Request.Context(), Room{
		Title:       req.Title,
		Type:        req.Type,
		MaxPeers:    req.MaxPeers,
		TotalRounds: req.TotalRounds,
		CreatorID:   id.UserID,
	})
	if err != nil {
		a.storeError(c, "create room", err)
		return
	}
	a.logger.Info("room created", "room_id", room.ID, "code", room.Code, "creator", room.CreatorID, "type", room.Type)
	c.JSON(http.StatusCreated, room)
}

func (a *API) getRoom(c *gin.Context) {
	room, err := a.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.storeError(c, "get room", err)
		return
	}
	count, err := a.store.PeerCount(c.Request.Context(), room.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		a.storeError(c, "get room", err)
		return
	}
	c.JSON(http.StatusOK, roomView{Room: room, PeerCount: count})
}

func (a *API) setStatus(c *gin.Context) {
	room, ok := a.ownedRoom(c)
	if !ok {
		return
	}
	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	updated, err := a.store.SetStatus(c.Request.Context(), room.ID, req.Status)
	if err != nil {
		a.storeError(c, "set room status", err)
		return
	}
	a.logger.Info("room status changed", "room_id", updated.ID, "from", room.Status, "to", updated.Status)
	if a.notifier != nil {
		a.notifier.RoomUpdated(updated)
	}
	c.JSON(http.StatusOK, updated)
}

func (a *API) deleteRoom(c *gin.Context) {
	room, ok := a.ownedRoom(c)
	if !ok {
		return
	}
	if err := a.store.Delete(c.Request.Context(), room.ID); err != nil {
		a.storeError(c, "delete room", err)
		return
	}
	a.logger.Info("room deleted", "room_id", room.ID)
	if a.notifier != nil {
		a.notifier.RoomDeleted(room)
	}
	c.Status(http.StatusNoContent)
}

// ownedRoom loads :id and checks that the caller created it.
func (a *API) ownedRoom(c *gin.Context) (Room, bool) {
	id, ok := auth.IdentityFrom(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "unauthorized", "missing identity")
		return Room{}, false
	}
	room, err := a.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.storeError(c, "load room", err)
		return Room{}, false
	}
	if room.CreatorID != id.UserID {
		writeError(c, http.StatusForbidden, "forbidden", "only the room creator can do that")
		return Room{}, false
	}
	return room, true
}

func (a *API) storeError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(c, http.StatusNotFound, "room_not_found", "room not found")
	case errors.Is(err, ErrInvalidRoom):
		writeError(c, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, ErrInvalidTransition):
		writeError(c, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, ErrExists):
		writeError(c, http.StatusConflict, "room_exists", err.Error())
	default:
		a.logger.Error(op+" failed", "err", err)
		writeError(c, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func issueToken(j *auth.JWT) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req tokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		token, err := j.Issue(auth.Identity{UserID: req.UserID, Name: req.Name, Avatar: req.Avatar})
		if err != nil {
			writeError(c, http.StatusInternalServerError, "internal_error", "failed to issue token")
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token, "userId": req.UserID})
	}
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": message})
}
