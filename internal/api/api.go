// Package api exposes the engine over HTTP. The caller's identity comes from
// the X-User-ID header set by the authenticating gateway.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/celerix-dev/celerix-beacon/internal/app"
	"github.com/celerix-dev/celerix-beacon/internal/fanout"
	"github.com/celerix-dev/celerix-beacon/internal/messaging"
	"github.com/celerix-dev/celerix-beacon/internal/realtime"
	"github.com/celerix-dev/celerix-beacon/pkg/schema"
	"github.com/celerix-dev/celerix-beacon/pkg/sdk"
)

// UserHeader carries the authenticated user ID.
const UserHeader = "X-User-ID"

const userKey = "user_id"

type Handler struct {
	Engine *app.Engine
	WS     *realtime.WSServer
	Log    *slog.Logger
}

// RequireUser rejects requests without an authenticated user.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(UserHeader)
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + UserHeader})
			return
		}
		c.Set(userKey, id)
		c.Next()
	}
}

func currentUser(c *gin.Context) string { return c.GetString(userKey) }

// writeError maps the error taxonomy onto HTTP status codes.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, sdk.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, sdk.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, sdk.ErrNotPermitted):
		status = http.StatusForbidden
	case errors.Is(err, sdk.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.Log.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "user_id", currentUser(c), "error", err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func queryLimit(c *gin.Context, def int) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 500 {
		return 0, sdk.Invalid("limit", "must be between 1 and 500")
	}
	return n, nil
}

func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// --- Users and settings ---

func (h *Handler) PutMe(c *gin.Context) {
	var u schema.User
	if err := c.ShouldBindJSON(&u); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	u.ID = currentUser(c)
	saved, err := h.Engine.Directory.PutUser(c.Request.Context(), u)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

// GetUser returns a profile if its visibility allows the caller to see it.
func (h *Handler) GetUser(c *gin.Context) {
	ctx := c.Request.Context()
	viewer, target := currentUser(c), c.Param("id")
	u, err := h.Engine.Directory.GetUser(ctx, target)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if viewer != target {
		settings, err := h.Engine.Directory.GetSettings(ctx, target)
		if err != nil {
			h.writeError(c, err)
			return
		}
		switch settings.Privacy.ProfileVisibility {
		case schema.VisibilityPublic:
		case schema.VisibilityFriends:
			ok, err := sdk.AreFriends(ctx, h.Engine.Directory, target, viewer)
			if err != nil {
				h.writeError(c, err)
				return
			}
			if !ok {
				h.writeError(c, sdk.ErrNotPermitted)
				return
			}
		default:
			h.writeError(c, sdk.ErrNotPermitted)
			return
		}
	}
	c.JSON(http.StatusOK, u)
}

func (h *Handler) GetSettings(c *gin.Context) {
	s, err := h.Engine.Directory.GetSettings(c.Request.Context(), currentUser(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) PutSettings(c *gin.Context) {
	var s schema.UserSettings
	if err := c.ShouldBindJSON(&s); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.UserID = currentUser(c)
	saved, err := h.Engine.Directory.PutSettings(c.Request.Context(), s)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

// --- Status ---

func (h *Handler) SetStatus(c *gin.Context) {
	var input struct {
		Status  schema.Status `json:"status" binding:"required"`
		Message string        `json:"message"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := h.Engine.Ledger.SetStatus(c.Request.Context(), currentUser(c), input.Status, input.Message)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetStatus(c *gin.Context) {
	rec, err := h.Engine.Ledger.Current(c.Request.Context(), currentUser(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetHistory(c *gin.Context) {
	limit, err := queryLimit(c, 50)
	if err != nil {
		h.writeError(c, err)
		return
	}
	history, err := h.Engine.Ledger.History(c.Request.Context(), currentUser(c), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

// GetFriendStatus returns another user's status to a friend allowed to see it.
func (h *Handler) GetFriendStatus(c *gin.Context) {
	ctx := c.Request.Context()
	viewer, target := currentUser(c), c.Param("user")
	if viewer != target {
		if err := h.canSeeStatus(c, target, viewer); err != nil {
			h.writeError(c, err)
			return
		}
	}
	rec, err := h.Engine.Ledger.Current(ctx, target)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) canSeeStatus(c *gin.Context, sender, recipient string) error {
	ctx := c.Request.Context()
	ok, err := sdk.AreFriends(ctx, h.Engine.Directory, sender, recipient)
	if err != nil {
		return err
	}
	if !ok {
		return sdk.ErrNotPermitted
	}
	ss, err := h.Engine.Directory.GetSettings(ctx, sender)
	if err != nil {
		return err
	}
	rs, err := h.Engine.Directory.GetSettings(ctx, recipient)
	if err != nil {
		return err
	}
	if !fanout.CanSee(ss, rs) {
		return sdk.ErrNotPermitted
	}
	return nil
}

// --- Friends ---

func (h *Handler) GetFriends(c *gin.Context) {
	state := schema.FriendshipState(c.Query("state"))
	if state != "" && !state.Valid() {
		h.writeError(c, sdk.Invalid("state", "must be pending, accepted or denied"))
		return
	}
	list, err := h.Engine.Directory.GetFriendships(c.Request.Context(), currentUser(c), state)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if list == nil {
		list = []schema.Friendship{}
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) RequestFriend(c *gin.Context) {
	var input struct {
		RecipientID string `json:"recipient_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	f, err := h.Engine.Directory.RequestFriendship(c.Request.Context(), currentUser(c), input.RecipientID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, f)
}

func (h *Handler) AcceptFriend(c *gin.Context) { h.respondFriend(c, true) }

func (h *Handler) DenyFriend(c *gin.Context) { h.respondFriend(c, false) }

func (h *Handler) respondFriend(c *gin.Context, accept bool) {
	f, err := h.Engine.Directory.RespondFriendship(c.Request.Context(), c.Param("id"), currentUser(c), accept)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (h *Handler) RemoveFriend(c *gin.Context) {
	if err := h.Engine.Directory.RemoveFriendship(c.Request.Context(), c.Param("id"), currentUser(c)); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// --- Notifications ---

func (h *Handler) ListNotifications(c *gin.Context) {
	ctx := c.Request.Context()
	limit, err := queryLimit(c, 50)
	if err != nil {
		h.writeError(c, err)
		return
	}
	unreadOnly := c.Query("unread") == "true"
	list, err := h.Engine.Dispatcher.List(ctx, currentUser(c), unreadOnly, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	unread, err := h.Engine.Dispatcher.UnreadCount(ctx, currentUser(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if list == nil {
		list = []schema.Notification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list, "unread": unread})
}

func (h *Handler) MarkRead(c *gin.Context) {
	n, err := h.Engine.Dispatcher.MarkAsRead(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (h *Handler) MarkAllRead(c *gin.Context) {
	count, err := h.Engine.Dispatcher.MarkAllAsRead(c.Request.Context(), currentUser(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": count})
}

func (h *Handler) MarkDelivered(c *gin.Context) {
	n, err := h.Engine.Dispatcher.MarkDelivered(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

// --- Messages ---

func (h *Handler) SendMessage(c *gin.Context) {
	var req messaging.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.SenderID = currentUser(c)
	m, err := h.Engine.Messaging.Send(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (h *Handler) Conversation(c *gin.Context) {
	limit, err := queryLimit(c, 50)
	if err != nil {
		h.writeError(c, err)
		return
	}
	list, err := h.Engine.Messaging.Conversation(c.Request.Context(), currentUser(c), c.Param("user"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if list == nil {
		list = []schema.Message{}
	}
	c.JSON(http.StatusOK, list)
}

// MarkMessageRead marks a message from :user to the caller as read.
func (h *Handler) MarkMessageRead(c *gin.Context) {
	m, err := h.Engine.Messaging.MarkRead(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handler) Templates(c *gin.Context) {
	status := schema.Status(c.Query("status"))
	if status != "" && !status.Valid() {
		h.writeError(c, sdk.Invalid("status", "must be green, yellow or red"))
		return
	}
	list := h.Engine.Messaging.Templates(status)
	if list == nil {
		list = []schema.PremadeMessage{}
	}
	c.JSON(http.StatusOK, list)
}

// --- Escalations ---

func (h *Handler) GetEscalation(c *gin.Context) {
	ctx := c.Request.Context()
	viewer, target := currentUser(c), c.Param("user")
	if viewer != target {
		ok, err := sdk.AreFriends(ctx, h.Engine.Directory, target, viewer)
		if err != nil {
			h.writeError(c, err)
			return
		}
		if !ok {
			h.writeError(c, sdk.ErrNotPermitted)
			return
		}
	}
	run, err := h.Engine.Scheduler.Get(ctx, target)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *Handler) AckEscalation(c *gin.Context) {
	var input struct {
		Revision int64 `json:"revision"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	run, err := h.Engine.Scheduler.Acknowledge(c.Request.Context(), c.Param("user"), currentUser(c), input.Revision)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// --- Realtime ---

func (h *Handler) Realtime(c *gin.Context) {
	h.WS.Serve(c, currentUser(c))
}
