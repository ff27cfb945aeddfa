package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"duochat/internal/chat"
	"duochat/internal/loop"
	"duochat/internal/netcheck"
	"duochat/internal/orchestrator"
)

const defaultPingInterval = 15 * time.Second

type Handler struct {
	hub          *orchestrator.Hub
	store        *chat.Store
	pingInterval time.Duration
	logger       zerolog.Logger
}

func newHandler(d Deps) *Handler {
	if d.PingInterval <= 0 {
		d.PingInterval = defaultPingInterval
	}
	return &Handler{
		hub:          d.Hub,
		store:        d.Store,
		pingInterval: d.PingInterval,
		logger:       d.Logger.With().Str("component", "http").Logger(),
	}
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

func abort(c *gin.Context, httpStatus int, code int, msg string) {
	c.AbortWithStatusJSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

func userIDFromContext(c *gin.Context) (string, bool) {
	uid := c.GetString(UserIDKey)
	return uid, uid != ""
}

// resolve returns the caller's orchestrator or writes a 401.
func (h *Handler) resolve(c *gin.Context) (*orchestrator.Orchestrator, string, bool) {
	uid, found := userIDFromContext(c)
	if !found {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return nil, "", false
	}
	return h.hub.For(uid), uid, true
}

// stateMessage prefers the text the orchestrator put in its error slot.
func stateMessage(orch *orchestrator.Orchestrator, err error) string {
	if m := orch.State().ErrorMessage; m != nil {
		return *m
	}
	return err.Error()
}

func (h *Handler) CreateSession(c *gin.Context) {
	orch, _, found := h.resolve(c)
	if !found {
		return
	}
	id, err := orch.StartNewSession(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, stateMessage(orch, err))
		return
	}
	ok(c, gin.H{"session_id": id})
}

func (h *Handler) ListSessions(c *gin.Context) {
	orch, _, found := h.resolve(c)
	if !found {
		return
	}
	sessions, err := orch.ListSessions(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, 50002, stateMessage(orch, err))
		return
	}
	ok(c, gin.H{"sessions": sessions})
}

func (h *Handler) LoadSession(c *gin.Context) {
	orch, _, found := h.resolve(c)
	if !found {
		return
	}
	if err := orch.LoadSession(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			fail(c, http.StatusNotFound, 40401, "session not found")
			return
		}
		fail(c, http.StatusInternalServerError, 50003, stateMessage(orch, err))
		return
	}
	ok(c, orch.State())
}

func (h *Handler) ListTurns(c *gin.Context) {
	if _, found := userIDFromContext(c); !found {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	turns, err := h.store.ListTurns(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			fail(c, http.StatusNotFound, 40401, "session not found")
			return
		}
		h.logger.Error().Err(err).Str("session_id", c.Param("id")).Msg("list turns failed")
		fail(c, http.StatusInternalServerError, 50004, "failed to list turns")
		return
	}
	ok(c, gin.H{"turns": turns})
}

type sendMessageReq struct {
	Message string `json:"message"`
}

func (h *Handler) SendMessage(c *gin.Context) {
	orch, _, found := h.resolve(c)
	if !found {
		return
	}
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	// Blank input never reaches the providers.
	if strings.TrimSpace(req.Message) == "" {
		fail(c, http.StatusBadRequest, 10002, "message is required")
		return
	}
	if err := orch.SendMessage(c.Request.Context(), req.Message); err != nil {
		if errors.Is(err, netcheck.ErrOffline) {
			fail(c, http.StatusServiceUnavailable, 50301, stateMessage(orch, err))
			return
		}
		fail(c, http.StatusInternalServerError, 50005, stateMessage(orch, err))
		return
	}
	ok(c, orch.State())
}

type sourceReq struct {
	Source string `json:"source"`
}

func (h *Handler) MarkPreferred(c *gin.Context) {
	orch, _, found := h.resolve(c)
	if !found {
		return
	}
	var req sourceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	src, err := chat.ParseSource(req.Source)
	if err != nil {
		fail(c, http.StatusBadRequest, 10003, "source must be openai or gemini")
		return
	}
	orch.MarkPreferred(src)
	ok(c, orch.State())
}

// PersistTurn saves the current exchange. An empty body uses the marked
// preference.
func (h *Handler) PersistTurn(c *gin.Context) {
	orch, _, found := h.resolve(c)
	if !found {
		return
	}
	var req sourceReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	var src chat.Source
	if strings.TrimSpace(req.Source) != "" {
		parsed, err := chat.ParseSource(req.Source)
		if err != nil {
			fail(c, http.StatusBadRequest, 10003, "source must be openai or gemini")
			return
		}
		src = parsed
	}
	saved, err := orch.PersistTurn(c.Request.Context(), src)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50006, stateMessage(orch, err))
		return
	}
	ok(c, gin.H{"saved": saved, "state": orch.State()})
}

type loopReq struct {
	Prompt string `json:"prompt"`
}

func (h *Handler) StartLoop(c *gin.Context) {
	orch, uid, found := h.resolve(c)
	if !found {
		return
	}
	var req loopReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		fail(c, http.StatusBadRequest, 10004, "prompt is required")
		return
	}
	if err := h.hub.StartLoop(uid, req.Prompt); err != nil {
		switch {
		case errors.Is(err, loop.ErrAlreadyRunning):
			fail(c, http.StatusConflict, 40901, "loop already running")
		case errors.Is(err, netcheck.ErrOffline):
			fail(c, http.StatusServiceUnavailable, 50301, stateMessage(orch, err))
		default:
			fail(c, http.StatusInternalServerError, 50007, stateMessage(orch, err))
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"code":    0,
		"message": "ok",
		"data":    orch.State(),
	})
}

func (h *Handler) StopLoop(c *gin.Context) {
	_, uid, found := h.resolve(c)
	if !found {
		return
	}
	d := h.hub.Loop(uid)
	running := d.Running()
	d.Stop()
	ok(c, gin.H{"stopping": running})
}

func (h *Handler) State(c *gin.Context) {
	orch, _, found := h.resolve(c)
	if !found {
		return
	}
	ok(c, orch.State())
}
