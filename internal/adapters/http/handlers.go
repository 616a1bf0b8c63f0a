package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
)

type handlers struct {
	calls Calls
	rooms Rooms
}

type StartCallRequest struct {
	To   domain.UserID   `json:"to"`
	Kind domain.CallKind `json:"kind"`
}

type StartCallResponse struct {
	ID domain.CallID `json:"id"`
}

type TargetRequest struct {
	UserID domain.UserID `json:"userId"`
}

type HandRequest struct {
	Raised bool `json:"raised"`
}

func (h *handlers) startCall(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.To == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid callee"})
		return
	}
	if req.Kind == 0 {
		req.Kind = domain.CallAudio
	}
	id, err := h.calls.StartCall(captureContext(c), req.To, req.Kind)
	if err != nil {
		fail(c, err)
		return
	}
	h.remember(c, id)
	c.JSON(http.StatusCreated, StartCallResponse{ID: id})
}

func (h *handlers) currentCall(c *gin.Context) {
	snap, ok := h.calls.Snapshot()
	if !ok {
		fail(c, core.NewError("current", "", core.ErrNoSession))
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handlers) acceptCall(c *gin.Context) {
	id := domain.CallID(c.Param("id"))
	if err := h.calls.Accept(captureContext(c), id); err != nil {
		fail(c, err)
		return
	}
	h.remember(c, id)
	c.Status(http.StatusNoContent)
}

func (h *handlers) rejectCall(c *gin.Context) {
	if err := h.calls.Reject(domain.CallID(c.Param("id"))); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) endCall(c *gin.Context) {
	if err := h.ownCall(c, "end"); err != nil {
		fail(c, err)
		return
	}
	if err := h.calls.End(domain.EndHangup); err != nil {
		fail(c, err)
		return
	}
	s := sessions.Default(c)
	s.Delete(sessionCallKey)
	_ = s.Save()
	c.Status(http.StatusNoContent)
}

func (h *handlers) toggleMute(c *gin.Context) {
	if err := h.ownCall(c, "mute"); err != nil {
		fail(c, err)
		return
	}
	muted, err := h.calls.ToggleMute()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"muted": muted})
}

func (h *handlers) toggleVideo(c *gin.Context) {
	if err := h.ownCall(c, "video"); err != nil {
		fail(c, err)
		return
	}
	disabled, err := h.calls.ToggleVideo()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"videoDisabled": disabled})
}

// ownCall checks that :id names the live call.
func (h *handlers) ownCall(c *gin.Context, op string) error {
	id := domain.CallID(c.Param("id"))
	snap, ok := h.calls.Snapshot()
	if !ok || snap.ID != id {
		return core.NewError(op, id.String(), core.ErrNoSession)
	}
	return nil
}

// remember stores the call id in the UI's cookie session so a reload can
// find its call again.
func (h *handlers) remember(c *gin.Context, id domain.CallID) {
	s := sessions.Default(c)
	s.Set(sessionCallKey, id.String())
	if err := s.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Str("call", id.String()).Msg("session save")
	}
}

func (h *handlers) currentRoom(c *gin.Context) {
	snap, ok := h.rooms.Snapshot()
	if !ok {
		fail(c, core.NewError("current", "", core.ErrNoSession))
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handlers) joinRoom(c *gin.Context) {
	if err := h.rooms.Join(domain.RoomID(c.Param("id"))); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *handlers) leaveRoom(c *gin.Context) {
	if err := h.ownRoom(c, "leave"); err != nil {
		fail(c, err)
		return
	}
	if err := h.rooms.Leave(); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) hand(c *gin.Context) {
	var req HandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := h.ownRoom(c, "hand"); err != nil {
		fail(c, err)
		return
	}
	var err error
	if req.Raised {
		err = h.rooms.RaiseHand()
	} else {
		err = h.rooms.LowerHand()
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) promote(c *gin.Context) {
	target, ok := h.target(c, "promote")
	if !ok {
		return
	}
	if err := h.rooms.Promote(captureContext(c), target); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) demote(c *gin.Context) {
	target, ok := h.target(c, "demote")
	if !ok {
		return
	}
	if err := h.rooms.Demote(target); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) target(c *gin.Context, op string) (domain.UserID, bool) {
	var req TargetRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid userId"})
		return "", false
	}
	if err := h.ownRoom(c, op); err != nil {
		fail(c, err)
		return "", false
	}
	return req.UserID, true
}

func (h *handlers) ownRoom(c *gin.Context, op string) error {
	id := domain.RoomID(c.Param("id"))
	snap, ok := h.rooms.Snapshot()
	if !ok || snap.RoomID != id {
		return core.NewError(op, id.String(), fmt.Errorf("not in room: %w", core.ErrNoSession))
	}
	return nil
}

// captureContext keeps request values but not cancellation: a client that
// hangs up mid-request must not abort opening capture devices.
func captureContext(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}
