package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ragchat/internal/chat"
	"github.com/suPer8Hu/ragchat/internal/common"
)

const SessionIDHeader = "X-Session-ID"

type sessionSummary struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type messageView struct {
	ID      uint64 `json:"id"`
	Content string `json:"content"`
	Role    string `json:"role"`
}

type sessionView struct {
	ID       string        `json:"id"`
	Title    string        `json:"title"`
	Pending  bool          `json:"pending"`
	Messages []messageView `json:"messages"`
}

func historyView(h *chat.History) sessionView {
	msgs := make([]messageView, 0, len(h.Messages))
	for _, m := range h.Messages {
		msgs = append(msgs, messageView{ID: m.ID, Content: m.Content, Role: m.Role})
	}
	return sessionView{
		ID:       h.Session.SessionID,
		Title:    h.Session.Title,
		Pending:  h.Session.Pending(),
		Messages: msgs,
	}
}

func (h *Handler) ListChatSessions(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sessions, err := h.ChatSvc.ListSessions(c.Request.Context(), uid)
	if err != nil {
		failErr(c, "ListChatSessions", err)
		return
	}
	out := make([]sessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionSummary{ID: s.SessionID, Title: s.Title})
	}
	common.OK(c, out)
}

func (h *Handler) GetChatSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	hist, err := h.ChatSvc.GetHistory(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		failErr(c, "GetChatSession", err)
		return
	}
	common.OK(c, historyView(hist))
}

type sendMessageReq struct {
	Prompt    string `json:"prompt" binding:"required"`
	SessionID string `json:"session_id"`
}

func (h *Handler) SendChatMessage(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	hist, err := h.ChatSvc.SendMessage(c.Request.Context(), uid, req.Prompt, req.SessionID)
	if err != nil {
		failErr(c, "SendChatMessage", err)
		return
	}
	common.OK(c, historyView(hist))
}

// SendChatMessageStream answers with a chunked text/plain body of model
// increments. The session id travels in the X-Session-ID header because the
// body is pure model text.
func (h *Handler) SendChatMessageStream(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	ctx := c.Request.Context()
	turn, err := h.ChatSvc.SendMessageStream(ctx, uid, req.Prompt, req.SessionID)
	if err != nil {
		failErr(c, "SendChatMessageStream", err)
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Header(SessionIDHeader, turn.Session.SessionID)
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	for chunk := range turn.Chunks {
		if _, err := c.Writer.WriteString(chunk); err != nil {
			// client went away; the service notices through ctx
			continue
		}
		c.Writer.Flush()
	}

	res := <-turn.Done
	if res.Err != nil {
		log.Printf("[SendChatMessageStream] stream ended early uid=%d session_id=%s err=%v",
			uid, turn.Session.SessionID, res.Err)
	}
}

type renameReq struct {
	NewTitle string `json:"new_title" binding:"required"`
}

func (h *Handler) RenameChatSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req renameReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	sess, err := h.ChatSvc.Rename(c.Request.Context(), uid, c.Param("id"), req.NewTitle)
	if err != nil {
		failErr(c, "RenameChatSession", err)
		return
	}
	common.OK(c, sessionSummary{ID: sess.SessionID, Title: sess.Title})
}

func (h *Handler) DeleteChatSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	id := c.Param("id")
	if err := h.ChatSvc.Delete(c.Request.Context(), uid, id); err != nil {
		failErr(c, "DeleteChatSession", err)
		return
	}
	common.OK(c, gin.H{"id": id, "deleted": true})
}
