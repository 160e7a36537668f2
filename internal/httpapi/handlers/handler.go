package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ragchat/internal/chat"
	"github.com/suPer8Hu/ragchat/internal/common"
	"github.com/suPer8Hu/ragchat/internal/config"
	"github.com/suPer8Hu/ragchat/internal/httpapi/middleware"
	"github.com/suPer8Hu/ragchat/internal/ingest"
	"gorm.io/gorm"
)

type Handler struct {
	DB        *gorm.DB
	Cfg       config.Config
	ChatSvc   *chat.Service
	IngestSvc *ingest.Service
}

// NewHandler wires the request handlers. ingestSvc may be nil, in which case
// the ingest routes answer 503.
func NewHandler(db *gorm.DB, cfg config.Config, chatSvc *chat.Service, ingestSvc *ingest.Service) *Handler {
	return &Handler{DB: db, Cfg: cfg, ChatSvc: chatSvc, IngestSvc: ingestSvc}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	return middleware.UserID(c)
}

// failErr maps service errors onto the response envelope. Anything outside
// the shared taxonomy is logged and reported as 500.
func failErr(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, common.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40400, "not found")
	case errors.Is(err, common.ErrForbidden):
		common.Fail(c, http.StatusForbidden, 40300, "forbidden")
	case errors.Is(err, common.ErrValidation):
		common.Fail(c, http.StatusBadRequest, 10002, err.Error())
	case errors.Is(err, common.ErrRateLimited):
		common.Fail(c, http.StatusTooManyRequests, 42900, "rate limited")
	case errors.Is(err, common.ErrUpstream):
		log.Printf("[%s] upstream failed request_id=%s err=%v", op, c.GetString(middleware.RequestIDKey), err)
		common.Fail(c, http.StatusBadGateway, 50200, "model provider unavailable")
	default:
		log.Printf("[%s] failed request_id=%s err=%v", op, c.GetString(middleware.RequestIDKey), err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
