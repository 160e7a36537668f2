package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ragchat/internal/common"
	"github.com/suPer8Hu/ragchat/internal/models"
)

type submitIngestReq struct {
	SourceDir string `json:"source_dir" binding:"required"`
}

// SubmitIngestJob queues a rebuild of the shared index. Admins only.
func (h *Handler) SubmitIngestJob(c *gin.Context) {
	if h.IngestSvc == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50300, "ingestion queue not configured")
		return
	}
	user, okk := h.currentUser(c)
	if !okk {
		return
	}
	if user.Role != models.RoleAdmin {
		common.Fail(c, http.StatusForbidden, 40302, "admin role required")
		return
	}

	var req submitIngestReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}

	job, created, err := h.IngestSvc.Submit(c.Request.Context(), user.ID, req.SourceDir, idempoKey)
	if err != nil {
		failErr(c, "SubmitIngestJob", err)
		return
	}
	common.OK(c, gin.H{"job_id": job.ID, "status": job.Status, "created": created})
}

func (h *Handler) GetIngestJob(c *gin.Context) {
	if h.IngestSvc == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50300, "ingestion queue not configured")
		return
	}
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	j, err := h.IngestSvc.Get(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		failErr(c, "GetIngestJob", err)
		return
	}
	common.OK(c, gin.H{"job": j})
}
