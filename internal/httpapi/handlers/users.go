package handlers

import (
	"errors"
	"net/http"
	"net/mail"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ragchat/internal/auth"
	"github.com/suPer8Hu/ragchat/internal/common"
	"github.com/suPer8Hu/ragchat/internal/models"
	"gorm.io/gorm"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,64}$`)

const minPasswordLen = 8

type createUserReq struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) CreateUser(c *gin.Context) {
	var req createUserReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Username == "" || req.Email == "" || req.Password == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "username, email and password required")
		return
	}
	if !usernamePattern.MatchString(req.Username) {
		common.Fail(c, http.StatusBadRequest, 10005, "username must be 3-64 letters, digits or ._-")
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		common.Fail(c, http.StatusBadRequest, 10006, "invalid email")
		return
	}
	if len(req.Password) < minPasswordLen {
		common.Fail(c, http.StatusBadRequest, 10007, "password too short")
		return
	}

	var cnt int64
	if err := h.DB.WithContext(c.Request.Context()).Model(&models.User{}).
		Where("username = ? OR email = ?", req.Username, req.Email).
		Count(&cnt).Error; err != nil {
		common.Fail(c, http.StatusInternalServerError, 20005, "failed to check user")
		return
	}
	if cnt > 0 {
		common.Fail(c, http.StatusConflict, 40900, "username or email already registered")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20002, "failed to hash password")
		return
	}

	user := models.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
	}
	if err := h.DB.WithContext(c.Request.Context()).Create(&user).Error; err != nil {
		// lost a race with a concurrent registration
		common.Fail(c, http.StatusConflict, 40900, "username or email already registered")
		return
	}

	common.OK(c, gin.H{
		"id":       user.ID,
		"username": user.Username,
		"email":    user.Email,
	})
}

type loginReq struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password" binding:"required"`
}

// Login exchanges credentials for a bearer token. Either username or email
// identifies the account.
func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	q := h.DB.WithContext(c.Request.Context())
	switch {
	case strings.TrimSpace(req.Username) != "":
		q = q.Where("username = ?", strings.TrimSpace(req.Username))
	case strings.TrimSpace(req.Email) != "":
		q = q.Where("email = ?", strings.ToLower(strings.TrimSpace(req.Email)))
	default:
		common.Fail(c, http.StatusBadRequest, 10002, "username or email required")
		return
	}

	var user models.User
	if err := q.First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusUnauthorized, 40103, "invalid credentials")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		common.Fail(c, http.StatusUnauthorized, 40103, "invalid credentials")
		return
	}
	if user.Disabled {
		common.Fail(c, http.StatusForbidden, 40301, "account disabled")
		return
	}

	token, err := auth.SignJWT(user.ID, user.Username, h.Cfg.JWTSecret, h.Cfg.JWTTTL)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}
	common.OK(c, gin.H{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   int(h.Cfg.JWTTTL.Seconds()),
	})
}

// currentUser loads the authenticated user; disabled accounts are refused.
func (h *Handler) currentUser(c *gin.Context) (*models.User, bool) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return nil, false
	}
	var user models.User
	if err := h.DB.WithContext(c.Request.Context()).First(&user, uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusUnauthorized, 40104, "user no longer exists")
			return nil, false
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return nil, false
	}
	if user.Disabled {
		common.Fail(c, http.StatusForbidden, 40301, "account disabled")
		return nil, false
	}
	return &user, true
}

func (h *Handler) Me(c *gin.Context) {
	user, okk := h.currentUser(c)
	if !okk {
		return
	}
	common.OK(c, user)
}
