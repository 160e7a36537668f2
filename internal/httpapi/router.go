package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ragchat/internal/chat"
	"github.com/suPer8Hu/ragchat/internal/common"
	"github.com/suPer8Hu/ragchat/internal/config"
	"github.com/suPer8Hu/ragchat/internal/httpapi/handlers"
	"github.com/suPer8Hu/ragchat/internal/httpapi/middleware"
	"github.com/suPer8Hu/ragchat/internal/ingest"
	"github.com/suPer8Hu/ragchat/internal/metrics"
	"gorm.io/gorm"
)

type Deps struct {
	DB      *gorm.DB
	Cfg     config.Config
	Chat    *chat.Service
	Ingest  *ingest.Service    // optional
	Limiter middleware.Limiter // optional; nil disables rate limiting
	Metrics *metrics.Metrics   // optional
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())
	r.Use(middleware.Metrics(d.Metrics))
	r.Use(cors.New(corsConfig(d.Cfg.CORSOrigins)))

	h := handlers.NewHandler(d.DB, d.Cfg, d.Chat, d.Ingest)

	r.GET("/ping", h.Ping)
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	// users / auth
	r.POST("/users", h.CreateUser)
	r.POST("/auth/token", h.Login)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(d.Cfg.JWTSecret))
	authGroup.GET("/me", h.Me)

	// Chat (JWT required)
	chats := authGroup.Group("/chats")
	chats.GET("/", h.ListChatSessions)
	chats.GET("/:id", h.GetChatSession)
	chats.POST("/", middleware.RateLimit(d.Limiter, "chat", d.Metrics), h.SendChatMessage)
	chats.POST("/stream", middleware.RateLimit(d.Limiter, "chat_stream", d.Metrics), h.SendChatMessageStream)
	chats.PUT("/:id", h.RenameChatSession)
	chats.DELETE("/:id", h.DeleteChatSession)

	// Ingestion jobs
	authGroup.POST("/ingest", h.SubmitIngestJob)
	authGroup.GET("/ingest/jobs/:id", h.GetIngestJob)

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type", "Idempotency-Key", middleware.RequestIDHeader},
		ExposeHeaders: []string{handlers.SessionIDHeader, middleware.RequestIDHeader, "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	}
	return cfg
}
