package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/suPer8Hu/ragchat/internal/ai"
	"github.com/suPer8Hu/ragchat/internal/chat"
	"github.com/suPer8Hu/ragchat/internal/config"
	"github.com/suPer8Hu/ragchat/internal/db"
	"github.com/suPer8Hu/ragchat/internal/httpapi"
	"github.com/suPer8Hu/ragchat/internal/httpapi/middleware"
	"github.com/suPer8Hu/ragchat/internal/ingest"
	"github.com/suPer8Hu/ragchat/internal/metrics"
	"github.com/suPer8Hu/ragchat/internal/rag"
	"github.com/suPer8Hu/ragchat/internal/ratelimit"
	"github.com/suPer8Hu/ragchat/internal/store/rabbitmq"
	"github.com/suPer8Hu/ragchat/internal/store/redisstore"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb := db.Connect(cfg.DBDSN)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	opts := chat.Options{
		Provider:     cfg.AIProvider,
		Model:        ai.DefaultModel(cfg, cfg.AIProvider),
		SystemPrompt: cfg.SystemPrompt,
		Window:       chat.Window{MaxMessages: cfg.ChatContextWindowSize, MaxChars: cfg.ChatContextMaxChars},
		TitleMaxLen:  cfg.ChatTitleMaxLen,
		RetrieveK:    cfg.RetrieverK,
		Metrics:      m,
	}

	if cfg.RAGEnabled {
		mode, err := rag.ParseMode(cfg.RetrieverMode)
		if err != nil {
			log.Fatalf("retriever: %v", err)
		}
		opts.RetrieveMode = mode

		embedder, err := ai.NewEmbedderFromConfig(ctx, cfg)
		if err != nil {
			log.Fatalf("embedder: %v", err)
		}
		retriever, err := rag.OpenRetrieverFromConfig(ctx, cfg, embedder, m)
		if err != nil {
			// chat still works without context
			log.Printf("[server] retrieval disabled: %v", err)
		} else {
			opts.Retriever = retriever
			mf := retriever.Manifest()
			log.Printf("[server] index build_id=%s backend=%s chunks=%d", mf.BuildID, mf.Backend, mf.Chunks)
			go retriever.Watch(ctx, 30*time.Second)
		}
	}

	chatSvc := chat.NewService(chat.NewRepo(gdb), ai.NewRegistryFromConfig(cfg), opts)

	var limiter middleware.Limiter
	if rds, err := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB); err != nil {
		log.Printf("[server] redis unavailable, rate limiting disabled: %v", err)
	} else {
		defer rds.Close()
		limiter = ratelimit.NewSlidingWindow(rds.Client(), cfg.ChatRateLimit, cfg.ChatRateWindow)
	}

	var ingestSvc *ingest.Service
	if pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue); err != nil {
		log.Printf("[server] rabbitmq unavailable, ingest jobs disabled: %v", err)
	} else {
		defer pub.Close()
		ingestSvc = ingest.NewService(ingest.NewRepo(gdb), pub, nil, ingest.Options{
			SourceRoot: cfg.IngestSourceRoot,
			IndexDir:   cfg.IndexDir,
			Metrics:    m,
		})
	}

	r := httpapi.NewRouter(httpapi.Deps{
		DB:      gdb,
		Cfg:     cfg,
		Chat:    chatSvc,
		Ingest:  ingestSvc,
		Limiter: limiter,
		Metrics: m,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[server] listening on %s provider=%s", cfg.Addr, cfg.AIProvider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[server] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[server] shutdown: %v", err)
	}
}
