package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/suPer8Hu/ragchat/internal/ai"
	"github.com/suPer8Hu/ragchat/internal/config"
	"github.com/suPer8Hu/ragchat/internal/rag"
)

func main() {
	cfg := config.Load()

	var src, indexDir string
	flag.StringVar(&src, "src", "data", "directory of .txt/.md/.pdf documents to index")
	flag.StringVar(&indexDir, "index", cfg.IndexDir, "output index directory")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	embedder, err := ai.NewEmbedderFromConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("embedder: %v", err)
	}
	ingestor, err := rag.NewIngestorFromConfig(cfg, embedder, nil)
	if err != nil {
		log.Fatalf("ingestor: %v", err)
	}

	stats, err := ingestor.Ingest(ctx, src, indexDir)
	if err != nil {
		log.Fatalf("ingest failed: %v", err)
	}
	fmt.Printf("indexed %d documents into %d chunks (dim=%d) build_id=%s -> %s\n",
		stats.Documents, stats.Chunks, stats.Dimension, stats.BuildID, indexDir)
}
