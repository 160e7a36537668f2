package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/suPer8Hu/ragchat/internal/ai"
	"github.com/suPer8Hu/ragchat/internal/chat"
	"github.com/suPer8Hu/ragchat/internal/config"
	"github.com/suPer8Hu/ragchat/internal/db"
	"github.com/suPer8Hu/ragchat/internal/models"
	"github.com/suPer8Hu/ragchat/internal/rag"
	"github.com/suPer8Hu/ragchat/internal/tui"
	"gorm.io/gorm"
)

const localUsername = "local"

func main() {
	cfg := config.Load()

	var dsn, sessionID string
	var useRAG bool
	flag.StringVar(&dsn, "db", "sqlite:ragchat-local.db", "chat history database")
	flag.StringVar(&sessionID, "session", "", "resume an existing session id")
	flag.BoolVar(&useRAG, "rag", cfg.RAGEnabled, "answer with context from the local index")
	flag.Parse()

	// the TUI owns the terminal; keep logs out of it
	if f, err := os.OpenFile("ragchat.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
		log.SetOutput(f)
		defer f.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gdb, err := db.Open(dsn)
	if err != nil {
		fatal("open db: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		fatal("migrate: %v", err)
	}
	user, err := localUser(gdb)
	if err != nil {
		fatal("local user: %v", err)
	}

	opts := chat.Options{
		Provider:     cfg.AIProvider,
		Model:        ai.DefaultModel(cfg, cfg.AIProvider),
		SystemPrompt: cfg.SystemPrompt,
		Window:       chat.Window{MaxMessages: cfg.ChatContextWindowSize, MaxChars: cfg.ChatContextMaxChars},
		TitleMaxLen:  cfg.ChatTitleMaxLen,
		RetrieveK:    cfg.RetrieverK,
	}
	summary := "chatting without retrieval"
	if useRAG {
		mode, err := rag.ParseMode(cfg.RetrieverMode)
		if err != nil {
			fatal("retriever: %v", err)
		}
		embedder, err := ai.NewEmbedderFromConfig(ctx, cfg)
		if err != nil {
			fatal("embedder: %v", err)
		}
		retriever, err := rag.OpenRetrieverFromConfig(ctx, cfg, embedder, nil)
		if err != nil {
			fatal("open index %s: %v (run cmd/ingest first or pass -rag=false)", cfg.IndexDir, err)
		}
		opts.Retriever = retriever
		opts.RetrieveMode = mode
		mf := retriever.Manifest()
		summary = fmt.Sprintf("index %s: %d documents, %d chunks, %s", mf.BuildID, mf.Documents, mf.Chunks, mode)
	}

	svc := chat.NewService(chat.NewRepo(gdb), ai.NewRegistryFromConfig(cfg), opts)
	summary = fmt.Sprintf("%s via %s/%s", summary, opts.Provider, opts.Model)

	m := tui.New(ctx, svc, user.ID, sessionID, summary)
	final, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	if err != nil {
		fatal("%v", err)
	}
	if fm, ok := final.(tui.Model); ok && fm.SessionID() != "" {
		fmt.Printf("session %s (resume with -session %s)\n", fm.SessionID(), fm.SessionID())
	}
}

// localUser returns the single account the terminal client chats as.
func localUser(gdb *gorm.DB) (*models.User, error) {
	var u models.User
	err := gdb.Where("username = ?", localUsername).First(&u).Error
	if err == nil {
		return &u, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	u = models.User{Username: localUsername, Email: localUsername + "@localhost", IsVerified: true}
	if err := gdb.Create(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
