package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOllamaProvider_ChatMapsModelRole(t *testing.T) {
	var got ollamaChatReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(ollamaChatResp{Message: ollamaMsg{Role: "assistant", Content: "pong"}, Done: true})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL+"/", "llama3")
	reply, err := p.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "ping"},
		{Role: RoleModel, Content: "pong"},
		{Role: RoleUser, Content: "again"},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if reply != "pong" {
		t.Fatalf("unexpected reply %q", reply)
	}
	if got.Stream || got.Model != "llama3" || len(got.Messages) != 4 {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.Messages[2].Role != "assistant" {
		t.Fatalf("model role should go out as assistant, got %q", got.Messages[2].Role)
	}
}

func TestOllamaProvider_StreamChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, part := range []string{"Hel", "lo", " world"} {
			fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", part)
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "llama3")
	chunks, errs := p.StreamChat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	var b strings.Builder
	for c := range chunks {
		b.WriteString(c)
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream: %v", err)
	}
	if b.String() != "Hello world" {
		t.Fatalf("unexpected stream text %q", b.String())
	}
}

func TestOllamaProvider_StreamWithoutDoneIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"partial"},"done":false}`)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "llama3")
	chunks, errs := p.StreamChat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	for range chunks {
	}
	if err := <-errs; err == nil {
		t.Fatalf("expected error for truncated stream")
	}
}

func TestOllamaProvider_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaProvider(srv.URL, "missing").Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("expected upstream body in error, got %v", err)
	}
}

func TestOllamaEmbedder_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		out := make([][]float32, len(req.Input))
		for i := range out {
			out[i] = []float32{float32(i), 0.5, 0.25}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": out})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(srv.URL, "")
	if e.Dimension() != 0 {
		t.Fatalf("dimension should be unknown before first call")
	}
	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vecs) != 2 || vecs[1][0] != 1 {
		t.Fatalf("unexpected vectors %v", vecs)
	}
	if e.Dimension() != 3 || e.Name() != "ollama/nomic-embed-text" {
		t.Fatalf("unexpected embedder meta %s dim=%d", e.Name(), e.Dimension())
	}
}
