package redisstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestNew_PingsServer(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := New(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := s.Client().Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := mr.Get("k"); got != "v" {
		t.Fatalf("value = %q", got)
	}
}

func TestNew_UnreachableServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := New(addr, "", 0); err == nil {
		t.Fatalf("expected ping failure")
	}
}
