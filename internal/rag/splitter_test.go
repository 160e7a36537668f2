package rag

import (
	"errors"
	"strings"
	"testing"

	"github.com/suPer8Hu/ragchat/internal/common"
)

func TestNewSplitter_RejectsBadConfig(t *testing.T) {
	cases := []struct{ size, overlap int }{
		{0, 0},
		{-5, 0},
		{100, 100},
		{100, 150},
		{100, -1},
	}
	for _, c := range cases {
		if _, err := NewSplitter(c.size, c.overlap); !errors.Is(err, common.ErrValidation) {
			t.Fatalf("size=%d overlap=%d: expected validation error, got %v", c.size, c.overlap, err)
		}
	}
}

func TestSplit_CountSizeAndOverlap(t *testing.T) {
	cases := []struct{ length, size, overlap int }{
		{2500, 1000, 200},
		{1000, 1000, 200},
		{1001, 1000, 200},
		{1800, 1000, 200},
		{37, 10, 3},
		{10, 4, 0},
		{5, 10, 2},
	}
	for _, c := range cases {
		s, err := NewSplitter(c.size, c.overlap)
		if err != nil {
			t.Fatalf("new splitter: %v", err)
		}
		text := strings.Repeat("abcdefghij", c.length/10+1)[:c.length]
		chunks := s.Split(Document{Source: "x.txt", Text: text})

		want := 1
		if c.length > c.size {
			step := c.size - c.overlap
			want = 1 + (c.length-c.size+step-1)/step
		}
		if len(chunks) != want {
			t.Fatalf("L=%d S=%d O=%d: expected %d chunks, got %d", c.length, c.size, c.overlap, want, len(chunks))
		}

		var rebuilt strings.Builder
		for i, ch := range chunks {
			n := len([]rune(ch.Text))
			if n > c.size {
				t.Fatalf("chunk %d has %d runes > %d", i, n, c.size)
			}
			if ch.Index != i || ch.Source != "x.txt" {
				t.Fatalf("chunk %d metadata wrong: %+v", i, ch)
			}
			if i == 0 {
				rebuilt.WriteString(ch.Text)
				continue
			}
			prev := []rune(chunks[i-1].Text)
			cur := []rune(ch.Text)
			if string(prev[len(prev)-c.overlap:]) != string(cur[:c.overlap]) {
				t.Fatalf("chunks %d/%d do not overlap by %d", i-1, i, c.overlap)
			}
			if ch.Offset != chunks[i-1].Offset+c.size-c.overlap {
				t.Fatalf("chunk %d offset %d", i, ch.Offset)
			}
			rebuilt.WriteString(string(cur[c.overlap:]))
		}
		if rebuilt.String() != text {
			t.Fatalf("L=%d: chunks do not cover the text", c.length)
		}
	}
}

func TestSplit_CountsRunesNotBytes(t *testing.T) {
	s, _ := NewSplitter(4, 1)
	chunks := s.Split(Document{Text: "héllo wörld"})
	for _, c := range chunks {
		if n := len([]rune(c.Text)); n > 4 {
			t.Fatalf("chunk %q has %d runes", c.Text, n)
		}
	}
	if chunks[0].Text != "héll" {
		t.Fatalf("unexpected first chunk %q", chunks[0].Text)
	}
}

func TestSplit_EmptyText(t *testing.T) {
	s, _ := NewSplitter(10, 2)
	if got := s.Split(Document{Text: ""}); len(got) != 0 {
		t.Fatalf("expected no chunks, got %d", len(got))
	}
}
