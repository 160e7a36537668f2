package rag

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

var ErrNoDocuments = errors.New("no documents found")

// Document is one loadable unit of text. PDFs yield one Document per page.
type Document struct {
	Source string
	Page   int
	Text   string
}

type Loader struct {
	exts map[string]bool
}

func NewLoader(extensions []string) *Loader {
	if len(extensions) == 0 {
		extensions = []string{".txt", ".md"}
	}
	exts := make(map[string]bool, len(extensions))
	for _, e := range extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = true
	}
	return &Loader{exts: exts}
}

// Load walks dir recursively in lexical order. A missing dir yields an error
// wrapping os.ErrNotExist; a dir with no matching non-empty files yields
// ErrNoDocuments.
func (l *Loader) Load(ctx context.Context, dir string) ([]Document, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("open source dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source %s is not a directory", dir)
	}

	var docs []Document
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if !l.exts[ext] {
			return nil
		}

		var loaded []Document
		if ext == ".pdf" {
			loaded, err = loadPDF(path)
		} else {
			loaded, err = loadText(path)
		}
		if err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		docs = append(docs, loaded...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoDocuments, dir)
	}
	return docs, nil
}

func loadText(path string) ([]Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := strings.ToValidUTF8(string(b), "�")
	if strings.TrimSpace(text) == "" {
		log.Printf("[Loader] skip empty file %s", path)
		return nil, nil
	}
	return []Document{{Source: path, Text: text}}, nil
}

func loadPDF(path string) ([]Document, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var docs []Document
	fonts := make(map[string]*pdf.Font)
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		for _, name := range p.Fonts() {
			if _, ok := fonts[name]; !ok {
				font := p.Font(name)
				fonts[name] = &font
			}
		}
		text, err := p.GetPlainText(fonts)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		docs = append(docs, Document{Source: path, Page: i, Text: text})
	}
	return docs, nil
}
