package vectorindex

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/suPer8Hu/ragchat/internal/common"
	"gopkg.in/yaml.v3"
)

const manifestFile = "manifest.yaml"

// Manifest ties an index build to the embedding model that produced it.
type Manifest struct {
	BuildID        string    `yaml:"build_id"`
	Backend        string    `yaml:"backend"`
	EmbeddingModel string    `yaml:"embedding_model"`
	Dimension      int       `yaml:"dimension"`
	ChunkSize      int       `yaml:"chunk_size"`
	ChunkOverlap   int       `yaml:"chunk_overlap"`
	Documents      int       `yaml:"documents"`
	Chunks         int       `yaml:"chunks"`
	DataFile       string    `yaml:"data_file,omitempty"`
	Collection     string    `yaml:"collection,omitempty"`
	CreatedAt      time.Time `yaml:"created_at"`
}

func newManifest(opts BuildOptions, dim, chunks int) (Manifest, error) {
	id, err := common.NewULID()
	if err != nil {
		return Manifest{}, err
	}
	return Manifest{
		BuildID:        id,
		Backend:        opts.Backend,
		EmbeddingModel: opts.EmbeddingModel,
		Dimension:      dim,
		ChunkSize:      opts.ChunkSize,
		ChunkOverlap:   opts.ChunkOverlap,
		Documents:      opts.Documents,
		Chunks:         chunks,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

func ReadManifest(dir string) (Manifest, error) {
	b, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return Manifest{}, fmt.Errorf("read index manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse index manifest: %w", err)
	}
	if m.BuildID == "" || m.Dimension <= 0 {
		return Manifest{}, fmt.Errorf("index manifest in %s is incomplete", dir)
	}
	return m, nil
}

func writeManifest(dir string, m Manifest) error {
	b, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, manifestFile+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, manifestFile))
}
