package vectorindex

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type chunkRow struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	Source     string `gorm:"type:varchar(1024);not null"`
	Page       int    `gorm:"not null"`
	Offset     int    `gorm:"not null"`
	ChunkIndex int    `gorm:"not null"`
	Text       string `gorm:"type:text;not null"`
	Vector     []byte `gorm:"not null"`
}

func (chunkRow) TableName() string { return "chunks" }

func openSQLite(path string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func encodeVector(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("corrupt vector blob of %d bytes", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

func writeLocal(ctx context.Context, dir, file string, chunks []Chunk, vectors [][]float32) error {
	path := filepath.Join(dir, file)
	_ = os.Remove(path)

	db, err := openSQLite(path)
	if err != nil {
		return fmt.Errorf("open index db: %w", err)
	}
	defer closeDB(db)

	if err := db.WithContext(ctx).AutoMigrate(&chunkRow{}); err != nil {
		return fmt.Errorf("migrate index db: %w", err)
	}
	rows := make([]chunkRow, len(chunks))
	for i, c := range chunks {
		rows[i] = chunkRow{
			Source:     c.Source,
			Page:       c.Page,
			Offset:     c.Offset,
			ChunkIndex: c.Index,
			Text:       c.Text,
			Vector:     encodeVector(vectors[i]),
		}
	}
	if err := db.WithContext(ctx).CreateInBatches(rows, 200).Error; err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("write index rows: %w", err)
	}
	return nil
}

// removeStaleData deletes data files of previous builds. Readers that still
// hold an old index keep their in-memory copy.
func removeStaleData(dir, keep string) {
	matches, _ := filepath.Glob(filepath.Join(dir, "chunks-*.db"))
	for _, p := range matches {
		if filepath.Base(p) == keep {
			continue
		}
		if err := os.Remove(p); err != nil {
			log.Printf("[VectorIndex] remove stale data file %s: %v", p, err)
		}
	}
}

// localIndex keeps every vector in memory and scans them all per query.
type localIndex struct {
	manifest Manifest
	chunks   []Chunk
	vectors  [][]float32
}

func openLocal(ctx context.Context, dir string, m Manifest) (*localIndex, error) {
	if m.DataFile == "" {
		return nil, fmt.Errorf("index manifest %s has no data file", m.BuildID)
	}
	path := filepath.Join(dir, m.DataFile)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open index data: %w", err)
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	defer closeDB(db)

	var rows []chunkRow
	if err := db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read index rows: %w", err)
	}

	idx := &localIndex{
		manifest: m,
		chunks:   make([]Chunk, len(rows)),
		vectors:  make([][]float32, len(rows)),
	}
	for i, r := range rows {
		v, err := decodeVector(r.Vector)
		if err != nil {
			return nil, err
		}
		if len(v) != m.Dimension {
			return nil, fmt.Errorf("%w: row %d has %d, manifest says %d", ErrDimensionMismatch, r.ID, len(v), m.Dimension)
		}
		idx.chunks[i] = Chunk{Source: r.Source, Page: r.Page, Offset: r.Offset, Index: r.ChunkIndex, Text: r.Text}
		idx.vectors[i] = v
	}
	return idx, nil
}

func (l *localIndex) Manifest() Manifest { return l.manifest }

func (l *localIndex) Close() error { return nil }

func (l *localIndex) scan(ctx context.Context, query []float32) ([]candidate, error) {
	if err := checkQuery(l.manifest, query); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cands := make([]candidate, len(l.chunks))
	for i := range l.chunks {
		cands[i] = candidate{hit: newHit(l.chunks[i], cosine(query, l.vectors[i])), vector: l.vectors[i]}
	}
	return cands, nil
}

// nearest sorts cands in place and returns the k closest.
func nearest(cands []candidate, k int) []candidate {
	sortCandidates(cands)
	if k > len(cands) {
		k = len(cands)
	}
	return cands[:k]
}

func (l *localIndex) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	cands, err := l.scan(ctx, query)
	if err != nil {
		return nil, err
	}
	top := nearest(cands, k)
	hits := make([]Hit, len(top))
	for i, c := range top {
		hits[i] = c.hit
	}
	return hits, nil
}

func (l *localIndex) SearchMMR(ctx context.Context, query []float32, k, fetchK int, lambda float64) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	if fetchK < k {
		fetchK = k
	}
	cands, err := l.scan(ctx, query)
	if err != nil {
		return nil, err
	}
	return selectMMR(nearest(cands, fetchK), k, lambda), nil
}
