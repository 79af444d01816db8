// Package catalog loads, seeds and caches the authored question catalog.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/IntakePipe/internal/condition"
	"github.com/BTreeMap/IntakePipe/internal/models"
)

// DefaultCacheSize is the number of catalog revisions kept in memory.
const DefaultCacheSize = 8

// File is the on-disk catalog document.
type File struct {
	Questions []map[string]any `yaml:"questions"`
}

// Parse decodes a YAML catalog. Entries go through the JSON decoder of
// models.QuestionDefinition so typed input configs are selected by type.
func Parse(data []byte) ([]models.QuestionDefinition, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
	}
	raw, err := json.Marshal(f.Questions)
	if err != nil {
		return nil, fmt.Errorf("failed to convert catalog: %w", err)
	}
	var qs []models.QuestionDefinition
	if err := json.Unmarshal(raw, &qs); err != nil {
		return nil, fmt.Errorf("failed to decode catalog questions: %w", err)
	}
	if err := Check(qs); err != nil {
		return nil, err
	}
	models.SortByOrder(qs)
	return qs, nil
}

// LoadFile reads and parses a YAML catalog file.
func LoadFile(path string) ([]models.QuestionDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file %s: %w", path, err)
	}
	qs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	slog.Debug("Catalog.LoadFile: loaded catalog", "path", path, "questions", len(qs))
	return qs, nil
}

// Check validates every entry and rejects duplicate keys and active questions
// sharing an order.
func Check(qs []models.QuestionDefinition) error {
	seen := make(map[string]bool, len(qs))
	orders := make(map[int]string, len(qs))
	for _, q := range qs {
		if err := q.Validate(); err != nil {
			return err
		}
		if seen[q.Key] {
			return fmt.Errorf("duplicate question key %q", q.Key)
		}
		seen[q.Key] = true
		if ops := condition.UnknownOperators(q.ShowCondition); len(ops) > 0 {
			slog.Warn("catalog.Check: unknown operators evaluate as satisfied", "key", q.Key, "operators", ops)
		}
		if !q.IsActive {
			continue
		}
		if other, ok := orders[q.Order]; ok {
			return fmt.Errorf("questions %q and %q share order %d", other, q.Key, q.Order)
		}
		orders[q.Order] = q.Key
	}
	return nil
}

// Writer is the subset of the store used to seed the catalog.
type Writer interface {
	SaveQuestion(ctx context.Context, q models.QuestionDefinition) error
}

// Seed writes every question to the store, replacing entries with the same key.
func Seed(ctx context.Context, w Writer, qs []models.QuestionDefinition) error {
	if err := Check(qs); err != nil {
		return err
	}
	for _, q := range qs {
		if err := w.SaveQuestion(ctx, q); err != nil {
			return fmt.Errorf("failed to seed question %s: %w", q.Key, err)
		}
	}
	slog.Info("Catalog.Seed: catalog seeded", "questions", len(qs))
	return nil
}

// Version returns a content hash of the ordered catalog.
func Version(qs []models.QuestionDefinition) string {
	sorted := append([]models.QuestionDefinition(nil), qs...)
	models.SortByOrder(sorted)
	raw, err := json.Marshal(sorted)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Snapshot is the active catalog at one revision.
type Snapshot struct {
	Questions []models.QuestionDefinition
	Version   string
}

// Source is the subset of the store the reader needs.
type Source interface {
	ListActiveQuestions(ctx context.Context) ([]models.QuestionDefinition, error)
	CatalogRevision(ctx context.Context) (int64, error)
}

// Reader returns the current catalog snapshot.
type Reader interface {
	Current(ctx context.Context) (Snapshot, error)
}

// CachedReader memoizes catalog snapshots by store revision. Any catalog
// write bumps the revision, so stale entries are never served.
type CachedReader struct {
	src   Source
	cache *lru.Cache[int64, Snapshot]
}

// NewCachedReader wraps src with an LRU cache of the given size.
func NewCachedReader(src Source, size int) (*CachedReader, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[int64, Snapshot](size)
	if err != nil {
		return nil, err
	}
	return &CachedReader{src: src, cache: cache}, nil
}

// Current returns the snapshot for the store's current revision.
func (r *CachedReader) Current(ctx context.Context) (Snapshot, error) {
	rev, err := r.src.CatalogRevision(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if snap, ok := r.cache.Get(rev); ok {
		return snap, nil
	}
	qs, err := r.src.ListActiveQuestions(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	models.SortByOrder(qs)
	snap := Snapshot{Questions: qs, Version: Version(qs)}
	r.cache.Add(rev, snap)
	slog.Debug("CachedReader.Current: catalog loaded", "revision", rev, "version", snap.Version, "questions", len(qs))
	return snap, nil
}

// Static serves a fixed catalog. Useful for tests and read-only deployments.
type Static struct {
	snap Snapshot
}

// NewStatic returns a reader over qs.
func NewStatic(qs []models.QuestionDefinition) *Static {
	sorted := append([]models.QuestionDefinition(nil), qs...)
	models.SortByOrder(sorted)
	return &Static{snap: Snapshot{Questions: sorted, Version: Version(sorted)}}
}

// Current returns the fixed snapshot.
func (s *Static) Current(context.Context) (Snapshot, error) {
	return s.snap, nil
}
