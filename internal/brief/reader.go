package brief

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MimeLyc/contentpipe/internal/apperr"
)

// Reader loads briefs by id.
type Reader interface {
	Read(ctx context.Context, briefID string) (*Brief, error)
}

// FileReader reads briefs from <dir>/<id>.json.
type FileReader struct {
	dir string
}

func NewFileReader(dir string) *FileReader {
	return &FileReader{dir: dir}
}

func (r *FileReader) Read(_ context.Context, briefID string) (*Brief, error) {
	if strings.TrimSpace(briefID) == "" || strings.ContainsAny(briefID, `/\`) || strings.Contains(briefID, "..") {
		return nil, apperr.Validation("invalid brief id %q", briefID)
	}
	return ReadFile(filepath.Join(r.dir, briefID+".json"))
}

// ReadFile decodes and validates a single brief file.
func ReadFile(path string) (*Brief, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperr.NotFound("brief file %s not found", path)
		}
		return nil, fmt.Errorf("read brief %s: %w", path, err)
	}
	return Decode(data)
}

func Decode(data []byte) (*Brief, error) {
	var b Brief
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrValidation, "malformed brief json")
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// MemoryReader serves briefs from memory.
type MemoryReader struct {
	mu     sync.RWMutex
	briefs map[string]*Brief
}

func NewMemoryReader(briefs ...*Brief) *MemoryReader {
	r := &MemoryReader{briefs: make(map[string]*Brief, len(briefs))}
	for _, b := range briefs {
		r.Put(b)
	}
	return r
}

func (r *MemoryReader) Put(b *Brief) {
	r.mu.Lock()
	r.briefs[b.ID] = b
	r.mu.Unlock()
}

func (r *MemoryReader) Read(_ context.Context, briefID string) (*Brief, error) {
	r.mu.RLock()
	b, ok := r.briefs[briefID]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("brief %s not found", briefID)
	}
	cp := *b
	cp.Outline = append([]OutlineSection(nil), b.Outline...)
	cp.Keywords = append([]string(nil), b.Keywords...)
	return &cp, nil
}
