package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// fileCursorRepo persists the projector's per-stream cursor as the literal
// external interface in §6: one UTF-8 text file per tenant and stream key,
// named "<cursor_dir>/cursor_<tenant_id>_<sanitized_stream_key>.txt" (colons
// replaced with underscores), containing the decimal integer last_seq. The
// tenant id is part of the file name; there is no tenant-less
// "cursor_<sanitized_stream_key>.txt" file. Grounded on the
// teacher's credentials.Store file-backed-state pattern: an in-memory map
// guarded by a mutex, flushed to disk on every write.
type fileCursorRepo struct {
	mu  sync.Mutex
	dir string
}

// NewFileCursorRepository persists cursors under dir, creating it if needed.
func NewFileCursorRepository(dir string) (CursorRepository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cursor dir: %w", err)
	}
	return &fileCursorRepo{dir: dir}, nil
}

func sanitizeStreamKey(streamKey string) string {
	return strings.ReplaceAll(streamKey, ":", "_")
}

func (r *fileCursorRepo) cursorPath(tenantID uuid.UUID, streamKey string) string {
	name := fmt.Sprintf("cursor_%s_%s.txt", tenantID.String(), sanitizeStreamKey(streamKey))
	return filepath.Join(r.dir, name)
}

func (r *fileCursorRepo) LastProjected(ctx context.Context, tenantID uuid.UUID, streamKey string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.cursorPath(tenantID, streamKey))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor file: %w", err)
	}
	seq, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cursor file: %w", err)
	}
	return seq, nil
}

func (r *fileCursorRepo) SetLastProjected(ctx context.Context, tenantID uuid.UUID, streamKey string, seq int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := r.cursorPath(tenantID, streamKey)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(seq, 10)), 0o644); err != nil {
		return fmt.Errorf("write cursor file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit cursor file: %w", err)
	}
	return nil
}
