// Package artifact implements the content-addressed blob store (C1): model
// files land on local disk under a configured base directory, streamed
// through a running SHA-256 so size caps are enforced without ever buffering
// a whole file in memory.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	core "github.com/modelforge/controlplane/internal/app/core/service"
	"github.com/modelforge/controlplane/internal/app/apperrors"
	"github.com/modelforge/controlplane/pkg/logger"
)

const chunkSize = 8 * 1024

// Store is the content-addressed artifact store described by C1.
type Store struct {
	baseDir string
	log     *logger.Logger
	hooks   core.ObservationHooks
}

// New constructs a Store rooted at baseDir, creating it if necessary.
func New(baseDir string, log *logger.Logger, hooks core.ObservationHooks) (*Store, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	return &Store{baseDir: abs, log: log, hooks: hooks}, nil
}

// Descriptor advertises this service's placement for the system manager.
func (s *Store) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "artifact-store", Domain: "model-serving", Layer: core.LayerData}
}

// sanitizeName strips directory components from a suggested filename so
// callers cannot smuggle path separators into the stored name.
func sanitizeName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		return "artifact.bin"
	}
	return base
}

// Save streams r into the store in fixed-size chunks, computing a running
// SHA-256 and byte count. It aborts with a StorageFull error the instant the
// running count exceeds maxBytes, without ever holding the full file in
// memory. Returns the logical (store-relative) path, the final size, and the
// hex-encoded SHA-256.
func (s *Store) Save(ctx context.Context, r io.Reader, suggestedName string, maxBytes int64) (path string, size int64, sha256hex string, err error) {
	done := core.StartObservation(ctx, s.hooks, map[string]string{"op": "save"})
	defer func() { done(err) }()

	name := sanitizeName(suggestedName)
	logical := name
	target := filepath.Join(s.baseDir, logical)

	tmp, err := os.CreateTemp(s.baseDir, ".upload-*")
	if err != nil {
		return "", 0, "", apperrors.NewStorageError(apperrors.StorageOther, "create temp file", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	hasher := sha256.New()
	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			total += int64(n)
			if maxBytes > 0 && total > maxBytes {
				return "", 0, "", apperrors.NewStorageError(apperrors.StorageFull, fmt.Sprintf("artifact exceeds max size of %d bytes", maxBytes), nil)
			}
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				return "", 0, "", apperrors.NewStorageError(apperrors.StorageOther, "write chunk", werr)
			}
			hasher.Write(buf[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", 0, "", apperrors.NewStorageError(apperrors.StorageOther, "read upload stream", readErr)
		}
	}
	if err := tmp.Close(); err != nil {
		return "", 0, "", apperrors.NewStorageError(apperrors.StorageOther, "close temp file", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return "", 0, "", apperrors.NewStorageError(apperrors.StorageOther, "finalize artifact", err)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	s.log.WithField("path", logical).WithField("size", total).Debug("artifact saved")
	return logical, total, sum, nil
}

// Get returns the full contents addressed by a logical path.
func (s *Store) Get(path string) ([]byte, error) {
	abs, err := s.Resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NewStorageError(apperrors.StorageNotFound, "artifact not found", err)
		}
		return nil, apperrors.NewStorageError(apperrors.StorageOther, "read artifact", err)
	}
	return data, nil
}

// Delete removes the blob at path, returning false (not an error) if it was
// already absent.
func (s *Store) Delete(path string) (bool, error) {
	abs, err := s.Resolve(path)
	if err != nil {
		return false, err
	}
	if err := os.Remove(abs); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, apperrors.NewStorageError(apperrors.StorageOther, "delete artifact", err)
	}
	return true, nil
}

// Exists reports whether the blob at path is present.
func (s *Store) Exists(path string) bool {
	abs, err := s.Resolve(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

// Ping reports whether the base directory is still present and writable,
// satisfying health.Pinger for the artifact store's health component check.
func (s *Store) Ping(ctx context.Context) error {
	info, err := os.Stat(s.baseDir)
	if err != nil {
		return apperrors.NewStorageError(apperrors.StorageOther, "artifact base directory unavailable", err)
	}
	if !info.IsDir() {
		return apperrors.NewStorageError(apperrors.StorageOther, "artifact base path is not a directory", nil)
	}
	return nil
}

// Resolve canonicalizes a logical path into an absolute path rooted at the
// store's base directory, rejecting any path that escapes it after
// canonicalization (P8).
func (s *Store) Resolve(path string) (string, error) {
	joined := filepath.Join(s.baseDir, path)
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", apperrors.NewStorageError(apperrors.StorageOther, "resolve path", err)
	}
	rel, err := filepath.Rel(s.baseDir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apperrors.NewStorageError(apperrors.StorageOther, "path escapes artifact base directory", nil)
	}
	return abs, nil
}
