// Package archive accumulates signed push certificates into a pending set,
// rotates the set into batches once a threshold is reached, and folds each
// batch into a content-addressed append-only log indexed by ref name.
//
// Two independent advisory lock domains serialize the work: the collection
// lock guards the pending manifest (accept + rotate), the archival lock
// guards the log head (commit). A slow commit never stalls producers.
package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pushlog/pushlog/internal/cas"
	"github.com/pushlog/pushlog/internal/locker"
)

// DefaultThreshold archives after every single certificate unless a larger
// batch size is configured.
const DefaultThreshold = 1

// Repository is the top-level facade over the on-disk layout:
//
//	.pushlog/
//	  objects/           content-addressed blobs (certificates + entries)
//	  pending/manifest   ordered content-ids awaiting archival
//	  staging/<id>/      rotated batches awaiting commit
//	  locks/             collect.lock, archive.lock
//	  HEAD               content-id of the newest log entry
type Repository struct {
	root  string
	Store *cas.Store
}

// Open opens or creates a repository rooted at the given path.
func Open(root string) (*Repository, error) {
	dataDir := filepath.Join(root, ".pushlog")

	for _, dir := range []string{
		dataDir,
		filepath.Join(dataDir, "objects"),
		filepath.Join(dataDir, "pending"),
		filepath.Join(dataDir, "staging"),
		filepath.Join(dataDir, "locks"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	// Create meta.json if it doesn't exist
	metaPath := filepath.Join(dataDir, "meta.json")
	if _, err := os.Stat(metaPath); os.IsNotExist(err) {
		meta := map[string]interface{}{
			"version": 1,
			"created": time.Now().UTC().Format(time.RFC3339),
		}
		data, _ := json.MarshalIndent(meta, "", "  ")
		os.WriteFile(metaPath, data, 0644)
	}

	store, err := cas.NewStore(filepath.Join(dataDir, "objects"))
	if err != nil {
		return nil, err
	}

	return &Repository{root: root, Store: store}, nil
}

// DataDir returns the path to the .pushlog/ data directory.
func (r *Repository) DataDir() string {
	return filepath.Join(r.root, ".pushlog")
}

func (r *Repository) pendingDir() string {
	return filepath.Join(r.DataDir(), "pending")
}

func (r *Repository) manifestPath() string {
	return filepath.Join(r.pendingDir(), "manifest")
}

func (r *Repository) stagingDir() string {
	return filepath.Join(r.DataDir(), "staging")
}

func (r *Repository) headPath() string {
	return filepath.Join(r.DataDir(), "HEAD")
}

// withCollect runs fn under the collection lock (pending manifest + rotate).
func (r *Repository) withCollect(fn func() error) error {
	return locker.With(filepath.Join(r.DataDir(), "locks", "collect.lock"), fn)
}

// withArchive runs fn under the archival lock (log head + staging discard).
func (r *Repository) withArchive(fn func() error) error {
	return locker.With(filepath.Join(r.DataDir(), "locks", "archive.lock"), fn)
}
