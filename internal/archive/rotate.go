package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// MaybeRotate checks the pending count against threshold and, once reached,
// hands the whole pending area off to a uniquely named staging area with a
// single atomic rename, then recreates an empty pending area. Returns the
// staging area's batch id, or "" if the threshold was not reached.
// A non-positive threshold falls back to DefaultThreshold.
func (r *Repository) MaybeRotate(threshold int) (string, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	var batchID string
	err := r.withCollect(func() error {
		ids, err := readManifest(r.manifestPath())
		if err != nil {
			return err
		}
		if len(ids) == 0 || len(ids) < threshold {
			return nil
		}

		// UnixNano first keeps staging names in rotation order; the pid
		// disambiguates producers racing within the same nanosecond.
		id := fmt.Sprintf("%d-%d", time.Now().UnixNano(), os.Getpid())
		dest := filepath.Join(r.stagingDir(), id)
		if err := os.Rename(r.pendingDir(), dest); err != nil {
			return fmt.Errorf("rotate pending to staging: %w", err)
		}
		if err := os.MkdirAll(r.pendingDir(), 0755); err != nil {
			return fmt.Errorf("recreate pending dir: %w", err)
		}
		batchID = id
		return nil
	})
	if err != nil {
		return "", err
	}
	return batchID, nil
}

// StagedBatches lists staging areas awaiting commit, oldest first. A
// non-empty result outside an in-flight archival means a previous commit
// was interrupted; Sweep picks these up.
func (r *Repository) StagedBatches() ([]string, error) {
	entries, err := os.ReadDir(r.stagingDir())
	if err != nil {
		return nil, fmt.Errorf("list staging: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
