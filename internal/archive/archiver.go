package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	gocid "github.com/ipfs/go-cid"

	"github.com/pushlog/pushlog/internal/cas"
	"github.com/pushlog/pushlog/internal/cert"
)

// Commit archives one staged batch: every certificate in the batch becomes
// a new log entry threaded as a child of the running head, FIFO, and HEAD
// is advanced exactly once after the whole chain is built. A missing or
// unparsable certificate aborts the whole batch without moving HEAD and
// leaves the staging area on disk for inspection or retry. Returns the new
// head, or the unchanged head for an empty batch.
func (r *Repository) Commit(batchID string) (gocid.Cid, error) {
	var newHead gocid.Cid
	err := r.withArchive(func() error {
		stagingPath := filepath.Join(r.stagingDir(), batchID)
		if _, err := os.Stat(stagingPath); err != nil {
			return fmt.Errorf("batch %s: %w", batchID, err)
		}

		ids, err := readManifest(filepath.Join(stagingPath, "manifest"))
		if err != nil {
			return err
		}

		head, err := r.Head()
		if err != nil {
			return err
		}

		if len(ids) == 0 {
			// Nothing staged; discard the area, HEAD unchanged.
			newHead = head
			return os.RemoveAll(stagingPath)
		}

		// Thread one entry per certificate. Entries written here are
		// unreachable until the HEAD update below, so an interruption
		// mid-loop leaves only harmless orphan blobs.
		running := head
		for _, c := range ids {
			raw, err := r.Store.Get(c)
			if err != nil {
				return fmt.Errorf("batch %s: certificate %s unreadable: %w", batchID, c, err)
			}
			parsed, err := cert.Parse(raw)
			if err != nil {
				return fmt.Errorf("batch %s: certificate %s: %w", batchID, c, err)
			}

			refs := make(map[string]string)
			for _, name := range parsed.RefNames() {
				refs[name] = cas.Encode(c)
			}

			e := &Entry{
				V:         1,
				Timestamp: time.Now().UTC(),
				Refs:      refs,
				Cert:      raw,
			}
			if running != cas.Undef {
				e.Parent = cas.Encode(running)
			}

			data, err := CanonicalJSON(e)
			if err != nil {
				return fmt.Errorf("serialize entry: %w", err)
			}
			ec, err := r.Store.Put(data)
			if err != nil {
				return fmt.Errorf("store entry: %w", err)
			}
			running = ec
		}

		if err := r.writeHead(running); err != nil {
			return err
		}
		newHead = running

		// Discard only after HEAD has moved.
		if err := os.RemoveAll(stagingPath); err != nil {
			return fmt.Errorf("discard staging %s: %w", batchID, err)
		}
		return nil
	})
	if err != nil {
		return cas.Undef, err
	}
	return newHead, nil
}

// Sweep is the out-of-band flush: it commits staging areas left behind by
// interrupted archivals (oldest first), then rotates and commits any
// non-empty pending set regardless of threshold. Sweeping an empty
// repository is a no-op; HEAD does not move.
func (r *Repository) Sweep() (gocid.Cid, error) {
	staged, err := r.StagedBatches()
	if err != nil {
		return cas.Undef, err
	}
	for _, batchID := range staged {
		if _, err := r.Commit(batchID); err != nil {
			return cas.Undef, err
		}
	}

	batchID, err := r.MaybeRotate(1)
	if err != nil {
		return cas.Undef, err
	}
	if batchID != "" {
		if _, err := r.Commit(batchID); err != nil {
			return cas.Undef, err
		}
	}
	return r.Head()
}

// Ingest is the per-transaction entry point. Certificates whose
// replay-protection nonce status is not "OK" are silently dropped before
// anything touches disk. Accepted certificates are stored, and if the
// threshold is crossed the resulting batch is archived synchronously.
// Returns whether the certificate was accepted.
func (r *Repository) Ingest(certBytes []byte, nonceStatus string, threshold int) (bool, error) {
	if nonceStatus != cert.NonceOK {
		return false, nil
	}
	if _, err := cert.Parse(certBytes); err != nil {
		return false, fmt.Errorf("reject certificate: %w", err)
	}

	if _, err := r.Accept(certBytes); err != nil {
		return false, err
	}

	batchID, err := r.MaybeRotate(threshold)
	if err != nil {
		return true, err
	}
	if batchID != "" {
		if _, err := r.Commit(batchID); err != nil {
			return true, err
		}
	}
	return true, nil
}
