package archive

import (
	"bufio"
	"fmt"
	"os"

	gocid "github.com/ipfs/go-cid"

	"github.com/pushlog/pushlog/internal/cas"
)

// readManifest reads an ordered list of content-ids, one base32 CID per
// line. A missing file is an empty manifest; a malformed line is an error,
// since the manifest is written only by this package.
func readManifest(path string) ([]gocid.Cid, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	var ids []gocid.Cid
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		c, err := cas.Decode(line)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: %w", path, err)
		}
		ids = append(ids, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan manifest: %w", err)
	}
	return ids, nil
}

// Accept writes a certificate blob to the store and appends its content-id
// to the pending manifest, blob first so an interruption between the two
// writes never leaves a manifest line without a blob. Re-accepting
// identical bytes before rotation is a no-op beyond returning the id.
func (r *Repository) Accept(certBytes []byte) (gocid.Cid, error) {
	if len(certBytes) == 0 {
		return cas.Undef, fmt.Errorf("empty certificate")
	}

	var id gocid.Cid
	err := r.withCollect(func() error {
		c, err := r.Store.Put(certBytes)
		if err != nil {
			return fmt.Errorf("store certificate: %w", err)
		}

		ids, err := readManifest(r.manifestPath())
		if err != nil {
			return err
		}
		for _, existing := range ids {
			if existing.Equals(c) {
				id = c
				return nil // already pending
			}
		}

		if err := cas.AppendSync(r.manifestPath(), []byte(cas.Encode(c)+"\n")); err != nil {
			return fmt.Errorf("append manifest: %w", err)
		}
		id = c
		return nil
	})
	if err != nil {
		return cas.Undef, err
	}
	return id, nil
}

// PendingCount returns the number of certificates awaiting archival.
func (r *Repository) PendingCount() (int, error) {
	count := 0
	err := r.withCollect(func() error {
		ids, err := readManifest(r.manifestPath())
		if err != nil {
			return err
		}
		count = len(ids)
		return nil
	})
	return count, err
}
