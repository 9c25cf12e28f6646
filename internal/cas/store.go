// Package cas is a content-addressed blob store. Every blob is keyed by a
// CIDv1 (raw codec, SHA2-256) and stored as an immutable file, so writes of
// identical content are idempotent and concurrent writers never collide.
package cas

import (
	"fmt"
	"os"
	"path/filepath"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

// Undef is the zero CID value, exported for use by other packages.
var Undef = gocid.Undef

// Store manages CID-addressed immutable blobs on disk.
type Store struct {
	dir string // path to objects/ directory
}

// NewStore creates a Store at the given directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create objects dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Sum computes the content-id (CIDv1, raw codec, SHA2-256) for data.
// Identical bytes always yield the same id.
func Sum(data []byte) (gocid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return gocid.Undef, fmt.Errorf("multihash: %w", err)
	}
	return gocid.NewCidV1(gocid.Raw, mh), nil
}

// Encode returns the base32lower encoding of a CID, used both as the blob
// filename and as the wire form in manifests and HEAD.
func Encode(c gocid.Cid) string {
	encoded, _ := multibase.Encode(multibase.Base32, c.Bytes())
	return encoded
}

// Decode parses the base32lower form produced by Encode.
func Decode(s string) (gocid.Cid, error) {
	_, cidBytes, err := multibase.Decode(s)
	if err != nil {
		return gocid.Undef, fmt.Errorf("decode cid %q: %w", s, err)
	}
	return gocid.Cast(cidBytes)
}

// Put writes data to the store, returning its content-id.
// If the blob already exists this is a no-op beyond returning the id.
func (s *Store) Put(data []byte) (gocid.Cid, error) {
	c, err := Sum(data)
	if err != nil {
		return gocid.Undef, err
	}
	path := filepath.Join(s.dir, Encode(c))
	if _, err := os.Stat(path); err == nil {
		return c, nil // already exists
	}
	if err := WriteAtomic(path, data, 0644); err != nil {
		return gocid.Undef, fmt.Errorf("write blob: %w", err)
	}
	return c, nil
}

// Get reads a blob by content-id.
func (s *Store) Get(c gocid.Cid) ([]byte, error) {
	path := filepath.Join(s.dir, Encode(c))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", c, err)
	}
	return data, nil
}

// Has checks whether a blob exists.
func (s *Store) Has(c gocid.Cid) bool {
	path := filepath.Join(s.dir, Encode(c))
	_, err := os.Stat(path)
	return err == nil
}
