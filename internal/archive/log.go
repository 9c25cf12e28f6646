package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	gocid "github.com/ipfs/go-cid"

	"github.com/pushlog/pushlog/internal/cas"
)

// Head returns the content-id of the current log head entry, or cas.Undef
// if the log has never been initialized.
func (r *Repository) Head() (gocid.Cid, error) {
	data, err := os.ReadFile(r.headPath())
	if os.IsNotExist(err) {
		return cas.Undef, nil
	}
	if err != nil {
		return cas.Undef, fmt.Errorf("read HEAD: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return cas.Undef, nil
	}
	return cas.Decode(s)
}

// writeHead atomically points HEAD at the given entry. This is the sole
// linearization point of a commit; callers hold the archival lock.
func (r *Repository) writeHead(c gocid.Cid) error {
	if err := cas.WriteAtomic(r.headPath(), []byte(cas.Encode(c)+"\n"), 0644); err != nil {
		return fmt.Errorf("write HEAD: %w", err)
	}
	return nil
}

// GetEntry reads and unmarshals a log entry by content-id.
func (r *Repository) GetEntry(c gocid.Cid) (*Entry, error) {
	data, err := r.Store.Get(c)
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal entry %s: %w", c, err)
	}
	return &e, nil
}

// Log walks the parent chain from HEAD, returning up to n entries
// (newest first). n <= 0 walks the whole chain.
func (r *Repository) Log(n int) ([]Entry, error) {
	head, err := r.Head()
	if err != nil || head == cas.Undef {
		return nil, err
	}

	var entries []Entry
	current := head
	for (n <= 0 || len(entries) < n) && current != cas.Undef {
		e, err := r.GetEntry(current)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)

		if e.Parent == "" {
			break
		}
		current, err = cas.Decode(e.Parent)
		if err != nil {
			return nil, fmt.Errorf("follow parent: %w", err)
		}
	}
	return entries, nil
}

// EntriesForRef returns the log entries whose certificate touched the
// given ref, in chronological order. Each entry's Cert field holds the
// original certificate bytes verbatim.
func (r *Repository) EntriesForRef(ref string) ([]Entry, error) {
	all, err := r.Log(0)
	if err != nil {
		return nil, err
	}
	var matched []Entry
	// Walk order is newest first; prepend to end up chronological.
	for _, e := range all {
		if _, ok := e.Refs[ref]; ok {
			matched = append([]Entry{e}, matched...)
		}
	}
	return matched, nil
}

// RefNames returns every ref name mentioned anywhere in the log, sorted.
func (r *Repository) RefNames() ([]string, error) {
	all, err := r.Log(0)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, e := range all {
		for name := range e.Refs {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
