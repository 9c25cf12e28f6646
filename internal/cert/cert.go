// Package cert parses signed push certificates. A certificate is an opaque
// byte blob: a header section (version, pusher, pushee, nonce), a blank
// line, one `<old-oid> <new-oid> <ref-name>` line per ref update, and a
// trailing signature block. Parsing never interprets the signature.
package cert

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

// NonceOK is the replay-protection status a certificate must carry to be
// accepted for archival (the value of GIT_PUSH_CERT_NONCE_STATUS on a
// verified nonce).
const NonceOK = "OK"

// RefUpdate is one `<old-oid> <new-oid> <ref-name>` record.
type RefUpdate struct {
	OldOID string
	NewOID string
	Ref    string
}

// Certificate is the parsed view of a push certificate. Raw always holds
// the original bytes verbatim; the parsed fields are derived from them.
type Certificate struct {
	Version string
	Pusher  string
	Pushee  string
	Nonce   string
	Updates []RefUpdate
	Raw     []byte
}

const signatureBegin = "-----BEGIN"

// isOID reports whether s looks like an object id (40 or 64 hex chars).
func isOID(s string) bool {
	if len(s) != 40 && len(s) != 64 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// Parse reads a certificate blob into its structured form.
// It fails on empty input and on any update line whose object ids are
// malformed; unknown header lines are ignored.
func Parse(raw []byte) (*Certificate, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty certificate")
	}

	c := &Certificate{Raw: raw}
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	inHeader := true
	for scanner.Scan() {
		line := scanner.Text()

		if inHeader {
			if line == "" {
				inHeader = false
				continue
			}
			switch {
			case strings.HasPrefix(line, "certificate version "):
				c.Version = strings.TrimPrefix(line, "certificate version ")
			case strings.HasPrefix(line, "pusher "):
				c.Pusher = strings.TrimPrefix(line, "pusher ")
			case strings.HasPrefix(line, "pushee "):
				c.Pushee = strings.TrimPrefix(line, "pushee ")
			case strings.HasPrefix(line, "nonce "):
				c.Nonce = strings.TrimPrefix(line, "nonce ")
			}
			continue
		}

		if line == "" || strings.HasPrefix(line, signatureBegin) {
			break
		}

		fields := strings.SplitN(line, " ", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed update line %q", line)
		}
		if !isOID(fields[0]) || !isOID(fields[1]) {
			return nil, fmt.Errorf("malformed object id in %q", line)
		}
		c.Updates = append(c.Updates, RefUpdate{
			OldOID: fields[0],
			NewOID: fields[1],
			Ref:    fields[2],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan certificate: %w", err)
	}
	if len(c.Updates) == 0 {
		return nil, fmt.Errorf("certificate lists no ref updates")
	}
	return c, nil
}

// RefNames returns the distinct ref names the certificate covers, in the
// order they first appear.
func (c *Certificate) RefNames() []string {
	seen := make(map[string]bool, len(c.Updates))
	var names []string
	for _, u := range c.Updates {
		if !seen[u.Ref] {
			seen[u.Ref] = true
			names = append(names, u.Ref)
		}
	}
	return names
}
