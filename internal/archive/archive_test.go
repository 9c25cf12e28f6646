package archive

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pushlog/pushlog/internal/cas"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return repo
}

var certSeq int

// makeCert builds a distinct, well-formed push certificate covering refs.
func makeCert(refs ...string) []byte {
	certSeq++
	var b bytes.Buffer
	fmt.Fprintf(&b, "certificate version 0.1\n")
	fmt.Fprintf(&b, "pusher Alice <alice@example.com> 1718000000 +0000\n")
	fmt.Fprintf(&b, "pushee https://example.com/repo.git\n")
	fmt.Fprintf(&b, "nonce 1718000000-%04d\n\n", certSeq)
	for i, ref := range refs {
		fmt.Fprintf(&b, "%040x %040x %s\n", certSeq*100+i, certSeq*100+i+1, ref)
	}
	fmt.Fprintf(&b, "\n-----BEGIN PGP SIGNATURE-----\nfake\n-----END PGP SIGNATURE-----\n")
	return b.Bytes()
}

func TestAccept_AppendsPending(t *testing.T) {
	r := openTestRepo(t)

	id, err := r.Accept(makeCert("refs/heads/main"))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if !r.Store.Has(id) {
		t.Error("certificate blob not in store")
	}

	n, err := r.PendingCount()
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if n != 1 {
		t.Errorf("PendingCount = %d, want 1", n)
	}
}

func TestAccept_Empty(t *testing.T) {
	r := openTestRepo(t)

	if _, err := r.Accept(nil); err == nil {
		t.Fatal("expected error for empty certificate")
	}
}

func TestAccept_IdenticalBytesDedup(t *testing.T) {
	r := openTestRepo(t)

	raw := makeCert("refs/heads/main")
	id1, err := r.Accept(raw)
	if err != nil {
		t.Fatalf("Accept 1: %v", err)
	}
	id2, err := r.Accept(raw)
	if err != nil {
		t.Fatalf("Accept 2: %v", err)
	}
	if !id1.Equals(id2) {
		t.Errorf("ids differ: %s vs %s", id1, id2)
	}

	n, _ := r.PendingCount()
	if n != 1 {
		t.Errorf("PendingCount = %d, want 1 (no duplicate manifest line)", n)
	}
}

func TestMaybeRotate_BelowThreshold(t *testing.T) {
	r := openTestRepo(t)

	r.Accept(makeCert("refs/heads/main"))

	batchID, err := r.MaybeRotate(5)
	if err != nil {
		t.Fatalf("MaybeRotate: %v", err)
	}
	if batchID != "" {
		t.Errorf("rotated below threshold: batch %q", batchID)
	}

	n, _ := r.PendingCount()
	if n != 1 {
		t.Errorf("PendingCount = %d after no-op rotation, want 1", n)
	}
}

func TestMaybeRotate_EmptyPending(t *testing.T) {
	r := openTestRepo(t)

	batchID, err := r.MaybeRotate(1)
	if err != nil {
		t.Fatalf("MaybeRotate: %v", err)
	}
	if batchID != "" {
		t.Errorf("rotated empty pending set: batch %q", batchID)
	}
}

func TestRotationCount_FloorNOverT(t *testing.T) {
	r := openTestRepo(t)

	const n, threshold = 7, 3
	rotations := 0
	for i := 0; i < n; i++ {
		if _, err := r.Accept(makeCert(fmt.Sprintf("refs/heads/b%d", i))); err != nil {
			t.Fatalf("Accept %d: %v", i, err)
		}
		batchID, err := r.MaybeRotate(threshold)
		if err != nil {
			t.Fatalf("MaybeRotate %d: %v", i, err)
		}
		if batchID != "" {
			rotations++
		}
	}

	if want := n / threshold; rotations != want {
		t.Errorf("rotations = %d, want %d", rotations, want)
	}
	pending, _ := r.PendingCount()
	if pending != n%threshold {
		t.Errorf("PendingCount = %d, want %d", pending, n%threshold)
	}
}

func TestCommit_RoundTripByRef(t *testing.T) {
	r := openTestRepo(t)

	raw := makeCert("refs/heads/main")
	if _, err := r.Accept(raw); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	batchID, err := r.MaybeRotate(1)
	if err != nil || batchID == "" {
		t.Fatalf("MaybeRotate: batch %q, err %v", batchID, err)
	}
	if _, err := r.Commit(batchID); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	entries, err := r.EntriesForRef("refs/heads/main")
	if err != nil {
		t.Fatalf("EntriesForRef: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if !bytes.Equal(entries[0].Cert, raw) {
		t.Error("certificate bytes not preserved byte-for-byte")
	}
}

func TestCommit_OrderingWithinBatch(t *testing.T) {
	r := openTestRepo(t)

	c1 := makeCert("refs/heads/main")
	c2 := makeCert("refs/heads/dev")
	id1, err := r.Accept(c1)
	if err != nil {
		t.Fatalf("Accept c1: %v", err)
	}
	if _, err := r.Accept(c2); err != nil {
		t.Fatalf("Accept c2: %v", err)
	}

	batchID, err := r.MaybeRotate(2)
	if err != nil || batchID == "" {
		t.Fatalf("MaybeRotate: batch %q, err %v", batchID, err)
	}
	head, err := r.Commit(batchID)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Head is c2's entry; its parent is c1's entry.
	headEntry, err := r.GetEntry(head)
	if err != nil {
		t.Fatalf("GetEntry head: %v", err)
	}
	if !bytes.Equal(headEntry.Cert, c2) {
		t.Error("head entry does not wrap the last-accepted certificate")
	}
	if headEntry.Parent == "" {
		t.Fatal("head entry has no parent")
	}
	parentCID, err := cas.Decode(headEntry.Parent)
	if err != nil {
		t.Fatalf("decode parent: %v", err)
	}
	parentEntry, err := r.GetEntry(parentCID)
	if err != nil {
		t.Fatalf("GetEntry parent: %v", err)
	}
	if !bytes.Equal(parentEntry.Cert, c1) {
		t.Error("parent entry does not wrap the first-accepted certificate")
	}
	if parentEntry.Refs["refs/heads/main"] != cas.Encode(id1) {
		t.Errorf("parent Refs[main] = %q, want %q", parentEntry.Refs["refs/heads/main"], cas.Encode(id1))
	}

	// Per-ref isolation.
	main, _ := r.EntriesForRef("refs/heads/main")
	dev, _ := r.EntriesForRef("refs/heads/dev")
	if len(main) != 1 || !bytes.Equal(main[0].Cert, c1) {
		t.Errorf("refs/heads/main query = %d entries", len(main))
	}
	if len(dev) != 1 || !bytes.Equal(dev[0].Cert, c2) {
		t.Errorf("refs/heads/dev query = %d entries", len(dev))
	}
}

func TestCommit_MissingBlobAbortsBatch(t *testing.T) {
	r := openTestRepo(t)

	id, err := r.Accept(makeCert("refs/heads/main"))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	batchID, err := r.MaybeRotate(1)
	if err != nil || batchID == "" {
		t.Fatalf("MaybeRotate: batch %q, err %v", batchID, err)
	}

	// Simulate garbage collection of the blob between rotation and commit.
	blobPath := filepath.Join(r.DataDir(), "objects", cas.Encode(id))
	if err := os.Remove(blobPath); err != nil {
		t.Fatalf("remove blob: %v", err)
	}

	if _, err := r.Commit(batchID); err == nil {
		t.Fatal("expected error committing batch with missing blob")
	}

	head, err := r.Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head != cas.Undef {
		t.Error("HEAD advanced despite aborted batch")
	}

	// Staging area left intact for inspection/retry.
	staged, err := r.StagedBatches()
	if err != nil {
		t.Fatalf("StagedBatches: %v", err)
	}
	if len(staged) != 1 || staged[0] != batchID {
		t.Errorf("StagedBatches = %v, want [%s]", staged, batchID)
	}
}

func TestCommit_UnknownBatch(t *testing.T) {
	r := openTestRepo(t)

	if _, err := r.Commit("no-such-batch"); err == nil {
		t.Fatal("expected error for unknown batch")
	}
}

func TestSweep_EmptyNoOp(t *testing.T) {
	r := openTestRepo(t)

	head, err := r.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if head != cas.Undef {
		t.Errorf("Sweep on empty repo moved HEAD to %s", head)
	}
}

func TestSweep_FlushesSubThreshold(t *testing.T) {
	r := openTestRepo(t)

	raw := makeCert("refs/heads/main")
	if _, err := r.Accept(raw); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	// Threshold never reached; sweep flushes anyway.
	if batchID, _ := r.MaybeRotate(10); batchID != "" {
		t.Fatalf("unexpected rotation at threshold 10")
	}

	head, err := r.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if head == cas.Undef {
		t.Fatal("Sweep did not archive the pending certificate")
	}

	n, _ := r.PendingCount()
	if n != 0 {
		t.Errorf("PendingCount = %d after sweep, want 0", n)
	}
	entries, _ := r.EntriesForRef("refs/heads/main")
	if len(entries) != 1 || !bytes.Equal(entries[0].Cert, raw) {
		t.Errorf("ref query after sweep = %d entries", len(entries))
	}
}

func TestSweep_RecoversInterruptedCommit(t *testing.T) {
	r := openTestRepo(t)

	if _, err := r.Accept(makeCert("refs/heads/main")); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	batchID, err := r.MaybeRotate(1)
	if err != nil || batchID == "" {
		t.Fatalf("MaybeRotate: batch %q, err %v", batchID, err)
	}
	// Process "crashes" here: rotation happened, commit never ran.

	head, err := r.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if head == cas.Undef {
		t.Fatal("Sweep did not commit the staged batch")
	}

	entries, err := r.Log(0)
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Log = %d entries, want 1 (no loss, no duplication)", len(entries))
	}
	staged, _ := r.StagedBatches()
	if len(staged) != 0 {
		t.Errorf("staging not discarded after recovery: %v", staged)
	}

	// A second sweep finds nothing to do.
	again, err := r.Sweep()
	if err != nil {
		t.Fatalf("Sweep again: %v", err)
	}
	if !again.Equals(head) {
		t.Errorf("HEAD moved on idle sweep: %s vs %s", again, head)
	}
}

func TestIngest_ConcurrentProducers(t *testing.T) {
	r := openTestRepo(t)

	const k = 8
	certs := make([][]byte, k)
	for i := range certs {
		certs[i] = makeCert(fmt.Sprintf("refs/heads/p%d", i))
	}

	var wg sync.WaitGroup
	wg.Add(k)
	for i := 0; i < k; i++ {
		go func(raw []byte) {
			defer wg.Done()
			accepted, err := r.Ingest(raw, "OK", k)
			if err != nil {
				t.Errorf("Ingest: %v", err)
			}
			if !accepted {
				t.Error("Ingest rejected a valid certificate")
			}
		}(certs[i])
	}
	wg.Wait()

	entries, err := r.Log(0)
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if len(entries) != k {
		t.Fatalf("Log = %d entries, want %d", len(entries), k)
	}

	// None missing, none duplicated.
	seen := make(map[string]int)
	for _, e := range entries {
		seen[string(e.Cert)]++
	}
	for i, raw := range certs {
		if seen[string(raw)] != 1 {
			t.Errorf("certificate %d archived %d times", i, seen[string(raw)])
		}
	}

	n, _ := r.PendingCount()
	if n != 0 {
		t.Errorf("PendingCount = %d after full batch, want 0", n)
	}
	staged, _ := r.StagedBatches()
	if len(staged) != 0 {
		t.Errorf("leftover staging areas: %v", staged)
	}
}

func TestIngest_RejectsBadNonceStatus(t *testing.T) {
	r := openTestRepo(t)

	accepted, err := r.Ingest(makeCert("refs/heads/main"), "SLOP", 1)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if accepted {
		t.Error("Ingest accepted a certificate with a failed nonce check")
	}

	n, _ := r.PendingCount()
	if n != 0 {
		t.Errorf("PendingCount = %d, want 0", n)
	}
	objects, err := os.ReadDir(filepath.Join(r.DataDir(), "objects"))
	if err != nil {
		t.Fatalf("ReadDir objects: %v", err)
	}
	if len(objects) != 0 {
		t.Errorf("blob store not empty after rejection: %d files", len(objects))
	}
}

func TestIngest_ThresholdOverride(t *testing.T) {
	r := openTestRepo(t)

	if _, err := r.Ingest(makeCert("refs/heads/a"), "OK", 2); err != nil {
		t.Fatalf("Ingest 1: %v", err)
	}
	head, _ := r.Head()
	if head != cas.Undef {
		t.Fatal("archived below override threshold")
	}

	if _, err := r.Ingest(makeCert("refs/heads/b"), "OK", 2); err != nil {
		t.Fatalf("Ingest 2: %v", err)
	}
	entries, err := r.Log(0)
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("Log = %d entries, want 2", len(entries))
	}
}

func TestIngest_MalformedCertificate(t *testing.T) {
	r := openTestRepo(t)

	if _, err := r.Ingest([]byte("not a certificate"), "OK", 1); err == nil {
		t.Fatal("expected error for malformed certificate")
	}
	n, _ := r.PendingCount()
	if n != 0 {
		t.Errorf("PendingCount = %d, want 0", n)
	}
}

func TestHead_EmptyLog(t *testing.T) {
	r := openTestRepo(t)

	head, err := r.Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head != cas.Undef {
		t.Errorf("Head = %s on empty log, want undef", head)
	}
}

func TestEntriesForRef_History(t *testing.T) {
	r := openTestRepo(t)

	first := makeCert("refs/heads/main")
	second := makeCert("refs/heads/main")
	for _, raw := range [][]byte{first, second} {
		if _, err := r.Ingest(raw, "OK", 1); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	entries, err := r.EntriesForRef("refs/heads/main")
	if err != nil {
		t.Fatalf("EntriesForRef: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	// Chronological: oldest first.
	if !bytes.Equal(entries[0].Cert, first) || !bytes.Equal(entries[1].Cert, second) {
		t.Error("ref history not in chronological order")
	}
}

func TestRefNames(t *testing.T) {
	r := openTestRepo(t)

	r.Ingest(makeCert("refs/heads/main"), "OK", 1)
	r.Ingest(makeCert("refs/tags/v1"), "OK", 1)

	names, err := r.RefNames()
	if err != nil {
		t.Fatalf("RefNames: %v", err)
	}
	want := []string{"refs/heads/main", "refs/tags/v1"}
	if len(names) != len(want) {
		t.Fatalf("RefNames = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("RefNames[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}
