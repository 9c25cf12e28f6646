package fusefs

import (
	"context"
	"fmt"
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/pushlog/pushlog/internal/archive"
)

// Ref names contain slashes; directory entries use a flat encoding with
// slashes as double underscores (refs/heads/main -> refs__heads__main).
func refFilename(ref string) string {
	return strings.ReplaceAll(ref, "/", "__")
}

func refFromFilename(name string) string {
	return strings.ReplaceAll(name, "__", "/")
}

// RefsDir lists every ref the log has ever seen, one directory per ref.
type RefsDir struct {
	fs.Inode
	repo *archive.Repository
}

var _ = (fs.NodeLookuper)((*RefsDir)(nil))
var _ = (fs.NodeReaddirer)((*RefsDir)(nil))
var _ = (fs.NodeGetattrer)((*RefsDir)(nil))

func (d *RefsDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0755
	out.Ino = stableIno("refs")
	return fs.OK
}

func (d *RefsDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	names, err := d.repo.RefNames()
	if err != nil {
		return nil, syscall.EIO
	}
	entries := make([]fuse.DirEntry, len(names))
	for i, ref := range names {
		name := refFilename(ref)
		entries[i] = fuse.DirEntry{
			Name: name,
			Mode: syscall.S_IFDIR,
			Ino:  stableIno("refs/" + name),
		}
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *RefsDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	ref := refFromFilename(name)
	entries, err := d.repo.EntriesForRef(ref)
	if err != nil || len(entries) == 0 {
		return nil, syscall.ENOENT
	}
	refDir := &RefDir{repo: d.repo, ref: ref, name: name}
	child := d.NewInode(ctx, refDir, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno("refs/" + name),
	})
	return child, fs.OK
}

// RefDir holds one ref's certificate history: files 0..n-1, chronological,
// each containing the original certificate bytes verbatim.
type RefDir struct {
	fs.Inode
	repo *archive.Repository
	ref  string
	name string
}

var _ = (fs.NodeLookuper)((*RefDir)(nil))
var _ = (fs.NodeReaddirer)((*RefDir)(nil))
var _ = (fs.NodeGetattrer)((*RefDir)(nil))

func (d *RefDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0755
	out.Ino = stableIno("refs/" + d.name)
	return fs.OK
}

func (d *RefDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := d.repo.EntriesForRef(d.ref)
	if err != nil {
		return nil, syscall.EIO
	}
	dirEntries := make([]fuse.DirEntry, len(entries))
	for i := range entries {
		name := fmt.Sprintf("%d", i)
		dirEntries[i] = fuse.DirEntry{
			Name: name,
			Mode: syscall.S_IFREG,
			Ino:  stableIno("refs/" + d.name + "/" + name),
		}
	}
	return fs.NewListDirStream(dirEntries), fs.OK
}

func (d *RefDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	var idx int
	if _, err := fmt.Sscanf(name, "%d", &idx); err != nil || idx < 0 {
		return nil, syscall.ENOENT
	}
	entries, err := d.repo.EntriesForRef(d.ref)
	if err != nil || idx >= len(entries) {
		return nil, syscall.ENOENT
	}

	f := &CertFile{data: entries[idx].Cert, path: "refs/" + d.name + "/" + name}
	child := d.NewInode(ctx, f, fs.StableAttr{
		Mode: syscall.S_IFREG,
		Ino:  stableIno(f.path),
	})
	return child, fs.OK
}

// CertFile serves one certificate's bytes verbatim.
type CertFile struct {
	fs.Inode
	data []byte
	path string
}

var _ = (fs.NodeGetattrer)((*CertFile)(nil))
var _ = (fs.NodeReader)((*CertFile)(nil))
var _ = (fs.NodeOpener)((*CertFile)(nil))

func (f *CertFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0444
	out.Size = uint64(len(f.data))
	out.Ino = stableIno(f.path)
	return fs.OK
}

func (f *CertFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_KEEP_CACHE, fs.OK
}

func (f *CertFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if off >= int64(len(f.data)) {
		return fuse.ReadResultData(nil), fs.OK
	}
	end := off + int64(len(dest))
	if end > int64(len(f.data)) {
		end = int64(len(f.data))
	}
	return fuse.ReadResultData(f.data[off:end]), fs.OK
}
