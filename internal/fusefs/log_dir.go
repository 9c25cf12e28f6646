package fusefs

import (
	"context"
	"encoding/json"
	"fmt"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/pushlog/pushlog/internal/archive"
	"github.com/pushlog/pushlog/internal/cas"
)

const maxLogEntries = 64

// LogDir exposes recent log entries as files.
// Layout: log/HEAD (content-id string), log/0 (newest entry JSON), log/1, ...
type LogDir struct {
	fs.Inode
	repo *archive.Repository
}

var _ = (fs.NodeLookuper)((*LogDir)(nil))
var _ = (fs.NodeReaddirer)((*LogDir)(nil))
var _ = (fs.NodeGetattrer)((*LogDir)(nil))

func (d *LogDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0755
	out.Ino = stableIno("log")
	return fs.OK
}

func (d *LogDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries := []fuse.DirEntry{
		{Name: "HEAD", Mode: syscall.S_IFREG, Ino: stableIno("log/HEAD")},
	}
	logEntries, _ := d.repo.Log(maxLogEntries)
	for i := range logEntries {
		name := fmt.Sprintf("%d", i)
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Mode: syscall.S_IFREG,
			Ino:  stableIno("log/" + name),
		})
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *LogDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if name == "HEAD" {
		f := &HeadFile{repo: d.repo}
		child := d.NewInode(ctx, f, fs.StableAttr{
			Mode: syscall.S_IFREG,
			Ino:  stableIno("log/HEAD"),
		})
		return child, fs.OK
	}

	var idx int
	if _, err := fmt.Sscanf(name, "%d", &idx); err != nil || idx < 0 {
		return nil, syscall.ENOENT
	}

	logEntries, _ := d.repo.Log(idx + 1)
	if idx >= len(logEntries) {
		return nil, syscall.ENOENT
	}

	f := &EntryFile{entry: &logEntries[idx], name: name}
	child := d.NewInode(ctx, f, fs.StableAttr{
		Mode: syscall.S_IFREG,
		Ino:  stableIno("log/" + name),
	})
	return child, fs.OK
}

// HeadFile returns the head content-id string.
type HeadFile struct {
	fs.Inode
	repo *archive.Repository
}

var _ = (fs.NodeGetattrer)((*HeadFile)(nil))
var _ = (fs.NodeReader)((*HeadFile)(nil))
var _ = (fs.NodeOpener)((*HeadFile)(nil))

func (f *HeadFile) headBytes() []byte {
	head, err := f.repo.Head()
	if err != nil || head == cas.Undef {
		return []byte("(none)\n")
	}
	return []byte(cas.Encode(head) + "\n")
}

func (f *HeadFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0444
	out.Size = uint64(len(f.headBytes()))
	out.Ino = stableIno("log/HEAD")
	return fs.OK
}

func (f *HeadFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_KEEP_CACHE, fs.OK
}

func (f *HeadFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data := f.headBytes()
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), fs.OK
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return fuse.ReadResultData(data[off:end]), fs.OK
}

// EntryFile returns indented JSON for a single log entry.
type EntryFile struct {
	fs.Inode
	entry *archive.Entry
	name  string
}

var _ = (fs.NodeGetattrer)((*EntryFile)(nil))
var _ = (fs.NodeReader)((*EntryFile)(nil))
var _ = (fs.NodeOpener)((*EntryFile)(nil))

func (f *EntryFile) entryBytes() []byte {
	data, _ := json.MarshalIndent(f.entry, "", "  ")
	return append(data, '\n')
}

func (f *EntryFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0444
	out.Size = uint64(len(f.entryBytes()))
	out.Ino = stableIno("log/" + f.name)
	return fs.OK
}

func (f *EntryFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_KEEP_CACHE, fs.OK
}

func (f *EntryFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data := f.entryBytes()
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), fs.OK
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return fuse.ReadResultData(data[off:end]), fs.OK
}
