package fusefs

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/pushlog/pushlog/internal/archive"
)

// RootNode is the mountpoint directory. Contains "refs/" and "log/".
type RootNode struct {
	fs.Inode
	repo *archive.Repository
}

var _ = (fs.NodeOnAdder)((*RootNode)(nil))
var _ = (fs.NodeGetattrer)((*RootNode)(nil))

func (r *RootNode) OnAdd(ctx context.Context) {
	refsDir := &RefsDir{repo: r.repo}
	refsInode := r.NewPersistentInode(ctx, refsDir, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno("refs"),
	})
	r.AddChild("refs", refsInode, true)

	logDir := &LogDir{repo: r.repo}
	logInode := r.NewPersistentInode(ctx, logDir, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno("log"),
	})
	r.AddChild("log", logInode, true)
}

func (r *RootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0755
	out.Ino = stableIno("/")
	return fs.OK
}
