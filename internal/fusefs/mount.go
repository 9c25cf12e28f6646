// Package fusefs exposes the archived certificate log as a read-only
// filesystem: refs/<ref>/<n> holds the nth certificate that touched a
// ref (chronological, verbatim bytes), log/HEAD holds the head
// content-id, and log/<n> holds entry JSON (newest first).
package fusefs

import (
	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/pushlog/pushlog/internal/archive"
)

// Mount mounts the read-only log view at mountpoint backed by repo.
// Returns the server (call server.Wait() to block, server.Unmount() to stop).
func Mount(mountpoint string, repo *archive.Repository) (*gofuse.Server, error) {
	root := &RootNode{repo: repo}

	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			FsName:        "pushlog",
			Name:          "pushlog",
			DisableXAttrs: true,
		},
	}

	server, err := fs.Mount(mountpoint, root, opts)
	if err != nil {
		return nil, err
	}
	return server, nil
}
