// Package badgefs exposes the badge labels as a read-only FUSE filesystem,
// one file per scope plus a total, for tools that can only read files.
package badgefs

import (
	"context"
	"sort"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/carelink/unreadsync/internal/badge"
	"github.com/carelink/unreadsync/internal/indicator"
)

const totalFile = "total"

type Root struct {
	fs.Inode

	stores []*badge.Store
}

var _ = (fs.NodeOnAdder)((*Root)(nil))

func NewRoot(stores ...*badge.Store) *Root {
	kept := make([]*badge.Store, 0, len(stores))
	for _, s := range stores {
		if s != nil {
			kept = append(kept, s)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Scope() < kept[j].Scope() })
	return &Root{stores: kept}
}

func (r *Root) OnAdd(ctx context.Context) {
	for name, content := range r.files() {
		child := r.NewPersistentInode(ctx, &labelFile{content: content}, fs.StableAttr{Mode: fuse.S_IFREG})
		r.AddChild(name, child, false)
	}
}

func (r *Root) files() map[string]func() []byte {
	files := make(map[string]func() []byte, len(r.stores)+1)
	for _, s := range r.stores {
		store := s
		files[store.Scope()] = func() []byte { return labelBytes(store.Get()) }
	}
	files[totalFile] = func() []byte {
		total := 0
		for _, s := range r.stores {
			total += s.Get()
		}
		return labelBytes(total)
	}
	return files
}

func labelBytes(count int) []byte {
	label := indicator.Label(count)
	if label == "" {
		return []byte("0\n")
	}
	return []byte(label + "\n")
}

type labelFile struct {
	fs.Inode

	content func() []byte
}

var (
	_ = (fs.NodeOpener)((*labelFile)(nil))
	_ = (fs.NodeReader)((*labelFile)(nil))
	_ = (fs.NodeGetattrer)((*labelFile)(nil))
)

func (f *labelFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&uint32(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_DIRECT_IO, 0
}

func (f *labelFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data := f.content()
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return fuse.ReadResultData(data[off:end]), 0
}

func (f *labelFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFREG | 0o444
	out.Size = uint64(len(f.content()))
	return 0
}

// Mount serves root at dir until the returned server is unmounted.
func Mount(dir string, root *Root, debug bool) (*fuse.Server, error) {
	return fs.Mount(dir, root, &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:   "unreadsync",
			FsName: "unreadsync",
			Debug:  debug,
		},
	})
}
