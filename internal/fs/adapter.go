package fs

import (
	"encoding/binary"
	"os"

	"github.com/jacobsa/fuse"
	"golang.org/x/net/context"

	"github.com/cyverse/irodsfs-go/internal/errs"
	"github.com/cyverse/irodsfs-go/internal/fs/errno"
	"github.com/cyverse/irodsfs-go/internal/handle"
)

// Adapter implements fuse.FileSystem over a Dispatcher, translating between
// the kernel's inode-number view of the world and the Dispatcher's
// path-based one. File and directory handle IDs are passed through
// unchanged: both handle.ID and fuse.HandleID are opaque uint64s minted by
// the Registry, one counter per kind, so no extra bookkeeping is needed
// here.
type Adapter struct {
	d      *Dispatcher
	inodes *inodeTable
}

// NewAdapter wraps d for kernel consumption.
func NewAdapter(d *Dispatcher) *Adapter {
	return &Adapter{d: d, inodes: newInodeTable()}
}

var _ fuse.FileSystem = (*Adapter)(nil)

func toErrno(err error) error {
	if err == nil {
		return nil
	}
	return errno.FromError(err)
}

func toChildEntry(childID InodeID, info os.FileInfo) fuse.ChildInodeEntry {
	return fuse.ChildInodeEntry{
		Child:      fuse.InodeID(childID),
		Generation: 1,
		Attributes: toInodeAttributes(info),
	}
}

func toInodeAttributes(info os.FileInfo) fuse.InodeAttributes {
	mode := info.Mode()
	if info.IsDir() {
		mode |= os.ModeDir
	}
	return fuse.InodeAttributes{
		Size:  uint64(info.Size()),
		Nlink: 1,
		Mode:  mode,
		Mtime: info.ModTime(),
		Ctime: info.ModTime(),
	}
}

func (a *Adapter) Init(ctx context.Context, req *fuse.InitRequest) (*fuse.InitResponse, error) {
	a.d.Init(ctx)
	return &fuse.InitResponse{}, nil
}

func (a *Adapter) LookUpInode(ctx context.Context, req *fuse.LookUpInodeRequest) (*fuse.LookUpInodeResponse, error) {
	parent, ok := a.inodes.path(InodeID(req.Parent))
	if !ok {
		return nil, toErrno(errs.New(errs.LookupMiss, req.Name, nil))
	}
	childPath := joinPath(parent, req.Name)

	info, err := a.d.GetAttr(ctx, childPath)
	if err != nil {
		return nil, toErrno(err)
	}

	childID := a.inodes.lookup(childPath)
	return &fuse.LookUpInodeResponse{Entry: toChildEntry(childID, info)}, nil
}

func (a *Adapter) GetInodeAttributes(ctx context.Context, req *fuse.GetInodeAttributesRequest) (*fuse.GetInodeAttributesResponse, error) {
	path, ok := a.inodes.path(InodeID(req.Inode))
	if !ok {
		return nil, toErrno(errs.New(errs.LookupMiss, "", nil))
	}
	info, err := a.d.GetAttr(ctx, path)
	if err != nil {
		return nil, toErrno(err)
	}
	return &fuse.GetInodeAttributesResponse{Attributes: toInodeAttributes(info)}, nil
}

func (a *Adapter) SetInodeAttributes(ctx context.Context, req *fuse.SetInodeAttributesRequest) (*fuse.SetInodeAttributesResponse, error) {
	path, ok := a.inodes.path(InodeID(req.Inode))
	if !ok {
		return nil, toErrno(errs.New(errs.LookupMiss, "", nil))
	}

	if req.Size != nil {
		if err := a.d.Truncate(ctx, path, int64(*req.Size)); err != nil {
			return nil, toErrno(err)
		}
	}
	if req.Mode != nil {
		if err := a.d.Chmod(ctx, path, *req.Mode); err != nil {
			return nil, toErrno(err)
		}
	}
	if req.Mtime != nil {
		if err := a.d.Utimens(ctx, path, *req.Mtime); err != nil {
			return nil, toErrno(err)
		}
	}

	info, err := a.d.GetAttr(ctx, path)
	if err != nil {
		return nil, toErrno(err)
	}
	return &fuse.SetInodeAttributesResponse{Attributes: toInodeAttributes(info)}, nil
}

func (a *Adapter) ForgetInode(ctx context.Context, req *fuse.ForgetInodeRequest) (*fuse.ForgetInodeResponse, error) {
	a.inodes.forget(InodeID(req.ID), 1)
	return &fuse.ForgetInodeResponse{}, nil
}

func (a *Adapter) MkDir(ctx context.Context, req *fuse.MkDirRequest) (*fuse.MkDirResponse, error) {
	parent, ok := a.inodes.path(InodeID(req.Parent))
	if !ok {
		return nil, toErrno(errs.New(errs.LookupMiss, "", nil))
	}
	childPath := joinPath(parent, req.Name)

	if err := a.d.Mkdir(ctx, childPath, req.Mode); err != nil {
		return nil, toErrno(err)
	}
	info, err := a.d.GetAttr(ctx, childPath)
	if err != nil {
		return nil, toErrno(err)
	}
	childID := a.inodes.lookup(childPath)
	return &fuse.MkDirResponse{Entry: toChildEntry(childID, info)}, nil
}

func (a *Adapter) CreateFile(ctx context.Context, req *fuse.CreateFileRequest) (*fuse.CreateFileResponse, error) {
	parent, ok := a.inodes.path(InodeID(req.Parent))
	if !ok {
		return nil, toErrno(errs.New(errs.LookupMiss, "", nil))
	}
	childPath := joinPath(parent, req.Name)

	id, err := a.d.Create(ctx, childPath, uint32(req.Mode))
	if err != nil {
		return nil, toErrno(err)
	}
	info, err := a.d.GetAttr(ctx, childPath)
	if err != nil {
		return nil, toErrno(err)
	}

	childID := a.inodes.lookup(childPath)
	return &fuse.CreateFileResponse{
		Entry:  toChildEntry(childID, info),
		Handle: fuse.HandleID(id),
	}, nil
}

func (a *Adapter) RmDir(ctx context.Context, req *fuse.RmDirRequest) (*fuse.RmDirResponse, error) {
	parent, ok := a.inodes.path(InodeID(req.Parent))
	if !ok {
		return nil, toErrno(errs.New(errs.LookupMiss, "", nil))
	}
	if err := a.d.Rmdir(ctx, joinPath(parent, req.Name)); err != nil {
		return nil, toErrno(err)
	}
	return &fuse.RmDirResponse{}, nil
}

func (a *Adapter) Unlink(ctx context.Context, req *fuse.UnlinkRequest) (*fuse.UnlinkResponse, error) {
	parent, ok := a.inodes.path(InodeID(req.Parent))
	if !ok {
		return nil, toErrno(errs.New(errs.LookupMiss, "", nil))
	}
	if err := a.d.Unlink(ctx, joinPath(parent, req.Name)); err != nil {
		return nil, toErrno(err)
	}
	return &fuse.UnlinkResponse{}, nil
}

func (a *Adapter) OpenDir(ctx context.Context, req *fuse.OpenDirRequest) (*fuse.OpenDirResponse, error) {
	path, ok := a.inodes.path(InodeID(req.Inode))
	if !ok {
		return nil, toErrno(errs.New(errs.LookupMiss, "", nil))
	}
	id, err := a.d.OpenDir(ctx, path)
	if err != nil {
		return nil, toErrno(err)
	}
	return &fuse.OpenDirResponse{Handle: fuse.HandleID(id)}, nil
}

// direntType values, matching the d_type field POSIX readdir(3) exposes.
const (
	direntTypeRegular   = 8
	direntTypeDirectory = 4
)

func (a *Adapter) ReadDir(ctx context.Context, req *fuse.ReadDirRequest) (*fuse.ReadDirResponse, error) {
	entries, err := a.d.ReadDir(ctx, handle.ID(req.Handle))
	if err != nil {
		return nil, toErrno(err)
	}

	resp := &fuse.ReadDirResponse{}
	var scratch [512]byte
	for i := int(req.Offset); i < len(entries); i++ {
		e := entries[i]
		typ := uint32(direntTypeRegular)
		if e.IsDir {
			typ = direntTypeDirectory
		}
		// Inode zero tells the kernel to look the child up itself rather than
		// trust an inode number out of this listing.
		n := writeDirent(scratch[:], 0, uint64(i+1), e.Name, typ)
		if n == 0 || len(resp.Data)+n > req.Size {
			break
		}
		resp.Data = append(resp.Data, scratch[:n]...)
	}
	return resp, nil
}

// writeDirent encodes one directory entry in the fuse_dirent wire format
// (8-byte aligned: ino, off, namelen, type, then the name and padding).
// Returns 0 if buf is too small to hold the encoded entry.
func writeDirent(buf []byte, ino, off uint64, name string, dtype uint32) int {
	const headerSize = 8 + 8 + 4 + 4
	const alignment = 8

	padLen := 0
	if r := len(name) % alignment; r != 0 {
		padLen = alignment - r
	}
	total := headerSize + len(name) + padLen
	if total > len(buf) {
		return 0
	}

	binary.LittleEndian.PutUint64(buf[0:8], ino)
	binary.LittleEndian.PutUint64(buf[8:16], off)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(name)))
	binary.LittleEndian.PutUint32(buf[20:24], dtype)
	n := headerSize
	n += copy(buf[n:], name)
	for i := 0; i < padLen; i++ {
		buf[n+i] = 0
	}
	return n + padLen
}

func (a *Adapter) ReleaseDirHandle(ctx context.Context, req *fuse.ReleaseDirHandleRequest) (*fuse.ReleaseDirHandleResponse, error) {
	if err := a.d.ReleaseDir(ctx, handle.ID(req.Handle)); err != nil {
		return nil, toErrno(err)
	}
	return &fuse.ReleaseDirHandleResponse{}, nil
}

func (a *Adapter) OpenFile(ctx context.Context, req *fuse.OpenFileRequest) (*fuse.OpenFileResponse, error) {
	path, ok := a.inodes.path(InodeID(req.Inode))
	if !ok {
		return nil, toErrno(errs.New(errs.LookupMiss, "", nil))
	}
	id, err := a.d.Open(ctx, path, int(req.Flags))
	if err != nil {
		return nil, toErrno(err)
	}
	return &fuse.OpenFileResponse{Handle: fuse.HandleID(id)}, nil
}

func (a *Adapter) ReadFile(ctx context.Context, req *fuse.ReadFileRequest) (*fuse.ReadFileResponse, error) {
	buf := make([]byte, req.Size)
	n, err := a.d.Read(ctx, handle.ID(req.Handle), req.Offset, buf)
	if err != nil {
		return nil, toErrno(err)
	}
	return &fuse.ReadFileResponse{Data: buf[:n]}, nil
}

func (a *Adapter) WriteFile(ctx context.Context, req *fuse.WriteFileRequest) (*fuse.WriteFileResponse, error) {
	if _, err := a.d.Write(ctx, handle.ID(req.Handle), req.Offset, req.Data); err != nil {
		return nil, toErrno(err)
	}
	return &fuse.WriteFileResponse{}, nil
}

func (a *Adapter) SyncFile(ctx context.Context, req *fuse.SyncFileRequest) (*fuse.SyncFileResponse, error) {
	if err := a.d.Fsync(ctx, handle.ID(req.Handle)); err != nil {
		return nil, toErrno(err)
	}
	return &fuse.SyncFileResponse{}, nil
}

func (a *Adapter) FlushFile(ctx context.Context, req *fuse.FlushFileRequest) (*fuse.FlushFileResponse, error) {
	if err := a.d.Flush(ctx, handle.ID(req.Handle)); err != nil {
		return nil, toErrno(err)
	}
	return &fuse.FlushFileResponse{}, nil
}

func (a *Adapter) ReleaseFileHandle(ctx context.Context, req *fuse.ReleaseFileHandleRequest) (*fuse.ReleaseFileHandleResponse, error) {
	if err := a.d.Release(ctx, handle.ID(req.Handle)); err != nil {
		return nil, toErrno(err)
	}
	return &fuse.ReleaseFileHandleResponse{}, nil
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
