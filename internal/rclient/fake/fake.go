// Package fake provides an in-memory rclient.Session used by every other
// package's tests, mirroring the teacher's hand-written gcs/storage fakes
// rather than a generated mock.
package fake

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cyverse/irodsfs-go/internal/rclient"
)

type object struct {
	data       []byte
	modTime    time.Time
	mode       uint32
	uid, gid   int
	linkTarget string // non-empty iff this object is a symlink
}

type openFile struct {
	path   string
	offset int64
}

type openColl struct {
	path string
	pos  int
}

// Session is an in-memory stand-in for a real remote connection. The zero
// value is not usable; construct with New.
type Session struct {
	mu sync.Mutex

	objects map[string]*object
	dirs    map[string]bool

	nextFD   rclient.Descriptor
	files    map[rclient.Descriptor]*openFile
	nextColl rclient.CollHandle
	colls    map[rclient.CollHandle]*openColl

	// Disconnected, when true, makes every call return a network-disconnect
	// classified error, simulating a dropped session.
	Disconnected bool

	// LoginCount and PingCount let tests assert reconnect behavior.
	LoginCount int
	PingCount  int
}

// New returns an empty fake Session with a root collection "/".
func New() *Session {
	return &Session{
		objects: make(map[string]*object),
		dirs:    map[string]bool{"/": true},
		files:   make(map[rclient.Descriptor]*openFile),
		colls:   make(map[rclient.CollHandle]*openColl),
	}
}

func (s *Session) disconnectedErr() error {
	return fmt.Errorf("fake: session disconnected")
}

func (s *Session) Login(ctx context.Context, host string, port int, zone, user, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LoginCount++
	s.Disconnected = false
	return nil
}

func (s *Session) SetSessionTicket(ctx context.Context, ticket string) error { return nil }

func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Disconnected = true
	return nil
}

func (s *Session) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PingCount++
	if s.Disconnected {
		return s.disconnectedErr()
	}
	return nil
}

func (s *Session) DataObjOpen(ctx context.Context, path string, flags int) (rclient.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Disconnected {
		return 0, s.disconnectedErr()
	}
	if _, ok := s.objects[path]; !ok {
		return 0, fmt.Errorf("fake: no such object %q", path)
	}
	s.nextFD++
	s.files[s.nextFD] = &openFile{path: path}
	return s.nextFD, nil
}

func (s *Session) DataObjCreate(ctx context.Context, path string, mode uint32) (rclient.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Disconnected {
		return 0, s.disconnectedErr()
	}
	s.objects[path] = &object{modTime: time.Now(), mode: mode}
	s.nextFD++
	s.files[s.nextFD] = &openFile{path: path}
	return s.nextFD, nil
}

func (s *Session) Close(ctx context.Context, fd rclient.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, fd)
	return nil
}

func (s *Session) Lseek(ctx context.Context, fd rclient.Descriptor, offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fd]
	if !ok {
		return 0, fmt.Errorf("fake: unknown descriptor %d", fd)
	}
	obj := s.objects[f.path]
	switch whence {
	case 0:
		f.offset = offset
	case 1:
		f.offset += offset
	case 2:
		f.offset = int64(len(obj.data)) + offset
	}
	return f.offset, nil
}

func (s *Session) Read(ctx context.Context, fd rclient.Descriptor, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Disconnected {
		return 0, s.disconnectedErr()
	}
	f, ok := s.files[fd]
	if !ok {
		return 0, fmt.Errorf("fake: unknown descriptor %d", fd)
	}
	obj := s.objects[f.path]
	if f.offset >= int64(len(obj.data)) {
		return 0, nil
	}
	n := copy(buf, obj.data[f.offset:])
	f.offset += int64(n)
	return n, nil
}

func (s *Session) Write(ctx context.Context, fd rclient.Descriptor, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Disconnected {
		return 0, s.disconnectedErr()
	}
	f, ok := s.files[fd]
	if !ok {
		return 0, fmt.Errorf("fake: unknown descriptor %d", fd)
	}
	obj := s.objects[f.path]
	end := f.offset + int64(len(buf))
	if end > int64(len(obj.data)) {
		grown := make([]byte, end)
		copy(grown, obj.data)
		obj.data = grown
	}
	copy(obj.data[f.offset:end], buf)
	f.offset = end
	obj.modTime = time.Now()
	return len(buf), nil
}

func (s *Session) Unlink(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, path)
	return nil
}

func (s *Session) DataObjTruncate(ctx context.Context, path string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[path]
	if !ok {
		return fmt.Errorf("fake: no such object %q", path)
	}
	if size <= int64(len(obj.data)) {
		obj.data = obj.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, obj.data)
		obj.data = grown
	}
	return nil
}

func (s *Session) DataObjRename(ctx context.Context, oldPath, newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[oldPath]
	if !ok {
		return fmt.Errorf("fake: no such object %q", oldPath)
	}
	delete(s.objects, oldPath)
	s.objects[newPath] = obj
	return nil
}

func (s *Session) ModDataObjMeta(ctx context.Context, path string, mode uint32, modTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[path]
	if !ok {
		return fmt.Errorf("fake: no such object %q", path)
	}
	obj.mode = mode
	obj.modTime = modTime
	return nil
}

func (s *Session) OpenCollection(ctx context.Context, path string) (rclient.CollHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirs[path] {
		return 0, fmt.Errorf("fake: no such collection %q", path)
	}
	s.nextColl++
	s.colls[s.nextColl] = &openColl{path: path}
	return s.nextColl, nil
}

func (s *Session) CloseCollection(ctx context.Context, h rclient.CollHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.colls, h)
	return nil
}

func (s *Session) ReadCollection(ctx context.Context, h rclient.CollHandle) (rclient.DirEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oc, ok := s.colls[h]
	if !ok {
		return rclient.DirEntry{}, fmt.Errorf("fake: unknown collection handle %d", h)
	}

	names := s.childrenLocked(oc.path)
	if oc.pos >= len(names) {
		return rclient.DirEntry{}, rclient.ErrEndOfCollection
	}
	name := names[oc.pos]
	oc.pos++
	full := joinPath(oc.path, name)
	return rclient.DirEntry{Name: name, IsDir: s.dirs[full]}, nil
}

func (s *Session) childrenLocked(path string) []string {
	seen := map[string]bool{}
	prefix := strings.TrimSuffix(path, "/") + "/"
	for p := range s.objects {
		if rest, ok := strings.CutPrefix(p, prefix); ok && !strings.Contains(rest, "/") {
			seen[rest] = true
		}
	}
	for p := range s.dirs {
		if p == path {
			continue
		}
		if rest, ok := strings.CutPrefix(p, prefix); ok && !strings.Contains(strings.TrimSuffix(rest, "/"), "/") {
			seen[strings.TrimSuffix(rest, "/")] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func joinPath(dir, name string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + name
	}
	return dir + "/" + name
}

func (s *Session) CollCreate(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirs[path] = true
	return nil
}

func (s *Session) RmColl(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dirs, path)
	return nil
}

func (s *Session) ObjStat(ctx context.Context, path string) (rclient.Stat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirs[path] {
		return rclient.Stat{Path: path, IsDir: true}, nil
	}
	obj, ok := s.objects[path]
	if !ok {
		return rclient.Stat{}, fmt.Errorf("fake: no such path %q", path)
	}
	return rclient.Stat{Path: path, Size: int64(len(obj.data)), ModTime: obj.modTime, Mode: obj.mode}, nil
}

func (s *Session) Symlink(ctx context.Context, target, linkPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[linkPath] = &object{modTime: time.Now(), linkTarget: target}
	return nil
}

func (s *Session) Link(ctx context.Context, oldPath, newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[oldPath]
	if !ok {
		return fmt.Errorf("fake: no such object %q", oldPath)
	}
	copied := *obj
	s.objects[newPath] = &copied
	return nil
}

func (s *Session) Readlink(ctx context.Context, path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[path]
	if !ok || obj.linkTarget == "" {
		return "", fmt.Errorf("fake: %q is not a symlink", path)
	}
	return obj.linkTarget, nil
}

func (s *Session) Chown(ctx context.Context, path string, uid, gid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[path]
	if !ok {
		return fmt.Errorf("fake: no such object %q", path)
	}
	obj.uid, obj.gid = uid, gid
	return nil
}

func (s *Session) Ioctl(ctx context.Context, path string, cmd int, arg []byte) ([]byte, error) {
	return nil, fmt.Errorf("fake: ioctl not supported")
}

func (s *Session) Classify(err error) rclient.Class {
	if err == nil {
		return rclient.ClassOK
	}
	if strings.Contains(err.Error(), "disconnected") {
		return rclient.ClassNetworkDisconnect
	}
	return rclient.ClassProtocolError
}

// PutObject is a test helper that seeds an object directly, bypassing Create.
func (s *Session) PutObject(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = &object{data: append([]byte(nil), data...), modTime: time.Now()}
}

// MkdirAll is a test helper that seeds collections directly.
func (s *Session) MkdirAll(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirs[path] = true
}

var _ rclient.Session = (*Session)(nil)
