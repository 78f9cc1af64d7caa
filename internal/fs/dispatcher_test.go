package fs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyverse/irodsfs-go/internal/clock"
	"github.com/cyverse/irodsfs-go/internal/errs"
	"github.com/cyverse/irodsfs-go/internal/handle"
	"github.com/cyverse/irodsfs-go/internal/metadata"
	"github.com/cyverse/irodsfs-go/internal/pool"
	"github.com/cyverse/irodsfs-go/internal/rclient"
	"github.com/cyverse/irodsfs-go/internal/rclient/fake"
	"github.com/cyverse/irodsfs-go/internal/rpc"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *fake.Session) {
	t.Helper()
	sess := fake.New()
	p := pool.New(pool.Options{MaxConn: 4, Clock: clock.Real{}}, func(ctx context.Context) (rclient.Session, error) {
		return sess, nil
	})
	facade := rpc.New(p, rpc.Options{})
	d := New(p, facade, handle.New(), metadata.New(0, 0), Options{BlockSize: 4})
	return d, sess
}

func TestDispatcher_CreateWriteReadRelease(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	id, err := d.Create(ctx, "/zone/home/a", 0644)
	require.NoError(t, err)

	n, err := d.Write(ctx, id, 0, []byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	buf := make([]byte, 11)
	n, err = d.Read(ctx, id, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf[:n]))

	require.NoError(t, d.Release(ctx, id))
}

func TestDispatcher_GetAttr(t *testing.T) {
	d, sess := newTestDispatcher(t)
	sess.PutObject("/zone/home/a", []byte("0123456789"))

	info, err := d.GetAttr(context.Background(), "/zone/home/a")
	require.NoError(t, err)
	assert.EqualValues(t, 10, info.Size())
	assert.False(t, info.IsDir())
}

func TestDispatcher_MkdirRmdir(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, d.Mkdir(ctx, "/zone/home/sub", 0755))
	info, err := d.GetAttr(ctx, "/zone/home/sub")
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, d.Rmdir(ctx, "/zone/home/sub"))
}

func TestDispatcher_OpenDirReadDir(t *testing.T) {
	d, sess := newTestDispatcher(t)
	sess.MkdirAll("/zone/home")
	sess.PutObject("/zone/home/a", []byte("a"))
	sess.PutObject("/zone/home/b", []byte("b"))

	ctx := context.Background()
	id, err := d.OpenDir(ctx, "/zone/home")
	require.NoError(t, err)

	entries, err := d.ReadDir(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.NoError(t, d.ReleaseDir(ctx, id))
}

func TestDispatcher_RenameUnlink(t *testing.T) {
	d, sess := newTestDispatcher(t)
	sess.PutObject("/zone/home/a", []byte("x"))

	ctx := context.Background()
	require.NoError(t, d.Rename(ctx, "/zone/home/a", "/zone/home/b"))

	_, err := d.GetAttr(ctx, "/zone/home/b")
	require.NoError(t, err)

	require.NoError(t, d.Unlink(ctx, "/zone/home/b"))
}

func TestDispatcher_Truncate(t *testing.T) {
	d, sess := newTestDispatcher(t)
	sess.PutObject("/zone/home/a", []byte("0123456789"))

	ctx := context.Background()
	require.NoError(t, d.Truncate(ctx, "/zone/home/a", 3))

	info, err := d.GetAttr(ctx, "/zone/home/a")
	require.NoError(t, err)
	assert.EqualValues(t, 3, info.Size())
}

func TestDispatcher_SymlinkReadlink(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, d.Symlink(ctx, "/zone/home/target", "/zone/home/link"))
	target, err := d.Readlink(ctx, "/zone/home/link")
	require.NoError(t, err)
	assert.Equal(t, "/zone/home/target", target)
}

func TestDispatcher_ChmodChown(t *testing.T) {
	d, sess := newTestDispatcher(t)
	sess.PutObject("/zone/home/a", []byte("x"))

	ctx := context.Background()
	require.NoError(t, d.Chmod(ctx, "/zone/home/a", 0600))
	require.NoError(t, d.Chown(ctx, "/zone/home/a", 1000, 1000))
}

func TestDispatcher_StatFS(t *testing.T) {
	d, _ := newTestDispatcher(t)
	blocks, free, bsize := d.StatFS(context.Background())
	assert.Positive(t, blocks)
	assert.Positive(t, free)
	assert.EqualValues(t, 4, bsize)
}

func TestDispatcher_ReadNonexistentHandleIsInvalidArgument(t *testing.T) {
	d, _ := newTestDispatcher(t)
	_, err := d.Read(context.Background(), handle.ID(999), 0, make([]byte, 4))
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgument, errs.KindOf(err))
}
