package block

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyverse/irodsfs-go/internal/clock"
	"github.com/cyverse/irodsfs-go/internal/handle"
	"github.com/cyverse/irodsfs-go/internal/pool"
	"github.com/cyverse/irodsfs-go/internal/rclient"
	"github.com/cyverse/irodsfs-go/internal/rclient/fake"
)

func newTestHandle(t *testing.T, sess *fake.Session, path string, content []byte) *handle.File {
	t.Helper()
	sess.PutObject(path, content)

	ctx := context.Background()
	p := pool.New(pool.Options{MaxConn: 1, Clock: clock.Real{}}, func(ctx context.Context) (rclient.Session, error) {
		return sess, nil
	})
	conn, err := p.GetAndUse(ctx, pool.FileIO)
	require.NoError(t, err)

	fd, err := sess.DataObjOpen(ctx, path, 0)
	require.NoError(t, err)

	r := handle.New()
	return r.Open(path, 0, conn, fd)
}

func TestCache_ReadBlock_FetchesAndCaches(t *testing.T) {
	sess := fake.New()
	content := []byte("0123456789abcdef")
	f := newTestHandle(t, sess, "/zone/home/a", content)

	c := New(4)

	b, err := c.ReadBlock(context.Background(), f, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123"), b)

	b2, err := c.ReadBlock(context.Background(), f, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("4567"), b2)
}

func TestCache_Read_SpansMultipleBlocks(t *testing.T) {
	sess := fake.New()
	content := []byte("0123456789abcdef")
	f := newTestHandle(t, sess, "/zone/home/a", content)

	c := New(4)

	buf := make([]byte, 10)
	n, err := c.Read(context.Background(), f, 2, buf)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, []byte("23456789ab"), buf[:n])
}

func TestCache_Write_InvalidatesOverlappingBlocks(t *testing.T) {
	sess := fake.New()
	content := []byte("0123456789abcdef")
	f := newTestHandle(t, sess, "/zone/home/a", content)

	c := New(4)

	_, err := c.ReadBlock(context.Background(), f, 1)
	require.NoError(t, err)

	_, err = c.Write(context.Background(), f, 5, []byte("XYZ"))
	require.NoError(t, err)

	b, err := c.ReadBlock(context.Background(), f, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("4XYZ"), b)
}

func TestCache_ReadBlock_ShortLastBlock(t *testing.T) {
	sess := fake.New()
	content := []byte("012345678")
	f := newTestHandle(t, sess, "/zone/home/a", content)

	c := New(4)

	b, err := c.ReadBlock(context.Background(), f, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("8"), b)
}

func TestID_Start_InBlockOffset(t *testing.T) {
	assert.Equal(t, BlockID(0), ID(0, 4))
	assert.Equal(t, BlockID(1), ID(4, 4))
	assert.Equal(t, BlockID(2), ID(9, 4))
	assert.Equal(t, int64(8), Start(2, 4))
	assert.Equal(t, 1, InBlockOffset(9, 4))
}
