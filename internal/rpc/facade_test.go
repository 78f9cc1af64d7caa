package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyverse/irodsfs-go/internal/clock"
	"github.com/cyverse/irodsfs-go/internal/pool"
	"github.com/cyverse/irodsfs-go/internal/rclient"
	"github.com/cyverse/irodsfs-go/internal/rclient/fake"
)

func newTestFacade(t *testing.T) (*Facade, *fake.Session) {
	t.Helper()
	sess := fake.New()
	p := pool.New(pool.Options{MaxConn: 2, Clock: clock.Real{}}, func(ctx context.Context) (rclient.Session, error) {
		return sess, nil
	})
	return New(p, Options{Timeout: time.Second}), sess
}

func TestFacade_Call_Success(t *testing.T) {
	f, sess := newTestFacade(t)
	sess.MkdirAll("/zone/home")

	var got rclient.Stat
	err := f.Call(context.Background(), pool.ShortOp, "stat", func(ctx context.Context, s rclient.Session) error {
		var err error
		got, err = s.ObjStat(ctx, "/zone/home")
		return err
	})

	require.NoError(t, err)
	assert.True(t, got.IsDir)
}

func TestFacade_Call_RetriesOnDisconnect(t *testing.T) {
	broken := fake.New()
	broken.PutObject("/zone/home/file.txt", []byte("hello"))
	broken.Disconnected = true

	healthy := fake.New()
	healthy.PutObject("/zone/home/file.txt", []byte("hello"))

	dialCount := 0
	p := pool.New(pool.Options{MaxConn: 1, Clock: clock.Real{}}, func(ctx context.Context) (rclient.Session, error) {
		dialCount++
		if dialCount == 1 {
			return broken, nil
		}
		return healthy, nil
	})
	f := New(p, Options{Timeout: time.Second})

	attempt := 0
	err := f.Call(context.Background(), pool.ShortOp, "open", func(ctx context.Context, s rclient.Session) error {
		attempt++
		_, err := s.DataObjOpen(ctx, "/zone/home/file.txt", 0)
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempt)
	assert.Equal(t, 2, dialCount)
}
