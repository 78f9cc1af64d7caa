package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyverse/irodsfs-go/internal/clock"
	"github.com/cyverse/irodsfs-go/internal/rclient"
	"github.com/cyverse/irodsfs-go/internal/rclient/fake"
)

func TestPool_GetAndUse_CreatesUpToCap(t *testing.T) {
	sc := clock.NewSimulated(time.Unix(0, 0))
	p := New(Options{MaxConn: 2, ConnReuse: true, Clock: sc}, func(ctx context.Context) (rclient.Session, error) {
		return fake.New(), nil
	})

	c1, err := p.GetAndUse(context.Background(), FileIO)
	require.NoError(t, err)
	c2, err := p.GetAndUse(context.Background(), FileIO)
	require.NoError(t, err)

	assert.NotEqual(t, c1.ID(), c2.ID())
	assert.Equal(t, 2, p.Report().Total)
	assert.Equal(t, 2, p.Report().InUse)
}

func TestPool_ShortOp_Reuse(t *testing.T) {
	sc := clock.NewSimulated(time.Unix(0, 0))
	p := New(Options{MaxConn: 1, ConnReuse: true, Clock: sc}, func(ctx context.Context) (rclient.Session, error) {
		return fake.New(), nil
	})

	c1, err := p.GetAndUse(context.Background(), ShortOp)
	require.NoError(t, err)
	c2, err := p.GetAndUse(context.Background(), ShortOp)
	require.NoError(t, err)

	assert.Equal(t, c1.ID(), c2.ID())
}

func TestPool_Unuse_ReleasesLease(t *testing.T) {
	sc := clock.NewSimulated(time.Unix(0, 0))
	p := New(Options{MaxConn: 1, ConnReuse: false, Clock: sc}, func(ctx context.Context) (rclient.Session, error) {
		return fake.New(), nil
	})

	c1, err := p.GetAndUse(context.Background(), FileIO)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Report().InUse)

	p.Unuse(c1)
	assert.Equal(t, 0, p.Report().InUse)
}

func TestPool_ReapIdle_ClosesPastTimeout(t *testing.T) {
	sc := clock.NewSimulated(time.Unix(0, 0))
	p := New(Options{MaxConn: 1, ConnTimeout: 10 * time.Second, ConnKeepAlive: 5 * time.Second, Clock: sc},
		func(ctx context.Context) (rclient.Session, error) { return fake.New(), nil })

	c1, err := p.GetAndUse(context.Background(), FileIO)
	require.NoError(t, err)
	p.Unuse(c1)

	sc.Advance(11 * time.Second)
	p.ReapIdle(context.Background())

	assert.Equal(t, 0, p.Report().Total)
}

func TestPool_ReapIdle_PingsBeforeTimeout(t *testing.T) {
	sc := clock.NewSimulated(time.Unix(0, 0))
	p := New(Options{MaxConn: 1, ConnTimeout: 10 * time.Second, ConnKeepAlive: 5 * time.Second, Clock: sc},
		func(ctx context.Context) (rclient.Session, error) { return fake.New(), nil })

	c1, err := p.GetAndUse(context.Background(), FileIO)
	require.NoError(t, err)
	p.Unuse(c1)

	sc.Advance(6 * time.Second)
	p.ReapIdle(context.Background())

	assert.Equal(t, 1, p.Report().Total)
	fs := c1.Session().(*fake.Session)
	assert.Equal(t, 1, fs.PingCount)
}

func TestPool_InUseConnectionNeverReaped(t *testing.T) {
	sc := clock.NewSimulated(time.Unix(0, 0))
	p := New(Options{MaxConn: 1, ConnTimeout: 1 * time.Second, Clock: sc},
		func(ctx context.Context) (rclient.Session, error) { return fake.New(), nil })

	c1, err := p.GetAndUse(context.Background(), FileIO)
	require.NoError(t, err)

	sc.Advance(10 * time.Second)
	p.ReapIdle(context.Background())

	assert.Equal(t, 1, p.Report().Total)
	_ = c1
}
