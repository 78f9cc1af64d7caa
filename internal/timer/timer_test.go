package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyverse/irodsfs-go/internal/clock"
)

func TestTimer_RunsHandlerRepeatedly(t *testing.T) {
	tm := New(clock.Real{})
	var calls int32
	tm.AddHandler(func() { atomic.AddInt32(&calls, 1) })

	tm.Start()
	defer tm.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 3
	}, time.Second, time.Millisecond)
}

func TestTimer_StopHaltsHandlerCalls(t *testing.T) {
	tm := New(clock.Real{})
	var calls int32
	tm.AddHandler(func() { atomic.AddInt32(&calls, 1) })

	tm.Start()
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 1
	}, time.Second, time.Millisecond)

	tm.Stop()
	after := atomic.LoadInt32(&calls)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&calls))
}

func TestSelf_GatesOnElapsedInterval(t *testing.T) {
	c := clock.NewSimulated(time.Unix(0, 0))
	var calls int32
	h := Self(c, 10*time.Millisecond, func() { atomic.AddInt32(&calls, 1) })

	h()
	h()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	c.Advance(11 * time.Millisecond)
	h()
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestTimer_HandlerPanicDoesNotStopOtherHandlers(t *testing.T) {
	tm := New(clock.Real{})
	var calls int32
	tm.AddHandler(func() { panic("boom") })
	tm.AddHandler(func() { atomic.AddInt32(&calls, 1) })

	tm.Start()
	defer tm.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 2
	}, time.Second, time.Millisecond)
}
