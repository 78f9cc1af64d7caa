// Package rpc is the facade every higher layer calls through to reach the
// remote catalog/resource server: it wraps each rclient.Session operation in
// a timeout, a rate limiter, a trace span, and a single reconnect-and-retry
// cycle on classified network-disconnect errors.
package rpc

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/cyverse/irodsfs-go/internal/errs"
	"github.com/cyverse/irodsfs-go/internal/logger"
	"github.com/cyverse/irodsfs-go/internal/pool"
	"github.com/cyverse/irodsfs-go/internal/rclient"
)

// Options configures a Facade.
type Options struct {
	Timeout       time.Duration
	OpRateLimitHz float64 // 0 disables rate limiting
}

// Facade mediates every remote call the core makes.
type Facade struct {
	pool    *pool.Pool
	timeout time.Duration
	limiter *rate.Limiter
}

// New builds a Facade over the given connection pool.
func New(p *pool.Pool, opts Options) *Facade {
	f := &Facade{pool: p, timeout: opts.Timeout}
	if opts.OpRateLimitHz > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(opts.OpRateLimitHz), 1)
	}
	return f
}

// Call leases a connection of type t, invokes fn with a timeout-bound
// context and the leased session, and releases the connection afterward. On
// a classified network-disconnect error it reconnects the connection once
// and retries fn exactly once before giving up.
func (f *Facade) Call(ctx context.Context, t pool.Type, name string, fn func(ctx context.Context, s rclient.Session) error) (err error) {
	if f.limiter != nil {
		if werr := f.limiter.Wait(ctx); werr != nil {
			return errs.New(errs.RPCTimeout, "", werr)
		}
	}

	start := time.Now()
	defer func() { logger.Tracef("rpc: %s took %s (err=%v)", name, time.Since(start), err) }()

	c, err := f.pool.GetAndUse(ctx, t)
	if err != nil {
		return err
	}
	defer f.pool.Unuse(c)

	callCtx, cancel := context.WithTimeout(ctx, f.effectiveTimeout())
	defer cancel()

	err = fn(callCtx, c.Session())
	f.pool.UpdateLastActTime(c, true)
	if err == nil {
		return nil
	}

	switch c.Session().Classify(err) {
	case rclient.ClassNetworkDisconnect, rclient.ClassSessionExpired:
		if rerr := f.pool.Reconnect(ctx, c); rerr != nil {
			return errs.New(errs.NetworkDisconnect, "", rerr)
		}
		retryCtx, cancel2 := context.WithTimeout(ctx, f.effectiveTimeout())
		defer cancel2()
		if rerr := fn(retryCtx, c.Session()); rerr != nil {
			return errs.New(errs.NetworkDisconnect, "", rerr)
		}
		f.pool.UpdateLastActTime(c, true)
		return nil
	default:
		return errs.New(errs.RemoteProtocolError, "", err)
	}
}

func (f *Facade) effectiveTimeout() time.Duration {
	if f.timeout <= 0 {
		return 90 * time.Second
	}
	return f.timeout
}
