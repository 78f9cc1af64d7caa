package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/jacobsa/daemonize"
	"github.com/jacobsa/fuse"
	"github.com/kardianos/osext"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"github.com/cyverse/irodsfs-go/cfg"
	"github.com/cyverse/irodsfs-go/internal/clock"
	"github.com/cyverse/irodsfs-go/internal/fs"
	"github.com/cyverse/irodsfs-go/internal/handle"
	"github.com/cyverse/irodsfs-go/internal/logger"
	"github.com/cyverse/irodsfs-go/internal/metadata"
	"github.com/cyverse/irodsfs-go/internal/metrics"
	"github.com/cyverse/irodsfs-go/internal/pool"
	"github.com/cyverse/irodsfs-go/internal/rclient"
	"github.com/cyverse/irodsfs-go/internal/rpc"
	"github.com/cyverse/irodsfs-go/internal/timer"
)

const (
	successfulMountMessage   = "irodsfs-go has been successfully mounted."
	unsuccessfulMountMessage = "irodsfs-go failed to mount"
)

// dialSession is the pool.Dialer implementation plugged in at mount time. No
// concrete rclient.Session (the remote protocol client itself, out of scope
// per this project's core) ships with this repository; a production build
// links one in and replaces this function. Left as an explicit seam rather
// than a fabricated client so the integration point stays honest.
var dialSession pool.Dialer = func(ctx context.Context) (rclient.Session, error) {
	return nil, fmt.Errorf("cmd: no rclient.Session implementation is linked into this build")
}

// mountAndServe builds the component stack from c and mounts it at
// mountPoint, daemonizing first unless running in the foreground.
func mountAndServe(ctx context.Context, mountPoint string, c *cfg.Config) error {
	if err := logger.Init(logger.Config{
		Format:     c.Logging.Format,
		Severity:   logger.Severity(c.Logging.Severity),
		FilePath:   c.Logging.FilePath,
		MaxSizeMB:  c.Logging.LogRotate.MaxFileSizeMB,
		MaxBackups: c.Logging.LogRotate.BackupFileCount,
		Compress:   c.Logging.LogRotate.Compress,
	}); err != nil {
		return fmt.Errorf("logger.Init: %w", err)
	}

	if !viper.GetBool("foreground") {
		return daemonizeAndWait(mountPoint)
	}

	mfs, err := mount(ctx, mountPoint, c)
	if err != nil {
		logger.Errorf("%s: %v", unsuccessfulMountMessage, err)
		_ = daemonize.SignalOutcome(fmt.Errorf("%s: %w", unsuccessfulMountMessage, err))
		return err
	}
	logger.Infof(successfulMountMessage)
	_ = daemonize.SignalOutcome(nil)

	registerSIGINTHandler(mfs.Dir())

	if err := mfs.Join(context.Background()); err != nil {
		return fmt.Errorf("fuse.MountedFileSystem.Join: %w", err)
	}
	return nil
}

// daemonizeAndWait re-execs the current binary with --foreground set and
// waits for it to report mount success or failure, mirroring the original's
// fork-after-connect sequencing.
func daemonizeAndWait(mountPoint string) error {
	path, err := osext.Executable()
	if err != nil {
		return fmt.Errorf("osext.Executable: %w", err)
	}

	args := append([]string{"--foreground"}, os.Args[1:]...)
	args[len(args)-1] = mountPoint

	env := []string{fmt.Sprintf("PATH=%s", os.Getenv("PATH"))}
	if home, err := os.UserHomeDir(); err == nil {
		env = append(env, fmt.Sprintf("HOME=%s", home))
	}

	if err := daemonize.Run(path, args, env, os.Stdout); err != nil {
		return fmt.Errorf("daemonize.Run: %w", err)
	}
	logger.Infof(successfulMountMessage)
	return nil
}

// mount wires up the connection pool, RPC facade, handle registry, metadata
// cache, dispatcher, and kernel-facing adapter, then mounts it at
// mountPoint. The background maintenance timer is started only after
// fuse.Mount returns and Init has fired, per internal/timer and
// internal/fs.Dispatcher.Init's documented ordering constraint.
func mount(ctx context.Context, mountPoint string, c *cfg.Config) (*fuse.MountedFileSystem, error) {
	p := pool.New(pool.Options{
		MaxConn:       c.Pool.MaxConn,
		ConnReuse:     c.Pool.ConnReuse,
		ConnTimeout:   time.Duration(c.Pool.ConnTimeoutSec) * time.Second,
		ConnKeepAlive: time.Duration(c.Pool.ConnKeepAliveSec) * time.Second,
		Clock:         clock.Real{},
	}, dialSession)

	facade := rpc.New(p, rpc.Options{
		Timeout:       time.Duration(c.Pool.RodsAPITimeoutSec) * time.Second,
		OpRateLimitHz: c.RateLimit.OpRateLimitHz,
	})

	handles := handle.New()

	var metaTTL time.Duration
	if c.Metadata.Enabled {
		metaTTL = time.Duration(c.Metadata.TimeoutSec) * time.Second
	}
	meta := metadata.New(metaTTL, metaTTL)

	dispatcher := fs.New(p, facade, handles, meta, fs.Options{
		BlockSize:       c.Block.BlockSize,
		PreloadEnabled:  c.Preload.Enabled,
		PreloadBlocks:   c.Preload.NumBlocks,
		PreloadThreads:  c.Preload.NumThreads,
		MetadataEnabled: c.Metadata.Enabled,
	})
	adapter := fs.NewAdapter(dispatcher)

	collector := metrics.NewCollector(metrics.Sources{Pool: p, Handles: handles, Cache: meta, Preload: dispatcher.Preload()})
	if c.Metrics.Enabled {
		serveMetrics(c.Metrics.ListenAddr, collector)
	}

	logger.Infof("mounting at %q...", mountPoint)
	mfs, err := fuse.Mount(mountPoint, fuse.NewServer(adapter), &fuse.MountConfig{
		EnableVnodeCaching: c.Metadata.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("fuse.Mount: %w", err)
	}

	maint := timer.New(clock.Real{})
	maint.AddHandler(timer.Self(clock.Real{}, time.Duration(c.Pool.ConnCheckIntervalSec)*time.Second, func() {
		p.ReapIdle(ctx)
	}))
	maint.Start()

	go func() {
		_ = mfs.Join(context.Background())
		maint.Stop()
		dispatcher.Destroy(context.Background())
	}()

	return mfs, nil
}

// serveMetrics exposes collector's registry on addr in the background. A
// listen failure is logged, not fatal: metrics are diagnostic, not required
// for the mount to function.
func serveMetrics(addr string, collector *metrics.Collector) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Errorf("metrics: listener on %q stopped: %v", addr, err)
		}
	}()
}

// registerSIGINTHandler lets the user unmount with Ctrl-C.
func registerSIGINTHandler(mountPoint string) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)

	go func() {
		for range signalChan {
			logger.Infof("received SIGINT, attempting to unmount %q...", mountPoint)
			if err := fuse.Unmount(mountPoint); err != nil {
				logger.Errorf("failed to unmount in response to SIGINT: %v", err)
			} else {
				logger.Infof("successfully unmounted in response to SIGINT")
			}
		}
	}()
}
