package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"

	"github.com/joshuapare/ionkit/internal/config"
	"github.com/joshuapare/ionkit/internal/logger"
	"github.com/joshuapare/ionkit/ion"
	"github.com/joshuapare/ionkit/ion/debughttp"
	"github.com/joshuapare/ionkit/ion/heaps"
	"github.com/joshuapare/ionkit/ion/rpc"
	"github.com/joshuapare/ionkit/ion/secure"
)

const shutdownTimeout = 5 * time.Second

// newHeap builds one heap from its descriptor.
var newHeap = heaps.New

// buildDevice creates the device and registers every configured heap. All
// secure heaps share one hypervisor table.
func buildDevice(cfg *config.Config, log *logger.Sink) (*ion.Device, error) {
	dev := ion.NewDevice(cfg.DeviceOptions(log)...)
	env := heaps.Env{Hyp: secure.NewTable(), Log: log}
	for _, d := range cfg.Descs() {
		h, err := newHeap(d, env)
		if err != nil {
			_ = dev.Destroy()
			return nil, fmt.Errorf("heap %q: %w", d.Name, err)
		}
		if err := dev.AddHeap(h); err != nil {
			// h is not registered, so Device.Destroy will not close it.
			if c, ok := h.(io.Closer); ok {
				err = errors.Join(err, c.Close())
			}
			_ = dev.Destroy()
			return nil, fmt.Errorf("heap %q: %w", d.Name, err)
		}
	}
	return dev, nil
}

// serve runs the daemon until ctx is cancelled or a server fails. ready, when
// set, receives the bound addresses; a disabled server reports nil.
func serve(ctx context.Context, cfg *config.Config, log *logger.Sink, ready func(grpcAddr, httpAddr net.Addr)) (err error) {
	dev, err := buildDevice(cfg, log)
	if err != nil {
		return err
	}
	rpcSrv := rpc.NewServer(dev)
	defer func() {
		err = errors.Join(err, rpcSrv.Close(), dev.Destroy())
		log.Info(logger.MaskRPC, "device destroyed")
	}()

	errc := make(chan error, 2)
	var grpcSrv *grpc.Server
	var grpcBound, httpBound net.Addr

	if cfg.Listen.GRPC != "" {
		lis, err := net.Listen("tcp", cfg.Listen.GRPC)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcSrv = grpc.NewServer(grpc.UnaryInterceptor(rpc.LogInterceptor(log)))
		rpc.RegisterDeviceServer(grpcSrv, rpcSrv)
		grpcBound = lis.Addr()
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				errc <- fmt.Errorf("grpc: %w", err)
			}
		}()
		log.Info(logger.MaskRPC, "grpc listening", "addr", grpcBound.String())
	}

	var httpSrv *http.Server
	if cfg.Listen.HTTP != "" {
		lis, err := net.Listen("tcp", cfg.Listen.HTTP)
		if err != nil {
			if grpcSrv != nil {
				grpcSrv.Stop()
			}
			return fmt.Errorf("http listen: %w", err)
		}
		httpSrv = &http.Server{Handler: debughttp.New(dev), ReadHeaderTimeout: 5 * time.Second}
		httpBound = lis.Addr()
		go func() {
			if err := httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("http: %w", err)
			}
		}()
		log.Info(logger.MaskRPC, "http listening", "addr", httpBound.String())
	}

	bgCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		reclaimLoop(bgCtx, dev, cfg.Reclaim, log)
	}()

	if ready != nil {
		ready(grpcBound, httpBound)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info(logger.MaskRPC, "shutting down")
	case serveErr = <-errc:
		log.Error(logger.MaskRPC, "server failed", "err", serveErr)
	}
	cancel()
	<-done

	if httpSrv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := httpSrv.Shutdown(sctx); err != nil {
			serveErr = errors.Join(serveErr, err)
		}
		scancel()
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	return serveErr
}

// reclaimLoop shrinks the device on every interval tick and reclaims
// everything on SIGUSR2.
func reclaimLoop(ctx context.Context, dev *ion.Device, rc config.Reclaim, log *logger.Sink) {
	sig, stop := notifyReclaim()
	defer stop()

	var tick <-chan time.Time
	if rc.Interval > 0 {
		ticker := time.NewTicker(rc.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	p, _ := ion.ParsePressure(rc.Pressure)

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			if n := dev.Reclaim(p, rc.Target); n > 0 {
				log.Info(logger.MaskReclaim, "periodic reclaim", "pressure", p.String(), "pages", n)
			}
		case <-sig:
			n := dev.Reclaim(ion.PressureHighMem, 0)
			log.Info(logger.MaskReclaim, "signal reclaim", "pages", n,
				"remaining", dev.ReclaimCount(ion.PressureHighMem))
		}
	}
}
