package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-unvme"
	"github.com/ehrlich-b/go-unvme/backend"
	"github.com/ehrlich-b/go-unvme/hw"
	"github.com/ehrlich-b/go-unvme/internal/config"
	"github.com/ehrlich-b/go-unvme/internal/logging"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML configuration file")
		mode       = flag.String("mode", "", "Target: emu or pci")
		sizeStr    = flag.String("size", "", "Size of the emulated namespace (e.g., 64M, 1G)")
		file       = flag.String("file", "", "Back the emulated namespace with this file")
		pciAddr    = flag.String("pci", "", "PCI address of the controller (pci mode)")
		queues     = flag.Int("queues", 0, "Number of I/O queues")
		depth      = flag.Int("depth", 0, "I/O queue depth")
		workload   = flag.String("workload", "", "Workload: verify, batch or randread")
		batchSize  = flag.Int("batch", 0, "Reads per doorbell in the batch workload")
		duration   = flag.Duration("duration", 0, "Run time of the randread workload")
		listen     = flag.String("listen", "", "Serve /status and /metrics on this address")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("Invalid config: %v", err)
		}
	}

	// flags given explicitly win over the file
	var sizeErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Target.Mode = *mode
		case "size":
			n, err := config.ParseSize(*sizeStr)
			sizeErr = err
			cfg.Target.Size = config.Size(n)
		case "file":
			cfg.Target.File = *file
		case "pci":
			cfg.Target.Mode = config.ModePCI
			cfg.Target.PCIAddr = *pciAddr
		case "queues":
			cfg.Device.Queues = *queues
		case "depth":
			cfg.Device.QueueDepth = *depth
		case "workload":
			cfg.Bench.Workload = *workload
		case "batch":
			cfg.Bench.BatchSize = *batchSize
		case "duration":
			cfg.Bench.Duration = *duration
		case "listen":
			cfg.Listen = *listen
		case "v":
			if *verbose {
				cfg.Log.Level = "debug"
			}
		}
	})
	if sizeErr != nil {
		log.Fatalf("Invalid size '%s': %v", *sizeStr, sizeErr)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger := logging.NewLogger(cfg.LogConfig())
	logging.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hwr, release, err := openTarget(cfg, logger)
	if err != nil {
		logger.Error("failed to open target", "error", err)
		os.Exit(1)
	}

	batches := make(chan unvme.Batch, 64)
	options := &unvme.Options{
		Logger: logger,
		OnBatch: func(qid uint16, b unvme.Batch) {
			select {
			case batches <- b:
			default:
			}
		},
	}

	dev, err := unvme.Open(ctx, cfg.Params(), hwr, options)
	if err != nil {
		logger.Error("failed to open device", "error", err)
		release()
		os.Exit(1)
	}
	stop := func() {
		logger.Info("shutting down device")
		if err := unvme.Shutdown(context.Background(), dev); err != nil {
			logger.Error("error shutting down device", "error", err)
		}
	}

	ctrl := dev.Controller()
	logger.Info("device ready",
		"serial", ctrl.Serial,
		"model", ctrl.Model,
		"version", ctrl.Version,
		"queues", dev.NumQueues(),
		"depth", dev.QueueDepth(),
		"size", config.FormatSize(dev.Size()))

	fmt.Printf("Controller: %s %s (firmware %s, NVMe %s)\n", ctrl.Model, ctrl.Serial, ctrl.Firmware, ctrl.Version)
	fmt.Printf("Namespace %d: %s, %d byte blocks\n", dev.Namespace().ID, config.FormatSize(dev.Size()), dev.BlockSize())
	fmt.Printf("I/O queues: %d x %d entries, max transfer %s\n", dev.NumQueues(), dev.QueueDepth(), config.FormatSize(int64(ctrl.MaxTransfer)))

	var srv *http.Server
	if cfg.Listen != "" {
		srv = serveStatus(cfg.Listen, dev, logger)
		fmt.Printf("Status on http://%s/status, metrics on http://%s/metrics\n", cfg.Listen, cfg.Listen)
	}

	// SIGUSR1 dumps goroutine stacks, SIGINT/SIGTERM stop the workload
	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	start := time.Now()
	err = run(ctx, cfg, dev, hwr, batches, logger)
	elapsed := time.Since(start)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("workload failed", "workload", cfg.Bench.Workload, "error", err)
	}

	report(dev, elapsed)

	if srv != nil && err == nil {
		fmt.Printf("\nPress Ctrl+C to stop...\n")
		<-ctx.Done()
	}
	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), time.Second)
		srv.Shutdown(shutdownCtx)
		done()
	}

	// Try cleanup with a timeout
	cleanupDone := make(chan struct{})
	go func() {
		stop()
		close(cleanupDone)
	}()
	select {
	case <-cleanupDone:
		release()
	case <-time.After(cfg.Device.ShutdownTimeout + time.Second):
		logger.Info("cleanup timeout, forcing exit")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		os.Exit(1)
	}
}

// openTarget builds the platform collaborators for the configured target.
// release closes whatever it opened and must run after Shutdown.
func openTarget(cfg *config.Config, logger *logging.Logger) (unvme.Hardware, func(), error) {
	t := cfg.Target
	if t.Mode == config.ModePCI {
		path := t.BAR
		if path == "" {
			path = hw.ResourcePath(t.PCIAddr)
		}
		bar, err := hw.MapBAR(path)
		if err != nil {
			return unvme.Hardware{}, nil, fmt.Errorf("map %s: %w", path, err)
		}
		alloc, err := hw.NewHostAllocator(t.HugePages)
		if err != nil {
			bar.Close()
			return unvme.Hardware{}, nil, err
		}
		intr, err := hw.NewEventfdInterrupts(cfg.Device.Queues + 1)
		if err != nil {
			alloc.Close()
			bar.Close()
			return unvme.Hardware{}, nil, err
		}
		logger.Info("mapped controller", "bar", path, "bar_size", bar.Size())
		release := func() {
			intr.Close()
			alloc.Close()
			bar.Close()
		}
		return unvme.Hardware{Regs: bar, Alloc: alloc, Intr: intr}, release, nil
	}

	opts := cfg.EmuOptions()
	opts.Logger = logger
	size := int64(t.Size)
	if t.File != "" {
		f, err := backend.OpenFile(t.File, size)
		if err != nil {
			return unvme.Hardware{}, nil, err
		}
		opts.Media = f
		logger.Info("emulating controller", "media", t.File, "size", config.FormatSize(size))
	} else {
		logger.Info("emulating controller", "media", "memory", "size", config.FormatSize(size))
	}

	c, hwr, err := unvme.NewEmulated(size, opts)
	if err != nil {
		if opts.Media != nil {
			opts.Media.Close()
		}
		return unvme.Hardware{}, nil, err
	}
	return hwr, func() {
		if err := c.Close(); err != nil {
			logger.Warn("closing emulated controller", "error", err)
		}
	}, nil
}

func run(ctx context.Context, cfg *config.Config, dev *unvme.Device, hwr unvme.Hardware, batches <-chan unvme.Batch, logger *logging.Logger) error {
	b := cfg.Bench
	for i := 0; i < b.Iterations; i++ {
		var err error
		switch b.Workload {
		case config.WorkloadVerify:
			err = verify(ctx, dev, int(b.IOSize))
		case config.WorkloadBatch:
			err = batchReads(ctx, dev, hwr, b.BatchSize, batches)
		case config.WorkloadRandRead:
			err = randRead(ctx, dev, int(b.IOSize), b.Workers, b.Duration)
		}
		if err != nil {
			return err
		}
		logger.Debug("iteration done", "workload", b.Workload, "iteration", i)
	}
	return nil
}

// verify writes a pattern at every block-aligned stride and reads it back
func verify(ctx context.Context, dev *unvme.Device, ioSize int) error {
	bs := dev.BlockSize()
	n := max(bs, ioSize-ioSize%bs)
	pattern := bytes.Repeat([]byte{0xEA}, n)
	got := make([]byte, n)

	blocks := uint64(dev.Size()) / uint64(bs)
	stride := uint64(n / bs)
	step := max(stride, blocks/64)
	for lba := uint64(0); lba+stride <= blocks; lba += step {
		if err := dev.WriteBlocks(ctx, lba, pattern); err != nil {
			return fmt.Errorf("write lba %d: %w", lba, err)
		}
		if err := dev.ReadBlocks(ctx, lba, got); err != nil {
			return fmt.Errorf("read lba %d: %w", lba, err)
		}
		if !bytes.Equal(got, pattern) {
			return fmt.Errorf("mismatch at lba %d", lba)
		}
		clear(got)
	}
	if err := dev.Flush(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	fmt.Printf("verify: ok\n")
	return nil
}

// batchReads submits n single-block reads on the first queue with one
// doorbell write and waits for the batch to complete
func batchReads(ctx context.Context, dev *unvme.Device, hwr unvme.Hardware, n int, batches <-chan unvme.Batch) error {
	q := dev.Queue(0)
	if n > q.Capacity() {
		return fmt.Errorf("batch of %d exceeds queue capacity %d", n, q.Capacity())
	}
	bs := dev.BlockSize()
	region, err := hwr.Alloc.Alloc(n * bs)
	if err != nil {
		return err
	}
	defer hwr.Alloc.Free(region)

	blocks := uint64(dev.Size()) / uint64(bs)
	reqs := make([]unvme.Request, n)
	for i := range reqs {
		reqs[i] = unvme.Request{Buf: region.Slice(i*bs, bs), LBA: uint64(i) % blocks, Blocks: 1}
	}

	failed := make(chan error, n)
	start := time.Now()
	_, _, issued, err := q.IssueBatch(unvme.OpRead, reqs, func(c unvme.Completion) {
		if c.Err != nil {
			failed <- c.Err
		}
	})
	if err != nil {
		// commands already issued still complete into region
		if issued > 0 {
			drain(ctx, q)
		}
		return err
	}

	select {
	case b := <-batches:
		fmt.Printf("batch: %d reads in %v\n", b.Total, time.Since(start))
	case <-ctx.Done():
		drain(context.Background(), q)
		return ctx.Err()
	}
	select {
	case err := <-failed:
		return err
	default:
		return nil
	}
}

// drain waits for every outstanding command on q before its buffers are freed
func drain(ctx context.Context, q *unvme.Queue) {
	for q.Outstanding() > 0 && ctx.Err() == nil {
		time.Sleep(100 * time.Microsecond)
	}
}

// randRead issues random reads from several goroutines until d elapses
func randRead(ctx context.Context, dev *unvme.Device, ioSize, workers int, d time.Duration) error {
	bs := dev.BlockSize()
	n := max(bs, ioSize-ioSize%bs)
	blocks := uint64(dev.Size()/int64(bs)) - uint64(n/bs)

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			buf := make([]byte, n)
			for ctx.Err() == nil {
				lba := rand.Uint64N(blocks + 1)
				if err := dev.ReadBlocks(ctx, lba, buf); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func report(dev *unvme.Device, elapsed time.Duration) {
	s := dev.MetricsSnapshot()
	fmt.Printf("\nElapsed: %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Reads:  %d ops, %s (errors %d)\n", s.ReadOps, config.FormatSize(int64(s.ReadBytes)), s.ReadErrors)
	fmt.Printf("Writes: %d ops, %s (errors %d)\n", s.WriteOps, config.FormatSize(int64(s.WriteBytes)), s.WriteErrors)
	if secs := elapsed.Seconds(); secs > 0 {
		ops := s.ReadOps + s.WriteOps
		fmt.Printf("IOPS:   %.0f\n", float64(ops)/secs)
	}
	fmt.Printf("Latency: avg %v, p50 %v, p99 %v\n",
		time.Duration(s.AvgLatencyNs), time.Duration(s.LatencyP50Ns), time.Duration(s.LatencyP99Ns))
	if s.QueueFull > 0 || s.Lost > 0 {
		fmt.Printf("Queue full: %d, lost completions: %d\n", s.QueueFull, s.Lost)
	}
}

// serveStatus exposes device info and Prometheus metrics
func serveStatus(addr string, dev *unvme.Device, logger *logging.Logger) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(unvme.NewCollector(dev))

	r := mux.NewRouter()
	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(dev.Info()); err != nil {
			logger.Warn("encoding status", "error", err)
		}
	}).Methods(http.MethodGet)
	r.HandleFunc("/status/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(dev.MetricsSnapshot())
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server failed", "error", err)
		}
	}()
	return srv
}
