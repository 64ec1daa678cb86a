package nofrep

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nofrep/nofrep/internal/coordinator"
	"github.com/nofrep/nofrep/internal/latency"
	"github.com/nofrep/nofrep/internal/logging"
	"github.com/nofrep/nofrep/internal/nsentry"
	"github.com/nofrep/nofrep/internal/nsworker"
	"github.com/nofrep/nofrep/internal/ratelimit"
	"github.com/nofrep/nofrep/internal/task"
	"github.com/nofrep/nofrep/internal/transport"
	"github.com/nofrep/nofrep/internal/worker"
)

// defaultNamespaceCapacity sizes a namespace's backing store/file when
// a transport spec doesn't otherwise pin one down — this benchmark
// harness's loopback nvme/aio/uring variants size storage up front
// rather than querying a real controller's reported capacity.
const defaultNamespaceCapacity = 1 << 30 // 1 GiB

// Result is the end-of-run summary Run returns, the data behind the
// process's final aggregate print and exit code.
type Result struct {
	ElapsedUsec      int64
	TotalIOCompleted uint64
	TotalBytes       uint64
	Failed           bool

	Stats EngineStatsSnapshot
}

// RegisterNamespace is the narrow constructor external callers use
// when they already manage their own backing file rather than letting
// Run create one via ensureBackingFile: device discovery/attach stays
// out of scope (spec.md §1), so this just turns an already-opened
// *os.File's size into a namespace entry, skipping subsystem
// enumeration entirely. f may be nil for the nvme loopback variant,
// which needs no backing file.
func RegisterNamespace(id int, kind nsentry.TransportKind, f *os.File, ioSizeBytes, ioLimit int, replicaSeed uint32) (*nsentry.Namespace, error) {
	capacity := int64(defaultNamespaceCapacity)
	if f != nil {
		fi, err := f.Stat()
		if err != nil {
			return nil, WrapError("RegisterNamespace", err)
		}
		capacity = fi.Size()
	} else if kind != nsentry.TransportNVMe {
		return nil, NewError("RegisterNamespace", KindConfigInvalid, fmt.Sprintf("transport %q requires an already-opened backing file", kind))
	}

	ns, err := nsentry.Open(id, kind, capacity, ioSizeBytes, DefaultLogicalBlockSize, ioLimit, replicaSeed)
	if err != nil {
		return nil, WrapError("RegisterNamespace", err)
	}
	return ns, nil
}

func buildTransport(kind nsentry.TransportKind, nsPaths map[int]string) (transport.Transport, error) {
	switch kind {
	case nsentry.TransportNVMe:
		return transport.NewNVMe(), nil
	case nsentry.TransportAIO:
		return transport.NewAIO(nsPaths), nil
	case nsentry.TransportURing:
		return transport.NewURing(nsPaths, uint32(DefaultQueueDepth)), nil
	default:
		return nil, fmt.Errorf("nofrep: unknown transport kind %q", kind)
	}
}

func ensureBackingFile(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("nofrep: create backing file %s: %w", path, err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("nofrep: truncate backing file %s: %w", path, err)
	}
	return nil
}

// Run wires every namespace, per-core worker, and the latency pipeline
// from cfg, drives the benchmark until ctx is canceled or the deadline
// passes, and returns the end-of-run summary.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logging.Default()

	namespaces := make([]*nsentry.Namespace, cfg.ReplicaNum)
	kinds := make([]nsentry.TransportKind, cfg.ReplicaNum)
	pathsByKind := make(map[nsentry.TransportKind]map[int]string)

	for i := 0; i < cfg.ReplicaNum; i++ {
		spec := cfg.Transports[i]
		kind := nsentry.TransportKind(spec.TrType)
		kinds[i] = kind

		ns, err := nsentry.Open(i, kind, defaultNamespaceCapacity, cfg.IOSizeBytes, DefaultLogicalBlockSize, cfg.IOLimit, uint32(i+1))
		if err != nil {
			return nil, WrapError("Run", err)
		}
		if cfg.ZipfTheta > 0 {
			if err := ns.EnableZipf(cfg.ZipfTheta); err != nil {
				return nil, WrapError("Run", err)
			}
		}
		namespaces[i] = ns

		if kind == nsentry.TransportAIO || kind == nsentry.TransportURing {
			if pathsByKind[kind] == nil {
				pathsByKind[kind] = map[int]string{}
			}
			path := spec.TrAddr
			if path == "" {
				path = fmt.Sprintf("nofrep-ns-%d.img", i)
			}
			pathsByKind[kind][i] = path
			if err := ensureBackingFile(path, ns.SizeInIOs*ns.IOSizeBlocks*int64(ns.BlockSize)); err != nil {
				return nil, WrapError("Run", err)
			}
		}
	}

	transports := make(map[nsentry.TransportKind]transport.Transport)
	for _, kind := range kinds {
		if _, ok := transports[kind]; ok {
			continue
		}
		t, err := buildTransport(kind, pathsByKind[kind])
		if err != nil {
			return nil, WrapError("Run", err)
		}
		transports[kind] = t
	}

	cores := cfg.Cores()

	pool, err := task.NewPool(cfg.IODepth*cfg.ReplicaNum*len(cores)*4, 64<<20, cfg.IOSizeBytes, DefaultIOAlign)
	if err != nil {
		return nil, WrapError("Run", err)
	}

	bar := worker.NewBarrier(len(cores))
	var exitFlag atomic.Bool

	stats := NewEngineStats()

	lat := latency.New(64)
	stop := make(chan struct{})
	go lat.Run(stop, 0)

	latWriters := []*latency.Writer{
		latency.NewWriter(HostLatencyCSVPath),
		latency.NewWriter(TargetLatencyCSVPath),
	}
	runTimeout := time.Duration(float64(cfg.RunTimeSeconds)*1.2+6) * time.Second
	go latency.RunConsumerMulti(latWriters, lat.Rows(), runTimeout)

	var wg sync.WaitGroup
	results := make([]worker.Result, len(cores))
	runErrs := make([]error, len(cores))
	var allCtxs []*nsworker.Context

	for ci, coreID := range cores {
		isMain := ci == 0
		wctxs := make([]*nsworker.Context, cfg.ReplicaNum)
		for i, ns := range namespaces {
			wctxs[i] = nsworker.New(coreID, ns, transports[kinds[i]], cfg.IODepth)
		}
		allCtxs = append(allCtxs, wctxs...)

		var gate *ratelimit.Gate
		if cfg.IOsPerSecond > 0 {
			gate = ratelimit.New(cfg.IOsPerSecond, cfg.BatchSize)
		}

		coordCfg := coordinator.Config{
			ReplicaNum:      cfg.ReplicaNum,
			SendMainRepLast: cfg.SendMainRepLast,
			ContinueOnError: cfg.ContinueOnError > 0,
			ErrorLogEveryN:  cfg.ContinueOnError,
			IOSizeBytes:     cfg.IOSizeBytes,
			IOUnitSize:      DefaultIOUnitSize,
			RWMixRead:       cfg.RWMixRead,
			RandomOffsets:   cfg.Pattern.Random(),
			NumberIOs:       uint64(cfg.NumberIOs),
			Gate:            gate,
			Lat:             lat,
			Logger:          log,
			Stats:           stats,
		}
		coord, err := coordinator.New(pool, wctxs, coordCfg)
		if err != nil {
			return nil, WrapError("Run", err)
		}

		wcfg := worker.Config{
			CoreID:          coreID,
			IsMain:          isMain,
			ContinueOnError: cfg.ContinueOnError > 0,
			QueueDepth:      cfg.IODepth,
			NumActiveQPairs: cfg.NumQPairs,
			NumUnusedQPairs: cfg.NumUnusedQPairs,
			WarmupTime:      time.Duration(cfg.WarmupSeconds) * time.Second,
			RunTime:         time.Duration(cfg.RunTimeSeconds) * time.Second,
			StatsInterval:   time.Second,
			Logger:          log,
		}
		w := worker.New(wcfg, wctxs, coord, gate, bar, &exitFlag)

		idx := ci
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := w.Run()
			results[idx] = res
			runErrs[idx] = err
		}()
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			exitFlag.Store(true)
		case <-done:
		}
	}()

	wg.Wait()
	close(done)
	close(stop)
	stats.Stop()

	out := &Result{Stats: stats.Snapshot()}
	for i, res := range results {
		if runErrs[i] != nil {
			out.Failed = true
			log.Errorf("worker core=%d: %v", cores[i], runErrs[i])
		}
		if res.Failed {
			out.Failed = true
		}
		if res.ElapsedUsec > 0 {
			out.ElapsedUsec = res.ElapsedUsec
		}
	}
	for _, c := range allCtxs {
		out.TotalIOCompleted += c.Stats.IOCompleted.Load()
		out.TotalBytes += c.Stats.BytesDone.Load()
		if c.Failed() {
			out.Failed = true
		}
	}
	return out, nil
}
