// Command nofrep-bench drives a replicated NVMe-oF I/O benchmark run
// from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"
	"time"

	nofrep "github.com/nofrep/nofrep"
	"github.com/nofrep/nofrep/internal/logging"
)

// repeatedFlag collects repeated -r/--transport occurrences, since
// flag.Var is how the standard library supports flags that may be
// given more than once.
type repeatedFlag []string

func (r *repeatedFlag) String() string { return strings.Join(*r, ",") }
func (r *repeatedFlag) Set(v string) error {
	*r = append(*r, v)
	return nil
}

func main() {
	cfg := nofrep.DefaultConfig()

	var (
		ioDepth      = flag.Int("q", cfg.IODepth, "io-depth: in-flight logical I/Os per namespace-worker context")
		ioSize       = flag.Int("o", cfg.IOSizeBytes, "io-size: bytes per logical I/O")
		pattern      = flag.String("w", string(cfg.Pattern), "io-pattern: read|write|rw|randread|randwrite|randrw")
		rwMixRead    = flag.Int("M", cfg.RWMixRead, "rwmixread: percent reads in a mixed workload")
		runTime      = flag.Int("t", cfg.RunTimeSeconds, "time: run duration in seconds")
		warmupTime   = flag.Int("a", cfg.WarmupSeconds, "warmup-time: seconds excluded from stats before the real run")
		coreMaskStr  = flag.String("c", "1", "core-mask: hex bitmask of cores to pin workers to")
		repNum       = flag.Int("n", cfg.ReplicaNum, "rep-num: number of replicas (N-way fan-out)")
		finalSendLast = flag.Bool("f", false, "final-send-main-rep: submit the primary's own sibling last")
		ioLimit      = flag.Int("K", 0, "io-limit: restrict namespace size to capacity/io-limit")
		ioPerSec     = flag.Int("E", 0, "io-num-per-second: open-loop target rate, 0 disables")
		batchSize    = flag.Int("B", cfg.BatchSize, "batch-size: burst size when rate-limited")
		numberIOs    = flag.Int("d", 0, "number-ios: stop after this many logical I/Os, 0 disables")
		numQPairs    = flag.Int("P", cfg.NumQPairs, "num-qpairs: active queue pairs per namespace-worker context")
		numUnused    = flag.Int("U", cfg.NumUnusedQPairs, "num-unused-qpairs: allocated but unused queue pairs")
		zipfTheta    = flag.Float64("F", 0, "zipf: Zipf skew theta, 0 disables (uniform random/sequential)")
		continueOnErr = flag.Int("Q", 0, "continue-on-error: 0 disables, N rate-limits error logging to every Nth")
		verbose      = flag.Bool("v", false, "verbose logging")
	)
	var transports repeatedFlag
	flag.Var(&transports, "r", "transport: key:value key:value ... (repeatable, one per replica)")
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	cfg.IODepth = *ioDepth
	cfg.IOSizeBytes = *ioSize
	cfg.Pattern = nofrep.IOPattern(*pattern)
	cfg.RWMixRead = *rwMixRead
	cfg.RunTimeSeconds = *runTime
	cfg.WarmupSeconds = *warmupTime
	cfg.ReplicaNum = *repNum
	cfg.SendMainRepLast = *finalSendLast
	cfg.IOLimit = *ioLimit
	cfg.IOsPerSecond = *ioPerSec
	cfg.BatchSize = *batchSize
	cfg.NumberIOs = *numberIOs
	cfg.NumQPairs = *numQPairs
	cfg.NumUnusedQPairs = *numUnused
	cfg.ZipfTheta = *zipfTheta
	cfg.ContinueOnError = *continueOnErr

	coreMask, err := parseHexMask(*coreMaskStr)
	if err != nil {
		log.Fatalf("invalid -c core-mask %q: %v", *coreMaskStr, err)
	}
	cfg.CoreMask = coreMask

	for _, t := range transports {
		spec, err := nofrep.ParseTransportSpec(t)
		if err != nil {
			log.Fatalf("invalid -r transport %q: %v", t, err)
		}
		cfg.Transports = append(cfg.Transports, spec)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger.Info("starting run", "rep_num", cfg.ReplicaNum, "io_depth", cfg.IODepth, "io_size", cfg.IOSizeBytes, "pattern", string(cfg.Pattern))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go dumpStacksOnSIGUSR1(logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	result, err := nofrep.Run(ctx, cfg)
	if err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}

	elapsedSec := float64(result.ElapsedUsec) / 1e6
	var iops, mibs float64
	if elapsedSec > 0 {
		iops = float64(result.TotalIOCompleted) / elapsedSec
		mibs = float64(result.TotalBytes) / elapsedSec / (1024 * 1024)
	}
	fmt.Printf("\ncompleted %d I/Os in %.3fs: %.0f IOPS, %.2f MiB/s\n", result.TotalIOCompleted, elapsedSec, iops, mibs)
	fmt.Printf("latency: avg=%s p50=%s p99=%s p99.9=%s errors=%d (%.3f%%)\n",
		time.Duration(result.Stats.AvgLatencyNs),
		time.Duration(result.Stats.LatencyP50Ns),
		time.Duration(result.Stats.LatencyP99Ns),
		time.Duration(result.Stats.LatencyP999Ns),
		result.Stats.IOErrors, result.Stats.ErrorRate)

	if result.Failed {
		os.Exit(1)
	}
}

func parseHexMask(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strconv.ParseUint(s, 16, 64)
}

// dumpStacksOnSIGUSR1 mirrors the teacher's stack-dump-on-demand
// handler, useful when a run appears to hang mid-drain.
func dumpStacksOnSIGUSR1(logger *logging.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	for range ch {
		logger.Info("=== GOROUTINE STACK TRACE DUMP ===")
		buf := make([]byte, 1024*1024)
		n := runtime.Stack(buf, true)
		fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])

		filename := fmt.Sprintf("nofrep-stacks-%d.txt", time.Now().Unix())
		if f, err := os.Create(filename); err == nil {
			fmt.Fprintf(f, "Goroutine stack dump at %s\nProcess ID: %d\n\n", time.Now().Format(time.RFC3339), os.Getpid())
			f.Write(buf[:n])
			fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
			pprof.Lookup("goroutine").WriteTo(f, 2)
			f.Close()
			logger.Info("stack trace written to file", "file", filename)
		}
	}
}
