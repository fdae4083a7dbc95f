package concurrency

import (
	"os"
	"runtime"
	"strconv"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

// SetupMaxProcs sets GOMAXPROCS to the container CPU quota. Call it at the
// start of main; the returned function restores the previous value.
func SetupMaxProcs(logger *zap.Logger) func() {
	if logger == nil {
		logger = zap.NewNop()
	}
	undo, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof))
	if err != nil {
		logger.Warn("failed to set maxprocs", zap.Error(err))
		return func() {}
	}
	logger.Info("concurrency initialized", zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)))
	return undo
}

// DefaultMaxConcurrency returns the default ceiling on in-flight node tasks.
// Node work is mostly I/O bound, so the ceiling is a multiple of the usable CPUs:
// two inside Kubernetes, four elsewhere, or DAEDALUS_CONCURRENCY_MULTIPLIER when set.
func DefaultMaxConcurrency() int {
	cpus := runtime.GOMAXPROCS(0)
	multiplier := 4
	if isKubernetes() {
		multiplier = 2
	}
	if v, err := strconv.Atoi(os.Getenv("DAEDALUS_CONCURRENCY_MULTIPLIER")); err == nil && v > 0 {
		multiplier = v
	}
	if n := cpus * multiplier; n > 0 {
		return n
	}
	return 1
}

func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}
