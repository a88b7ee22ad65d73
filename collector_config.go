package pcgc

import "runtime"

type Phase int

const (
	PhaseMarked Phase = iota + 1
	PhaseSummarized
	PhaseCompacted
)

func (phase Phase) String() string {
	switch phase {
	case PhaseMarked:
		return "marked"
	case PhaseSummarized:
		return "summarized"
	case PhaseCompacted:
		return "compacted"
	}
	return "unknown"
}

type markingConfig struct {
	ParallelGCThreads int
	// objects a worker keeps before spilling half to the shared stack
	MarkStackCapacity int
	// running out of it is fatal
	OverflowStackCapacity int
}

type summaryConfig struct {
	// percent
	DeadWoodLimiterMean   int
	DeadWoodLimiterStdDev int
	MarkSweepDeadRatio    int
	// negative disables
	MaximumCompactionInterval   int
	FirstMaximumCompactionCount int
}

type compactionConfig struct {
	Log2BlockSize        uint8
	DisableShadowRegions bool
	// workers fill unavailable regions through shadow regions before draining available ones
	PreferShadowRegions bool
}

type Config struct {
	markingConfig
	summaryConfig
	compactionConfig
	ForwardingCacheSize   int
	VerifyAfterCompaction bool
	// region statistics are dumped here on fatal errors when set
	DumpDirectory string
	// called between phases with the collection in progress, the queries and Invocations
	// answer from inside but Collect, Invoke and Close block until the cycle ends
	PhaseListener func(phase Phase)
}

func (cfg *Config) fillDefaults(log2RegionSize uint8) {
	if cfg.ParallelGCThreads == 0 {
		cfg.ParallelGCThreads = runtime.NumCPU()
	}
	if cfg.MarkStackCapacity == 0 {
		cfg.MarkStackCapacity = 1024
	}
	if cfg.OverflowStackCapacity == 0 {
		cfg.OverflowStackCapacity = 1 << 20
	}
	if cfg.DeadWoodLimiterMean == 0 {
		cfg.DeadWoodLimiterMean = 50
	}
	if cfg.DeadWoodLimiterStdDev == 0 {
		cfg.DeadWoodLimiterStdDev = 80
	}
	if cfg.MarkSweepDeadRatio == 0 {
		cfg.MarkSweepDeadRatio = 1
	}
	if cfg.MaximumCompactionInterval == 0 {
		cfg.MaximumCompactionInterval = 20
	}
	if cfg.FirstMaximumCompactionCount == 0 {
		cfg.FirstMaximumCompactionCount = 3
	}
	if cfg.Log2BlockSize == 0 {
		cfg.Log2BlockSize = 7
	}
	if cfg.Log2BlockSize > log2RegionSize {
		cfg.Log2BlockSize = log2RegionSize
	}
	if cfg.ForwardingCacheSize == 0 {
		cfg.ForwardingCacheSize = 1024
	}
}
