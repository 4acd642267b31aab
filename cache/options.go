package cache

import (
	"io"
	"log/slog"
	"time"
)

// Default scheduling constants. Deadlines follow the write-behind delays
// networked file clients traditionally use: several seconds for ordinary
// ranges, much shorter for ranges under an advisory lock (another client is
// likely waiting on them), and a separate delay before pending-commit
// records are committed.
const (
	DefaultWritebackDelay   = 5 * time.Second
	DefaultLockedRangeDelay = 1 * time.Second
	DefaultCommitDelay      = 5 * time.Second

	// DefaultGatherMultiplier sizes the flush threshold for single-phase
	// transports: dirty pages accumulate to this many write-calls' worth
	// before a threshold flush, so servers that gather writes see full
	// batches.
	DefaultGatherMultiplier = 8
)

// Options configures a Cache. Transport and Pages are required; everything
// else has a working default.
type Options struct {
	Transport Transport
	Pages     PageCache

	// Credentials resolves principals for write calls. Defaults to a
	// pass-through provider.
	Credentials CredentialProvider

	// Locks, when set, shortens flush deadlines for ranges under an
	// advisory lock.
	Locks LockTable

	// Clock defaults to the wall clock.
	Clock Clock

	// Logger receives dispatch and completion diagnostics. Defaults to a
	// discard logger.
	Logger *slog.Logger

	// SoftLimit and HardLimit bound the global count of buffered records;
	// zero means the package defaults.
	SoftLimit int64
	HardLimit int64

	// AdmitQuantum is the re-check interval for writers blocked on the
	// hard limit; AdmitTimeout bounds their total wait.
	AdmitQuantum time.Duration
	AdmitTimeout time.Duration

	// Interruptible opts admission waits into context cancellation.
	Interruptible bool

	WritebackDelay   time.Duration
	LockedRangeDelay time.Duration
	CommitDelay      time.Duration

	// GatherMultiplier scales the threshold trigger for transports without
	// a commit phase.
	GatherMultiplier int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Credentials == nil {
		out.Credentials = anonymousCreds{}
	}
	if out.Clock == nil {
		out.Clock = realClock{}
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if out.WritebackDelay <= 0 {
		out.WritebackDelay = DefaultWritebackDelay
	}
	if out.LockedRangeDelay <= 0 {
		out.LockedRangeDelay = DefaultLockedRangeDelay
	}
	if out.CommitDelay <= 0 {
		out.CommitDelay = DefaultCommitDelay
	}
	if out.GatherMultiplier <= 0 {
		out.GatherMultiplier = DefaultGatherMultiplier
	}
	return out
}
