package store

import (
	"time"

	"github.com/DoctorEvidence/cobase/log"
)

const (
	defaultMapSize         = 16 << 20
	defaultCommitDelay     = 20 * time.Millisecond
	defaultSharedThreshold = 2048

	// mapGranularity is the unit the map grows in.
	mapGranularity = 0x200000
	mapGrowth      = 1.3

	iterChunk     = 100
	maxRecoveries = 16
)

// Options configure one store. Zero values select defaults.
type Options struct {
	// Name tags errors, logs and metrics. Defaults to the file name.
	Name string

	MapSize      int64 // initial map size in bytes; 0 => 16 MiB
	WriteMap     bool  // open with MDB_WRITEMAP
	ClearOnStart bool  // drop all rows after opening

	CommitDelay           time.Duration // batching window; 0 => 20ms
	SharedBufferThreshold int           // minimum size served zero-copy; 0 => 2048

	Logger log.Logger // nil => NopLogger
	Hooks  Hooks      // nil => NopHooks
}

func (o Options) withDefaults(path string) Options {
	if o.Name == "" {
		o.Name = baseName(path)
	}
	if o.MapSize <= 0 {
		o.MapSize = defaultMapSize
	}
	if o.CommitDelay <= 0 {
		o.CommitDelay = defaultCommitDelay
	}
	if o.SharedBufferThreshold <= 0 {
		o.SharedBufferThreshold = defaultSharedThreshold
	}
	if o.Logger == nil {
		o.Logger = log.NopLogger{}
	}
	if o.Hooks == nil {
		o.Hooks = NopHooks{}
	}
	return o
}

// Hooks receive high-signal storage events. Implementations must be cheap
// and non-blocking.
type Hooks interface {
	// The map was grown (by this process) or adopted (after another process grew it).
	MapResized(table string, newSize int64)
	// The data file was found corrupt, deleted and recreated empty.
	DataLoss(table string, err error)
	// A background batch failed to commit after recovery.
	BatchFailed(table string, ops int, err error)
}

type NopHooks struct{}

func (NopHooks) MapResized(string, int64)       {}
func (NopHooks) DataLoss(string, error)         {}
func (NopHooks) BatchFailed(string, int, error) {}
