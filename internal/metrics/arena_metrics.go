package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Arena & Generation Metrics
var (
	// ArenaBuffersActivatedTotal counts buffers entering the active state
	ArenaBuffersActivatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quiver_arena_buffers_activated_total",
			Help: "Total number of arena buffers activated",
		},
	)

	// ArenaBuffersFreedTotal counts buffers physically released
	ArenaBuffersFreedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quiver_arena_buffers_freed_total",
			Help: "Total number of arena buffers physically freed",
		},
	)

	// ArenaBufferSwitchesTotal counts primary buffer switches
	ArenaBufferSwitchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quiver_arena_buffer_switches_total",
			Help: "Total number of primary buffer switches",
		},
	)

	// ArenaBuffersResizedTotal counts in-place buffer growths
	ArenaBuffersResizedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quiver_arena_buffers_resized_total",
			Help: "Total number of in-place buffer resizes",
		},
	)

	// ArenaUsedBytes tracks bytes in use across reporting stores
	ArenaUsedBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quiver_arena_used_bytes",
			Help: "Bytes currently used by arena buffers",
		},
	)

	// ArenaDeadBytes tracks logically freed bytes awaiting compaction
	ArenaDeadBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quiver_arena_dead_bytes",
			Help: "Bytes logically freed but not yet reclaimed or compacted",
		},
	)

	// ArenaHoldBytes tracks bytes pinned by the generation hold lists
	ArenaHoldBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quiver_arena_hold_bytes",
			Help: "Bytes held for readers by the generation hold lists",
		},
	)

	// GenerationIncrementsTotal counts writer generation bumps
	GenerationIncrementsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quiver_generation_increments_total",
			Help: "Total number of generation increments",
		},
	)

	// GenerationGuardsActive tracks live reader guards
	GenerationGuardsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quiver_generation_guards_active",
			Help: "Number of currently held generation guards",
		},
	)
)

// Compaction Metrics
var (
	CompactionOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiver_compaction_operations_total",
			Help: "Total compaction operations by status",
		},
		[]string{"status"},
	)

	// CompactionEntriesMovedTotal counts live entries relocated by compaction
	CompactionEntriesMovedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quiver_compaction_entries_moved_total",
			Help: "Total number of live entries moved during compaction",
		},
	)
)
