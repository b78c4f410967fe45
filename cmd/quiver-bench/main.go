// quiver-bench exercises a tensor attribute or a unique-store dictionary
// with one writer and a pool of guarded readers, reporting throughput and
// memory statistics while exposing Prometheus metrics.
package main

import (
	"context"
	"encoding/binary"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quiverdb/quiver/internal/datastore"
	"github.com/quiverdb/quiver/internal/generation"
	"github.com/quiverdb/quiver/internal/logging"
	"github.com/quiverdb/quiver/internal/tensor"
	"github.com/quiverdb/quiver/internal/uniquestore"
)

func buildStore(cfg *Config, typ tensor.Type) tensor.TensorStore {
	switch cfg.Store {
	case "direct":
		return tensor.NewDirectTensorStore()
	case "streamed":
		return tensor.NewStreamedValueStore(typ)
	default:
		return tensor.NewDenseTensorStore(typ, memory.DefaultAllocator)
	}
}

func randomValue(rng *rand.Rand, typ tensor.Type) *tensor.Value {
	cells := make([]byte, typ.BufSize())
	for i := 0; i < len(cells); i += 4 {
		binary.LittleEndian.PutUint32(cells[i:], rng.Uint32())
	}
	return tensor.NewValue(typ, nil, cells)
}

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		fallback, _ := logging.NewLogger(logging.DefaultConfig())
		fallback.Fatal().Err(err).Msg("invalid configuration")
	}

	logger, err := logging.NewLogger(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Output:    os.Stdout,
		Component: "quiver-bench",
	})
	if err != nil {
		fallback, _ := logging.NewLogger(logging.DefaultConfig())
		fallback.Fatal().Err(err).Msg("invalid log configuration")
	}

	go func() {
		logger.Info().Str("address", cfg.MetricsAddr).Msg("starting metrics server")
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	if cfg.Workload == "dictionary" {
		runDictionaryBench(ctx, cfg, logger)
		return
	}
	runAttributeBench(ctx, cfg, logger)
}

func runAttributeBench(ctx context.Context, cfg *Config, logger zerolog.Logger) {
	typ := tensor.NewType(arrow.PrimitiveTypes.Float32.(arrow.FixedWidthDataType),
		tensor.Dimension{Name: "x", Size: cfg.Dims})
	attr := tensor.NewTensorAttribute(typ, buildStore(cfg, typ), tensor.AttributeConfig{
		Logger: &logger,
	})

	var writes, reads atomic.Uint64
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		for i := 0; ctx.Err() == nil; i++ {
			docID := uint32(rng.Intn(cfg.NumDocs))
			if err := attr.SetTensor(docID, randomValue(rng, typ)); err != nil {
				return err
			}
			writes.Add(1)
			if i%cfg.CommitInterval == 0 {
				attr.Commit()
			}
		}
		attr.Commit()
		return nil
	})

	for r := 0; r < cfg.Readers; r++ {
		group.Go(func() error {
			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			for ctx.Err() == nil {
				guard := attr.TakeGuard()
				docID := uint32(rng.Intn(cfg.NumDocs))
				if v := attr.GetTensor(docID); v != nil {
					reads.Add(1)
				}
				guard.Release()
			}
			return nil
		})
	}

	start := time.Now()
	if err := group.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("benchmark failed")
	}
	elapsed := time.Since(start)

	usage := attr.MemoryUsage()
	addr := attr.AddressSpaceUsage()
	logger.Info().
		Uint64("writes", writes.Load()).
		Uint64("reads", reads.Load()).
		Float64("writes_per_sec", float64(writes.Load())/elapsed.Seconds()).
		Float64("reads_per_sec", float64(reads.Load())/elapsed.Seconds()).
		Str("allocated", humanize.IBytes(uint64(usage.AllocatedBytes))).
		Str("used", humanize.IBytes(uint64(usage.UsedBytes))).
		Str("dead", humanize.IBytes(uint64(usage.DeadBytes))).
		Str("on_hold", humanize.IBytes(uint64(usage.AllocatedBytesOnHold))).
		Float64("address_space_used", addr.UsageRatio()).
		Uint32("doc_id_limit", attr.CommittedDocIDLimit()).
		Msg("benchmark complete")
}

func runDictionaryBench(ctx context.Context, cfg *Config, logger zerolog.Logger) {
	kind := uniquestore.BTreeDict
	if cfg.Dictionary == "hash" {
		kind = uniquestore.HashDict
	}
	us := uniquestore.New[string](uniquestore.Config[string]{
		Compare: strings.Compare,
		Hash:    xxhash.Sum64String,
	}, kind)
	handler := generation.NewHandler()
	strategy := datastore.DefaultCompactionStrategy()

	cycle := func() {
		us.TransferHoldLists(handler.Current())
		handler.IncGeneration()
		handler.UpdateFirstUsedGeneration()
		us.TrimHoldLists(handler.FirstUsedGeneration())
	}

	var inserts, removals, lookups atomic.Uint64
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		live := make(map[string]datastore.EntryRef)
		for i := 0; ctx.Err() == nil; i++ {
			key := "key-" + strconv.Itoa(rng.Intn(cfg.NumDocs))
			if ref, held := live[key]; held && rng.Intn(4) == 0 {
				us.Remove(ref)
				delete(live, key)
				removals.Add(1)
			} else {
				live[key] = us.Add(key)
				inserts.Add(1)
			}
			if i%cfg.CommitInterval == 0 {
				cycle()
				if us.ConsiderCompact(strategy) {
					moved := us.Compact(strategy)
					for key, ref := range live {
						if to, hit := moved[ref]; hit {
							live[key] = to
						}
					}
					cycle()
				}
			}
		}
		cycle()
		return nil
	})

	for r := 0; r < cfg.Readers; r++ {
		group.Go(func() error {
			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			for ctx.Err() == nil {
				guard := handler.TakeGuard()
				key := "key-" + strconv.Itoa(rng.Intn(cfg.NumDocs))
				if ref, ok := us.FindFrozen(key); ok && us.Get(ref) == key {
					lookups.Add(1)
				}
				guard.Release()
			}
			return nil
		})
	}

	start := time.Now()
	if err := group.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("benchmark failed")
	}
	elapsed := time.Since(start)

	usage := us.MemoryUsage()
	addr := us.AddressSpaceUsage()
	logger.Info().
		Uint64("inserts", inserts.Load()).
		Uint64("removals", removals.Load()).
		Uint64("lookups", lookups.Load()).
		Float64("lookups_per_sec", float64(lookups.Load())/elapsed.Seconds()).
		Int("distinct_values", us.Size()).
		Str("allocated", humanize.IBytes(uint64(usage.AllocatedBytes))).
		Str("used", humanize.IBytes(uint64(usage.UsedBytes))).
		Str("dead", humanize.IBytes(uint64(usage.DeadBytes))).
		Float64("address_space_used", addr.UsageRatio()).
		Msg("benchmark complete")
}
