package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	stdslog "log/slog"
	"sync"
	"time"

	"github.com/DoctorEvidence/cobase"
	"github.com/DoctorEvidence/cobase/codec"
	asynchook "github.com/DoctorEvidence/cobase/hooks/async"
	"github.com/DoctorEvidence/cobase/log"
	"github.com/DoctorEvidence/cobase/sloghooks"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure writes, reads and derived recomputes in --dir",
	Long: `Measure writes, reads and derived recomputes in --dir.

The benchmark opens an entity table "bench" of byte values and a table
"bench-len" derived from it, then runs the phases set, get and derive with
the given number of workers. Run several instances against one --dir with a
messenger to see the cost of cross-process invalidation.`,
	Args: cobra.NoArgs,
	RunE: runBench,
}

func init() {
	f := benchCmd.Flags()
	f.Int("ids", 1000, "number of distinct ids")
	f.Int("ops", 10000, "operations per phase")
	f.Int("workers", 8, "concurrent workers")
	f.Int("value-size", 256, "size of each value in bytes")
	f.Bool("log-hooks", false, "report storage and invalidation events to stderr")
}

type benchConfig struct {
	ids, ops, workers, size int
}

func runBench(cmd *cobra.Command, _ []string) error {
	var cfg benchConfig
	f := cmd.Flags()
	cfg.ids, _ = f.GetInt("ids")
	cfg.ops, _ = f.GetInt("ops")
	cfg.workers, _ = f.GetInt("workers")
	cfg.size, _ = f.GetInt("value-size")
	if cfg.ids <= 0 || cfg.ops <= 0 || cfg.workers <= 0 {
		return fmt.Errorf("ids, ops and workers must be positive")
	}

	logger, flush, err := newLogger()
	if err != nil {
		return err
	}
	defer flush()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	msgr, stop, err := newMessenger(ctx, logger)
	if err != nil {
		return err
	}
	defer stop()

	mcfg := managerConfig(logger, msgr)
	if on, _ := f.GetBool("log-hooks"); on {
		h := asynchook.New(sloghooks.New(
			stdslog.New(stdslog.NewTextHandler(cmd.ErrOrStderr(), &stdslog.HandlerOptions{Level: stdslog.LevelDebug})),
			sloghooks.Options{CASRetryEvery: 100, DeferredEvery: 100},
		), 1, 1024)
		defer func() {
			h.Close()
			if n := h.Dropped(); n > 0 {
				logger.Warn("hook events dropped", log.Fields{"n": n})
			}
		}()
		mcfg.Hooks = h
	}
	m, err := cobase.NewManager(mcfg)
	if err != nil {
		return err
	}
	defer m.Close(context.Background())

	values, err := cobase.NewEntity[[]byte](ctx, m, "bench", cobase.EntityOptions[[]byte]{Codec: codec.Bytes{}})
	if err != nil {
		return err
	}
	lengths, err := cobase.NewDerived[int](ctx, m, "bench-len", cobase.Single[[]byte, int](
		func(_ context.Context, _ cobase.ID, b []byte) (int, error) { return len(b), nil },
	), cobase.DerivedOptions[int]{}, values)
	if err != nil {
		return err
	}

	reg := gometrics.NewRegistry()
	phases := []struct {
		name string
		op   func(ctx context.Context, id cobase.ID, buf []byte) error
	}{
		{"set", func(ctx context.Context, id cobase.ID, buf []byte) error {
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			_, err := values.Set(ctx, id, append([]byte(nil), buf...))
			return err
		}},
		{"get", func(ctx context.Context, id cobase.ID, _ []byte) error {
			_, _, err := values.Get(ctx, id)
			return err
		}},
		{"derive", func(ctx context.Context, id cobase.ID, _ []byte) error {
			_, _, err := lengths.Get(ctx, id)
			return err
		}},
	}
	for _, ph := range phases {
		t := gometrics.NewTimer()
		if err := reg.Register(ph.name, t); err != nil {
			return err
		}
		errs := gometrics.NewCounter()
		_ = reg.Register(ph.name+".errors", errs)
		start := time.Now()
		runPhase(ctx, cfg, t, errs, ph.op)
		if err := m.Settle(ctx); err != nil {
			return err
		}
		logger.Info("phase done", log.Fields{"phase": ph.name, "took": time.Since(start).String()})
	}
	printTimers(cmd.OutOrStdout(), reg, phases[0].name, phases[1].name, phases[2].name)
	return nil
}

func runPhase(ctx context.Context, cfg benchConfig, t gometrics.Timer, errs gometrics.Counter, op func(context.Context, cobase.ID, []byte) error) {
	var wg sync.WaitGroup
	per := cfg.ops / cfg.workers
	for w := 0; w < cfg.workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			buf := make([]byte, cfg.size)
			for i := 0; i < per; i++ {
				id := cobase.NumID(uint64((w*per+i)%cfg.ids) + 1)
				begin := time.Now()
				if err := op(ctx, id, buf); err != nil {
					errs.Inc(1)
					continue
				}
				t.UpdateSince(begin)
			}
		}(w)
	}
	wg.Wait()
}

func printTimers(w io.Writer, reg gometrics.Registry, names ...string) {
	fmt.Fprintf(w, "%-8s %10s %10s %10s %10s %10s %8s\n", "PHASE", "OPS", "OPS/S", "MEAN", "P50", "P99", "ERRORS")
	for _, name := range names {
		t, ok := reg.Get(name).(gometrics.Timer)
		if !ok {
			continue
		}
		var failed int64
		if c, ok := reg.Get(name + ".errors").(gometrics.Counter); ok {
			failed = c.Count()
		}
		ps := t.Percentiles([]float64{0.5, 0.99})
		fmt.Fprintf(w, "%-8s %10d %10.0f %10s %10s %10s %8d\n",
			name, t.Count(), t.RateMean(),
			time.Duration(t.Mean()), time.Duration(ps[0]), time.Duration(ps[1]), failed)
	}
}
