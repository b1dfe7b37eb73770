package main

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/joshuapare/pagekit/vmm"
	"github.com/spf13/cobra"
)

var (
	stressOps      int
	stressMaxPages int
	stressSeed     int64
	stressCorePct  int
	stressLineCap  int
	stressTrack    bool
	stressRegions  bool
	stressSweep    time.Duration
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVar(&stressOps, "ops", 10000, "Number of alloc/free operations")
	cmd.Flags().IntVar(&stressMaxPages, "max-pages", 32, "Largest allocation in pages")
	cmd.Flags().Int64Var(&stressSeed, "seed", 0, "Workload seed (0 = time-based)")
	cmd.Flags().IntVar(&stressCorePct, "core-pct", 10, "Percentage of operations on the core pool")
	cmd.Flags().IntVar(&stressLineCap, "line-cap", 0, "Cache line capacity override (0 = default)")
	cmd.Flags().BoolVar(&stressTrack, "track", false, "Record allocation call sites")
	cmd.Flags().BoolVar(&stressRegions, "regions", false, "Dump the region map after the run")
	cmd.Flags().DurationVar(&stressSweep, "sweep", 0, "Background sweep interval (0 = off)")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run a random alloc/free workload and report statistics",
		Long: `The stress command drives a live manager with a randomized mix of
allocations, frees, and shrinks, then prints the aggregate statistics
and the shutdown leak audit.

Example:
  vmmctl stress --ops 100000 --max-pages 64
  vmmctl stress --seed 42 --track --regions`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress()
		},
	}
	return cmd
}

type liveAlloc struct {
	base uintptr
	size uintptr
	core bool
}

func runStress() error {
	seed := stressSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	printVerbose("seed: %d\n", seed)

	v := vmm.New(vmm.Options{
		CacheLineCapacity: stressLineCap,
		TrackAllocations:  stressTrack,
	})
	if stressSweep > 0 {
		stop := v.StartSweeper(stressSweep)
		defer stop()
	}
	page := v.PageSize()

	var live []liveAlloc
	start := time.Now()
	for i := 0; i < stressOps; i++ {
		// Bias toward allocation while the live set is small so the
		// workload actually builds up a population to churn.
		doAlloc := len(live) == 0 || rng.Intn(100) < 60

		if doAlloc {
			pages := uintptr(1 + rng.Intn(stressMaxPages))
			size := pages * page
			core := rng.Intn(100) < stressCorePct

			var base uintptr
			switch {
			case core:
				base = v.AllocCore(size)
			case rng.Intn(4) == 0:
				base = v.AllocZeroed(size)
			default:
				base = v.Alloc(size)
			}
			live = append(live, liveAlloc{base, size, core})
			continue
		}

		idx := rng.Intn(len(live))
		a := live[idx]

		// Occasionally shrink instead of freeing outright.
		if a.size > page && rng.Intn(4) == 0 {
			keep := (uintptr(1) + uintptr(rng.Intn(int(a.size/page)-1))) * page
			if a.core {
				v.ShrinkCore(a.base, a.size, keep)
			} else {
				v.Shrink(a.base, a.size, keep)
			}
			live[idx].size = keep
			continue
		}

		if a.core {
			v.FreeCore(a.base, a.size)
		} else {
			v.Free(a.base, a.size)
		}
		live[idx] = live[len(live)-1]
		live = live[:len(live)-1]
	}
	elapsed := time.Since(start)

	// Drain the survivors so the leak audit has a clean slate.
	for _, a := range live {
		if a.core {
			v.FreeCore(a.base, a.size)
		} else {
			v.Free(a.base, a.size)
		}
	}

	rep := v.CheckLeaks()

	if jsonOut {
		return printJSON(struct {
			Seed      int64
			Ops       int
			ElapsedNS int64
			Stats     vmm.Stats
			Audit     vmm.LeakReport
		}{seed, stressOps, elapsed.Nanoseconds(), v.Stats(), rep})
	}

	printInfo("%d ops in %s (%.0f ops/sec)\n\n",
		stressOps, elapsed, float64(stressOps)/elapsed.Seconds())
	v.DumpStats(os.Stdout)
	if stressRegions {
		printInfo("\n")
		v.DumpRegions(os.Stdout)
	}

	if !rep.Clean() {
		for _, l := range rep.Leaks {
			printInfo("leak: %#x %d bytes (%s) %s\n", l.Base, l.Bytes, l.Class, l.Site)
		}
		return fmt.Errorf("audit failed: %d user / %d core live, mismatch=%v",
			rep.User.Live, rep.Core.Live, rep.Mismatch)
	}
	printInfo("\naudit clean\n")
	return nil
}
