// Command closurebias estimates and corrects phase non-closure related
// biases in a small-baseline interferogram stack.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/insarkit/closurebias/internal/bias"
	"github.com/insarkit/closurebias/internal/closure"
	"github.com/insarkit/closurebias/internal/config"
	"github.com/insarkit/closurebias/internal/registry"
	"github.com/insarkit/closurebias/internal/stack"
	"github.com/insarkit/closurebias/internal/version"
)

var (
	stackFile  = flag.String("i", "", "interferogram stack file that contains the unwrapped phases")
	action     = flag.String("a", "mask", "action to take: mask | quick_estimate | estimate")
	connLevel  = flag.Int("nl", 20, "connection level considered bias-free, i.e. the level we correct to")
	bandwidth  = flag.Int("bw", 10, "bandwidth of the time-series analysis to correct")
	numSigma   = flag.Float64("num-sigma", 3, "phase threshold for the mask, in sigmas")
	epsilon    = flag.Float64("eps", 0.3, "normalized amplitude threshold for the mask, in [0-1]")
	maxMemory  = flag.Float64("memory", 4, "maximum memory in GB for each processed patch")
	workers    = flag.Int("workers", 0, "parallel block workers for the estimate action (0 = all cores)")
	noUpdate   = flag.Bool("noupdate", false, "skip recomputing closure phase intermediates")
	outDir     = flag.String("o", "", "output directory")
	configFile = flag.String("config", "", "JSON run configuration providing defaults for unset flags")
	showVer    = flag.Bool("version", false, "print version and exit")
)

// effectiveConfig merges the optional JSON config with the command line:
// the config supplies defaults, explicitly-set flags win.
func effectiveConfig() (*config.RunConfig, error) {
	cfg := config.EmptyRunConfig()
	if *configFile != "" {
		loaded, err := config.LoadRunConfig(*configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "nl":
			cfg.ConnLevel = connLevel
		case "bw":
			cfg.Bandwidth = bandwidth
		case "num-sigma":
			cfg.NumSigma = numSigma
		case "eps":
			cfg.Epsilon = epsilon
		case "memory":
			cfg.MaxMemoryGB = maxMemory
		case "workers":
			if *workers > 0 {
				cfg.Workers = workers
			}
		case "o":
			cfg.OutDir = outDir
		case "noupdate":
			update := !*noUpdate
			cfg.UpdateClosure = &update
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run() error {
	if *stackFile == "" {
		return fmt.Errorf("an interferogram stack file is required (-i)")
	}
	cfg, err := effectiveConfig()
	if err != nil {
		return err
	}
	nl := cfg.GetConnLevel()
	bw := cfg.GetBandwidth()
	outdir := cfg.GetOutDir()
	if err := os.MkdirAll(outdir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	s, err := stack.Open(*stackFile)
	if err != nil {
		return fmt.Errorf("failed to open stack %s: %w", *stackFile, err)
	}

	switch *action {
	case "mask":
		if err := bias.ClosurePhaseMask(s, nl, cfg.GetNumSigma(), cfg.GetEpsilon(), cfg.GetMaxMemoryGB(), outdir); err != nil {
			return fmt.Errorf("mask action failed at conn-%d: %w", nl, err)
		}

	case "quick_estimate", "estimate":
		if cfg.GetUpdateClosure() {
			reg, err := registry.Open(filepath.Join(outdir, "artifacts.db"))
			if err != nil {
				return fmt.Errorf("failed to open artifact registry: %w", err)
			}
			defer reg.Close()

			// The conn-2 closure phase is always needed.
			maxConn := bw
			if maxConn < 2 {
				maxConn = 2
			}
			for n := 2; n <= maxConn; n++ {
				if err := closure.ComputeUnwrapClosurePhase(s, n, cfg.GetMaxMemoryGB(), outdir, reg); err != nil {
					return fmt.Errorf("closure phase computation failed at conn-%d: %w", n, err)
				}
			}
			if err := closure.ComputeUnwrapClosurePhase(s, nl, cfg.GetMaxMemoryGB(), outdir, reg); err != nil {
				return fmt.Errorf("closure phase computation failed at conn-%d: %w", nl, err)
			}
		}

		if *action == "quick_estimate" {
			if err := bias.QuickBiasCorrection(s, nl, bw, cfg.GetMaxMemoryGB(), outdir); err != nil {
				return fmt.Errorf("quick_estimate action failed: %w", err)
			}
		} else {
			if err := bias.BiasCorrection(context.Background(), s, nl, bw, cfg.GetWorkers(), cfg.GetMaxMemoryGB(), outdir); err != nil {
				return fmt.Errorf("estimate action failed: %w", err)
			}
		}

	default:
		return fmt.Errorf("unknown action %q, expected mask | quick_estimate | estimate", *action)
	}
	return nil
}

func main() {
	flag.Parse()
	if *showVer {
		fmt.Printf("closurebias %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}
	if err := run(); err != nil {
		log.Fatalf("closurebias %s: %v", *action, err)
	}
}
