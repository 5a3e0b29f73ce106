package main

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"fairsched/internal/sched"
	"fairsched/internal/sim"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "fairsched",
		Short: "Weighted fair-share CPU scheduler simulator",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yml", "path to YAML config")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulated workload mix and report CPU shares",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg := sched.Load(configPath)
	log := sched.NewLogger(cfg.LogLevel, cfg.JSONLog, os.Stdout)
	sched.RegisterMetrics(prometheus.DefaultRegisterer)

	s := sim.New(cfg)
	s.Cluster().SetLogger(sched.WithComponent(log, "cluster"))

	// A small mix: heavy and light CPU hogs plus interactive tasks.
	all := sched.AllCPUs(cfg.CPUs)
	s.Add(sim.CPUBound(1, 12, all))
	s.Add(sim.CPUBound(2, 8, all))
	s.Add(sim.CPUBound(3, 8, all))
	s.Add(sim.Interactive(4, 16, all, 2*sched.Millisecond, 10*sched.Millisecond))
	s.Add(sim.Interactive(5, 16, sched.MaskOf(0), 1*sched.Millisecond, 5*sched.Millisecond))

	span := sched.Duration(cfg.SimDurationMS) * sched.Millisecond
	tick := sched.Duration(cfg.SimTickUS) * sched.Microsecond
	log.Info().
		Int("cpus", cfg.CPUs).
		Int64("span_ms", cfg.SimDurationMS).
		Int64("tick_us", cfg.SimTickUS).
		Msg("starting simulation")

	results := s.Run(span, tick)
	for _, r := range results {
		fmt.Printf("task %2d  runtime %8.3fms  share %5.1f%%\n",
			r.ID, float64(r.Runtime)/float64(sched.Millisecond), r.Share*100)
	}

	s.Cluster().Dump()
	return nil
}
