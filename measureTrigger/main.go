package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	triggerdaq "github.com/next-exp/triggerdaq_go/pkg"
	"golang.org/x/exp/slices"
)

var configuration Configuration

var logger triggerdaq.Logger

func init() {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	logger = triggerdaq.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stdout, opts)))
}

func main() {
	configFilename := flag.String("config", "", "Sweep configuration file path (YAML)")
	numWorkers := flag.Int("workers", 0, "Number of workers (overrides the configuration)")
	format := flag.String("format", "", "Output format: parquet or h5 (overrides the configuration)")
	flag.Parse()

	var err error
	configuration, err = LoadConfiguration(*configFilename)
	if err != nil {
		message := fmt.Errorf("Error reading configuration file: %w", err)
		logger.Error(message.Error())
		os.Exit(1)
	}
	if *numWorkers > 0 {
		configuration.NumWorkers = *numWorkers
	}
	if *format != "" {
		configuration.Format = *format
	}
	if err := os.MkdirAll(configuration.OutDir, 0o755); err != nil {
		logger.Error(fmt.Sprintf("Error creating output directory: %v", err))
		os.Exit(1)
	}

	daqConfig := triggerdaq.DefaultConfiguration()
	daqConfig.Verbosity = configuration.Verbosity
	triggerdaq.SetConfiguration(daqConfig)
	triggerdaq.SetLogger(logger)
	if configuration.Verbosity > 0 {
		printConfiguration(configuration, logger)
	}

	start := time.Now()
	nJobs := len(configuration.Pretriggers) * len(configuration.SkipTolerances)
	jobs := make(chan SweepJob, nJobs)
	results := make(chan SweepResult, nJobs)

	for w := 1; w <= configuration.NumWorkers; w++ {
		go worker(w, jobs, results)
	}
	go sendJobsToWorkers(jobs)

	measured := make([]SweepResult, 0, nJobs)
	for len(measured) < nJobs {
		measured = append(measured, <-results)
	}
	slices.SortFunc(measured, func(a, b SweepResult) int {
		if a.Job.Pretrigger != b.Job.Pretrigger {
			return a.Job.Pretrigger - b.Job.Pretrigger
		}
		return a.Job.SkipTolerance - b.Job.SkipTolerance
	})

	failed := 0
	fmt.Printf("%10s %6s %10s %12s %10s %12s %10s\n", "pretrigger", "skip", "triggers", "acquisitions", "records", "bytes", "time (ms)")
	for _, r := range measured {
		if r.Err != nil {
			failed++
			logger.Error(fmt.Sprintf("pretrigger %d, skip %d: %v", r.Job.Pretrigger, r.Job.SkipTolerance, r.Err))
			continue
		}
		fmt.Printf("%10d %6d %10.0f %12.0f %10.0f %12d %10d\n",
			r.Job.Pretrigger, r.Job.SkipTolerance, r.Triggers, r.Acquisitions, r.Records, r.Bytes, r.Duration.Milliseconds())
	}

	duration := time.Since(start)
	fmt.Printf("Total time: %d ms\n", duration.Milliseconds())
	if failed > 0 {
		os.Exit(1)
	}
}
