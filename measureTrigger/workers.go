package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	triggerdaq "github.com/next-exp/triggerdaq_go/pkg"
	"github.com/prometheus/client_golang/prometheus"
)

// SweepJob is one event builder setting to measure.
type SweepJob struct {
	Pretrigger    int
	SkipTolerance int
}

type SweepResult struct {
	Job          SweepJob
	Records      float64
	Acquisitions float64
	Triggers     float64
	Bytes        int64
	Duration     time.Duration
	Err          error
}

func worker(id int, jobs <-chan SweepJob, results chan<- SweepResult) {
	for job := range jobs {
		results <- measureGuarded(id, job)
	}
}

func measureGuarded(id int, job SweepJob) (result SweepResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(fmt.Sprintf("Worker %d recovered from panic: %v", id, r))
			result = SweepResult{Job: job, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if configuration.Verbosity > 0 {
		logger.Info(fmt.Sprintf("Worker %d measuring pretrigger %d, skip %d", id, job.Pretrigger, job.SkipTolerance), "workers")
	}
	return measure(job)
}

func sendJobsToWorkers(jobs chan<- SweepJob) {
	for _, p := range configuration.Pretriggers {
		for _, s := range configuration.SkipTolerances {
			jobs <- SweepJob{Pretrigger: p, SkipTolerance: s}
		}
	}
	close(jobs)
}

func rawParams(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// pipelineConfig wires simulator, trigger, event builder and writer the
// same way a live DAQ configuration does.
func pipelineConfig(job SweepJob) triggerdaq.Configuration {
	sim := triggerdaq.DefaultSimulatorConfig()
	sim.RecordSize = configuration.RecordSize
	sim.ToneBin = configuration.ToneBin
	sim.NoiseSigma = configuration.NoiseSigma
	sim.EventEvery = configuration.EventEvery
	sim.EventLength = configuration.EventLength
	sim.EventOffset = configuration.EventOffset
	sim.MaxPackets = configuration.Packets
	sim.AutoStart = true

	trigger := triggerdaq.DefaultFrequencyMaskTriggerConfig()
	trigger.NBins = configuration.RecordSize
	trigger.NPacketsForMask = configuration.PacketsForMask
	threshold := configuration.ThresholdDB
	trigger.ThresholdDB = &threshold

	builder := triggerdaq.DefaultEventBuilderConfig()
	builder.Pretrigger = job.Pretrigger
	builder.SkipTolerance = job.SkipTolerance

	writer := triggerdaq.DefaultWriterConfig()
	writer.Device.RecordSize = uint32(configuration.RecordSize)

	config := triggerdaq.DefaultConfiguration()
	config.Nodes = []triggerdaq.NodeConfig{
		{Type: "tf-simulator", Name: "sim", Params: rawParams(sim)},
		{Type: "frequency-mask-trigger", Name: "fmt", Params: rawParams(trigger)},
		{Type: "event-builder", Name: "eb", Params: rawParams(builder)},
		{Type: "triggered-writer", Name: "writer", Params: rawParams(writer)},
	}
	config.Connections = []string{
		"sim.out_0:writer.in_0",
		"sim.out_1:fmt.in_0",
		"fmt.out_0:eb.in_0",
		"eb.out_0:writer.in_1",
	}
	return config
}

func measure(job SweepJob) SweepResult {
	result := SweepResult{Job: job}
	filename := filepath.Join(configuration.OutDir,
		fmt.Sprintf("sweep_p%d_s%d.%s", job.Pretrigger, job.SkipTolerance, configuration.Format))

	metrics := triggerdaq.NewMetrics()
	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		result.Err = err
		return result
	}
	house := triggerdaq.NewFileHouse()
	house.SetMetrics(metrics)
	env := &triggerdaq.NodeEnv{
		House: house,
		Run: triggerdaq.StaticRun{
			RunID:       fmt.Sprintf("sweep-p%d-s%d", job.Pretrigger, job.SkipTolerance),
			Filenames:   []string{filename},
			Description: fmt.Sprintf("Trigger sweep: pretrigger %d, skip tolerance %d", job.Pretrigger, job.SkipTolerance),
		},
		Metrics: metrics,
	}

	pipeline, err := triggerdaq.NewPipeline(pipelineConfig(job), env)
	if err == nil {
		err = pipeline.Initialize()
	}
	if err != nil {
		result.Err = err
		return result
	}

	timeout := time.Duration(configuration.TimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	errc := make(chan error, 1)
	go func() { errc <- pipeline.Run(ctx) }()

	// The simulator stops the run after the configured packets; the
	// writer then finishes the file.
	if !waitForFinished(ctx, house) {
		result.Err = fmt.Errorf("run did not finish within %v", timeout)
	}
	result.Duration = time.Since(start)
	pipeline.Instruct(triggerdaq.InstructionExit)
	if err := <-errc; err != nil && result.Err == nil {
		result.Err = err
	}
	if err := house.FinishFiles(); err != nil && result.Err == nil {
		result.Err = err
	}

	result.Records = counterValue(registry, "triggerdaq_writer_records_written_total")
	result.Acquisitions = counterValue(registry, "triggerdaq_writer_acquisitions_total")
	result.Triggers = counterValueWithLabel(registry, "triggerdaq_trigger_decisions_total", "flag", "true")
	if info, err := os.Stat(filename); err == nil {
		result.Bytes = info.Size()
	}
	return result
}

func waitForFinished(ctx context.Context, house *triggerdaq.FileHouse) bool {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(house.TakeFinished()) > 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func counterValue(registry *prometheus.Registry, name string) float64 {
	return counterValueWithLabel(registry, name, "", "")
}

// counterValueWithLabel sums the counters of a family, optionally only
// those carrying label=value.
func counterValueWithLabel(registry *prometheus.Registry, name string, label string, value string) float64 {
	families, err := registry.Gather()
	if err != nil {
		logger.Error(fmt.Sprintf("Error gathering metrics: %v", err))
		return 0
	}
	total := 0.0
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			matched := label == ""
			for _, pair := range m.GetLabel() {
				if pair.GetName() == label && pair.GetValue() == value {
					matched = true
				}
			}
			if matched {
				total += m.GetCounter().GetValue()
			}
		}
	}
	return total
}
