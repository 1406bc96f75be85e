package main

import (
	"fmt"
	"os"

	triggerdaq "github.com/next-exp/triggerdaq_go/pkg"
	"gopkg.in/yaml.v3"
)

type Configuration struct {
	Verbosity      int     `yaml:"verbosity"`
	Packets        uint64  `yaml:"packets"`
	RecordSize     int     `yaml:"record_size"`
	ToneBin        int     `yaml:"tone_bin"`
	NoiseSigma     float64 `yaml:"noise_sigma"`
	EventEvery     int     `yaml:"event_every"`
	EventLength    int     `yaml:"event_length"`
	EventOffset    int     `yaml:"event_offset"`
	ThresholdDB    float64 `yaml:"threshold_db"`
	PacketsForMask int     `yaml:"packets_for_mask"`
	Pretriggers    []int   `yaml:"pretriggers"`
	SkipTolerances []int   `yaml:"skip_tolerances"`
	NumWorkers     int     `yaml:"num_workers"`
	OutDir         string  `yaml:"out_dir"`
	Format         string  `yaml:"format"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

func LoadConfiguration(filename string) (Configuration, error) {
	var config Configuration

	// Set default values
	config.Verbosity = 0
	config.Packets = 10000
	config.RecordSize = 4096
	config.ToneBin = 100
	config.NoiseSigma = 4
	config.EventEvery = 100
	config.EventLength = 3
	config.EventOffset = 50
	config.ThresholdDB = 10
	config.PacketsForMask = 10
	config.Pretriggers = []int{0, 1, 2, 5, 10}
	config.SkipTolerances = []int{0, 1, 2, 5}
	config.NumWorkers = 2
	config.OutDir = "."
	config.Format = "parquet"
	config.TimeoutSeconds = 60

	if filename == "" {
		return config, nil
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return config, err
	}
	switch config.Format {
	case "parquet", "h5":
	default:
		return config, fmt.Errorf("unsupported output format %q", config.Format)
	}
	return config, nil
}

func printConfiguration(config Configuration, logger triggerdaq.Logger) {
	logger.Info(fmt.Sprintf("Packets: %d", config.Packets), "config")
	logger.Info(fmt.Sprintf("Record size: %d", config.RecordSize), "config")
	logger.Info(fmt.Sprintf("Tone bin: %d", config.ToneBin), "config")
	logger.Info(fmt.Sprintf("Noise sigma: %.2f", config.NoiseSigma), "config")
	logger.Info(fmt.Sprintf("Event every: %d", config.EventEvery), "config")
	logger.Info(fmt.Sprintf("Event length: %d", config.EventLength), "config")
	logger.Info(fmt.Sprintf("Threshold: %.1f dB", config.ThresholdDB), "config")
	logger.Info(fmt.Sprintf("Pretriggers: %v", config.Pretriggers), "config")
	logger.Info(fmt.Sprintf("Skip tolerances: %v", config.SkipTolerances), "config")
	logger.Info(fmt.Sprintf("Number of workers: %d", config.NumWorkers), "config")
	logger.Info(fmt.Sprintf("Output: %s (%s)", config.OutDir, config.Format), "config")
}
