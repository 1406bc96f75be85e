package triggerdaq

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

type TriggerMode int

const (
	ModeAccumulating TriggerMode = iota
	ModeActive
)

func (m TriggerMode) String() string {
	switch m {
	case ModeAccumulating:
		return "accumulating"
	case ModeActive:
		return "active"
	default:
		return "unknown"
	}
}

type FrequencyMaskTriggerConfig struct {
	Length            int      `json:"length"`
	NPacketsForMask   int      `json:"n-packets-for-mask"`
	ThresholdAmplSNR  *float64 `json:"threshold-ampl-snr"`
	ThresholdPowerSNR *float64 `json:"threshold-power-snr"`
	ThresholdDB       *float64 `json:"threshold-db"`
	NBins             int      `json:"n-bins"`
	NExcludedBins     int      `json:"n-excluded-bins"`
	MaskFile          string   `json:"mask-file"`
}

func DefaultFrequencyMaskTriggerConfig() FrequencyMaskTriggerConfig {
	return FrequencyMaskTriggerConfig{
		Length:          100,
		NPacketsForMask: 10,
		NBins:           4096,
	}
}

// PowerThreshold converts whichever threshold was configured into a
// power signal-to-noise ratio.
func (c FrequencyMaskTriggerConfig) PowerThreshold() (float64, error) {
	set := 0
	threshold := 3.0
	if c.ThresholdAmplSNR != nil {
		set++
		threshold = *c.ThresholdAmplSNR * *c.ThresholdAmplSNR
	}
	if c.ThresholdPowerSNR != nil {
		set++
		threshold = *c.ThresholdPowerSNR
	}
	if c.ThresholdDB != nil {
		set++
		threshold = math.Pow(10, *c.ThresholdDB/10)
	}
	if set > 1 {
		return 0, fmt.Errorf("only one of threshold-ampl-snr, threshold-power-snr and threshold-db can be set")
	}
	if threshold <= 0 {
		return 0, fmt.Errorf("threshold must be positive, got %v", threshold)
	}
	return threshold, nil
}

// FrequencyMaskTrigger flags a packet when the power of any bin reaches
// a reference mask. The mask is built from the first packets after
// creation or after UpdateMask.
type FrequencyMaskTrigger struct {
	name              string
	config            FrequencyMaskTriggerConfig
	thresholdPowerSNR float64
	nPacketsForMask   uint

	mu      sync.Mutex
	mask    []float64
	nSummed uint
	mode    TriggerMode

	input   *Stream[FreqData]
	output  *Stream[TriggerFlag]
	metrics *Metrics
}

func init() {
	RegisterNode("frequency-mask-trigger", newFrequencyMaskTriggerNode)
}

func newFrequencyMaskTriggerNode(name string, params json.RawMessage, env *NodeEnv) (Node, error) {
	config := DefaultFrequencyMaskTriggerConfig()
	if err := decodeParams(name, params, &config); err != nil {
		return nil, err
	}
	t, err := NewFrequencyMaskTrigger(name, config)
	if err != nil {
		return nil, err
	}
	t.metrics = env.Metrics
	return t, nil
}

func NewFrequencyMaskTrigger(name string, config FrequencyMaskTriggerConfig) (*FrequencyMaskTrigger, error) {
	if config.NPacketsForMask <= 0 {
		return nil, newConfigError(name, "n-packets-for-mask", "must be greater than zero, got %d", config.NPacketsForMask)
	}
	if config.NBins <= 0 {
		return nil, newConfigError(name, "n-bins", "must be greater than zero, got %d", config.NBins)
	}
	if config.NExcludedBins < 0 || config.NExcludedBins >= config.NBins {
		return nil, newConfigError(name, "n-excluded-bins", "must be in [0, %d), got %d", config.NBins, config.NExcludedBins)
	}
	threshold, err := config.PowerThreshold()
	if err != nil {
		return nil, &ErrConfig{Node: name, Key: "threshold", Err: err}
	}
	return &FrequencyMaskTrigger{
		name:              name,
		config:            config,
		thresholdPowerSNR: threshold,
		nPacketsForMask:   uint(config.NPacketsForMask),
		output:            NewStream[TriggerFlag](name+".out_0", config.Length),
	}, nil
}

func (t *FrequencyMaskTrigger) Name() string { return t.name }

func (t *FrequencyMaskTrigger) Output(index int) (any, error) {
	if index != 0 {
		return nil, badSlot(t.name, "out", index)
	}
	return t.output, nil
}

func (t *FrequencyMaskTrigger) SetInput(index int, stream any) error {
	if index != 0 {
		return badSlot(t.name, "in", index)
	}
	return bindStream(t.name, index, stream, &t.input)
}

func (t *FrequencyMaskTrigger) Initialize() error {
	if t.input == nil {
		return newConfigError(t.name, "in_0", "input stream not connected")
	}
	t.mu.Lock()
	t.mask = make([]float64, t.config.NBins)
	t.nSummed = 0
	t.mode = ModeAccumulating
	t.mu.Unlock()

	if t.config.MaskFile != "" {
		if err := t.LoadMask(t.config.MaskFile); err != nil {
			return &ErrConfig{Node: t.name, Key: "mask-file", Err: err}
		}
	}
	logger.Info(fmt.Sprintf("Power SNR threshold: %v, packets for mask: %d, bins: %d",
		t.thresholdPowerSNR, t.nPacketsForMask, t.config.NBins), t.name)
	return nil
}

func (t *FrequencyMaskTrigger) Execute(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		cmd, data := t.input.Get(ctx)

		switch cmd {
		case CmdNone:
			if t.input.Closed() {
				logger.Debug("Input stream closed, exiting", t.name)
				return nil
			}
		case CmdStart:
			logger.Debug("Starting run", t.name)
			if err := t.output.Set(ctx, CmdStart, TriggerFlag{}); err != nil {
				return exitOnStreamError(t.name, err)
			}
		case CmdRun:
			flag, err := t.process(&data)
			if err != nil {
				return err
			}
			t.metrics.packetProcessed(t.name)
			t.metrics.triggerDecision(t.name, flag)
			if err := t.output.Set(ctx, CmdRun, TriggerFlag{ID: data.PktInSession, Flag: flag}); err != nil {
				return exitOnStreamError(t.name, err)
			}
		case CmdStop:
			logger.Debug("Stopping run", t.name)
			if err := t.output.Set(ctx, CmdStop, TriggerFlag{}); err != nil {
				return exitOnStreamError(t.name, err)
			}
		case CmdExit:
			logger.Debug("Exit received", t.name)
			if err := t.output.Set(ctx, CmdExit, TriggerFlag{}); err != nil {
				return exitOnStreamError(t.name, err)
			}
			return nil
		case CmdError:
			return exitOnStreamError(t.name, t.output.Set(ctx, CmdError, TriggerFlag{}))
		}
	}
}

func (t *FrequencyMaskTrigger) Finalize() error {
	t.output.Close()
	return nil
}

// process accumulates the packet into the mask or tests it against the
// mask, depending on the mode.
func (t *FrequencyMaskTrigger) process(data *FreqData) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(data.Bins) != len(t.mask) {
		return false, fmt.Errorf("node %s: packet %d has %d bins, mask has %d",
			t.name, data.PktInSession, len(data.Bins), len(t.mask))
	}

	if t.mode == ModeAccumulating {
		for i, bin := range data.Bins {
			t.mask[i] += real(bin)*real(bin) + imag(bin)*imag(bin)
		}
		t.nSummed++
		if t.nSummed == t.nPacketsForMask {
			multiplier := t.thresholdPowerSNR / float64(t.nSummed)
			for i := range t.mask {
				t.mask[i] *= multiplier
			}
			t.mode = ModeActive
			logger.Info(fmt.Sprintf("Mask ready after %d packets, switching to trigger mode", t.nSummed), t.name)
		}
		return false, nil
	}

	for i := t.config.NExcludedBins; i < len(data.Bins); i++ {
		bin := data.Bins[i]
		if real(bin)*real(bin)+imag(bin)*imag(bin) >= t.mask[i] {
			return true, nil
		}
	}
	return false, nil
}

// UpdateMask discards the current mask and accumulates a new one from
// the next packets.
func (t *FrequencyMaskTrigger) UpdateMask() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.mask {
		t.mask[i] = 0
	}
	t.nSummed = 0
	t.mode = ModeAccumulating
	logger.Info("Mask reset, accumulating", t.name)
}

func (t *FrequencyMaskTrigger) Mode() TriggerMode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// Mask returns a copy of the reference mask.
func (t *FrequencyMaskTrigger) Mask() []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	mask := make([]float64, len(t.mask))
	copy(mask, t.mask)
	return mask
}

func (t *FrequencyMaskTrigger) PowerThreshold() float64 {
	return t.thresholdPowerSNR
}

type maskFile struct {
	Mode              string    `yaml:"mode"`
	NPacketsForMask   uint      `yaml:"n-packets-for-mask"`
	NSummed           uint      `yaml:"n-summed"`
	ThresholdPowerSNR float64   `yaml:"threshold-power-snr"`
	Mask              []float64 `yaml:"mask"`
}

func (t *FrequencyMaskTrigger) WriteMask(filename string) error {
	t.mu.Lock()
	content := maskFile{
		Mode:              t.mode.String(),
		NPacketsForMask:   t.nPacketsForMask,
		NSummed:           t.nSummed,
		ThresholdPowerSNR: t.thresholdPowerSNR,
		Mask:              make([]float64, len(t.mask)),
	}
	copy(content.Mask, t.mask)
	t.mu.Unlock()

	data, err := yaml.Marshal(&content)
	if err != nil {
		return fmt.Errorf("error encoding mask: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return &ErrOpenFile{Filename: filename, Err: err}
	}
	logger.Info(fmt.Sprintf("Mask written to %s", filename), t.name)
	return nil
}

// LoadMask replaces the mask with one written by WriteMask and switches
// to trigger mode.
func (t *FrequencyMaskTrigger) LoadMask(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return &ErrOpenFile{Filename: filename, Err: err}
	}
	var content maskFile
	if err := yaml.Unmarshal(data, &content); err != nil {
		return fmt.Errorf("error decoding mask file %q: %w", filename, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(content.Mask) != t.config.NBins {
		return fmt.Errorf("mask file %q has %d bins, expected %d", filename, len(content.Mask), t.config.NBins)
	}
	t.mask = content.Mask
	t.nSummed = content.NSummed
	t.mode = ModeActive
	logger.Info(fmt.Sprintf("Mask loaded from %s", filename), t.name)
	return nil
}

func (t *FrequencyMaskTrigger) RunCommand(command string, args map[string]string) error {
	switch command {
	case "update-mask":
		t.UpdateMask()
		return nil
	case "write-mask":
		filename, ok := args["filename"]
		if !ok {
			return fmt.Errorf("write-mask requires a filename argument")
		}
		return t.WriteMask(filename)
	case "load-mask":
		filename, ok := args["filename"]
		if !ok {
			return fmt.Errorf("load-mask requires a filename argument")
		}
		return t.LoadMask(filename)
	default:
		return fmt.Errorf("node %s: unknown command %q", t.name, command)
	}
}
