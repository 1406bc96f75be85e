package triggerdaq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

type DAQStatus int

const (
	StatusDeactivated DAQStatus = iota
	StatusActivating
	StatusActivated
	StatusRunning
	StatusDeactivating
	StatusCanceled
	StatusDone
	StatusError
)

var statusStrings = []string{
	"deactivated",
	"activating",
	"activated",
	"running",
	"deactivating",
	"canceled",
	"done",
	"error",
}

func (s DAQStatus) String() string {
	if s < StatusDeactivated || s > StatusError {
		return "unknown"
	}
	return statusStrings[s]
}

// RunRequest describes a run to start. Empty fields take the values of
// the daq section of the configuration.
type RunRequest struct {
	Filenames   []string `json:"filenames"`
	Filename    string   `json:"filename"`
	Description string   `json:"description"`
	DurationMs  int      `json:"duration_ms"`
}

type StatusReport struct {
	Status      string    `json:"status"`
	RunID       string    `json:"run_id,omitempty"`
	Filenames   []string  `json:"filenames,omitempty"`
	Description string    `json:"description,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	Error       string    `json:"error,omitempty"`
	OpenFiles   []string  `json:"open_files"`
}

type ControlOption func(*DAQControl)

func WithCatalog(catalog *RunCatalog) ControlOption {
	return func(c *DAQControl) { c.catalog = catalog }
}

func WithRelayer(relayer Relayer) ControlOption {
	return func(c *DAQControl) { c.relayer = relayer }
}

func WithMetrics(metrics *Metrics) ControlOption {
	return func(c *DAQControl) { c.metrics = metrics }
}

func WithFileHouse(house *FileHouse) ControlOption {
	return func(c *DAQControl) { c.house = house }
}

// DAQControl owns the pipeline and drives it through activation, runs
// and deactivation. runMu serializes run transitions; mu guards state.
type DAQControl struct {
	config  Configuration
	catalog *RunCatalog
	relayer Relayer
	metrics *Metrics
	house   *FileHouse

	runMu sync.Mutex

	mu        sync.Mutex
	status    DAQStatus
	run       RunInfo
	startedAt time.Time
	lastErr   error
	pipeline  *Pipeline
	cancel    context.CancelFunc
	done      chan struct{}
	runTimer  *time.Timer
	listeners []func(StatusReport)
}

func NewDAQControl(config Configuration, opts ...ControlOption) *DAQControl {
	c := &DAQControl{
		config: config,
		status: StatusDeactivated,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.relayer == nil {
		c.relayer = LogRelayer{}
	}
	if c.house == nil {
		c.house = NewFileHouse()
	}
	c.house.SetMetrics(c.metrics)
	c.house.SetMinFreeSpaceMB(config.DAQ.MinFreeSpaceMB)
	c.metrics.status(c.status)
	return c
}

// CurrentRun lets the writers know the run being started.
func (c *DAQControl) CurrentRun() RunInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run
}

func (c *DAQControl) Status() DAQStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *DAQControl) Report() StatusReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reportLocked()
}

func (c *DAQControl) reportLocked() StatusReport {
	report := StatusReport{
		Status:    c.status.String(),
		OpenFiles: c.house.OpenFiles(),
	}
	if c.status == StatusRunning {
		report.RunID = c.run.RunID
		report.Filenames = c.run.Filenames
		report.Description = c.run.Description
		report.StartedAt = c.startedAt
	}
	if c.lastErr != nil {
		report.Error = c.lastErr.Error()
	}
	return report
}

// OnStatusChange registers a callback run after every status transition.
func (c *DAQControl) OnStatusChange(f func(StatusReport)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, f)
}

// setStatus must be called without holding mu.
func (c *DAQControl) setStatus(s DAQStatus) {
	c.mu.Lock()
	c.status = s
	report := c.reportLocked()
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	c.metrics.status(s)
	logger.Info(fmt.Sprintf("DAQ status: %v", s), "control")
	for _, l := range listeners {
		l(report)
	}
}

// Activate builds the pipeline and starts its nodes. Sources stay paused
// until a run starts.
func (c *DAQControl) Activate(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.mu.Lock()
	switch c.status {
	case StatusDeactivated, StatusCanceled, StatusDone, StatusError:
	default:
		status := c.status
		c.mu.Unlock()
		return logErrorf("cannot activate: DAQ is %v", status)
	}
	c.lastErr = nil
	c.mu.Unlock()
	c.setStatus(StatusActivating)

	env := &NodeEnv{House: c.house, Run: c, Metrics: c.metrics}
	pipeline, err := NewPipeline(c.config, env)
	if err == nil {
		err = pipeline.Initialize()
	}
	if err != nil {
		c.fail(err)
		return err
	}

	pctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.pipeline = pipeline
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.watch(pctx, pipeline, done)
	c.setStatus(StatusActivated)
	c.relayer.Notice("notice", "daq", "DAQ activated")
	return nil
}

// watch runs the pipeline and records how it ended.
func (c *DAQControl) watch(ctx context.Context, pipeline *Pipeline, done chan struct{}) {
	defer close(done)
	err := pipeline.Run(ctx)

	c.mu.Lock()
	status := c.status
	runID := c.run.RunID
	c.mu.Unlock()

	switch {
	case status == StatusDeactivating:
		if err != nil {
			logger.Error(fmt.Sprintf("pipeline ended with error while deactivating: %v", err))
		}
		return
	case err != nil:
		if status == StatusRunning {
			c.finishCatalogRun(runID, RunStatusError, nil)
		}
		c.fail(err)
	case ctx.Err() != nil:
		c.setStatus(StatusCanceled)
	default:
		c.setStatus(StatusDone)
	}
}

func (c *DAQControl) fail(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.setStatus(StatusError)
	c.relayer.Notice("error", "daq", err.Error())
}

// StartRun starts a run on an activated DAQ and returns its id.
func (c *DAQControl) StartRun(req RunRequest) (string, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.mu.Lock()
	if c.status != StatusActivated {
		status := c.status
		c.mu.Unlock()
		return "", logErrorf("cannot start a run: DAQ is %v", status)
	}
	run := c.newRun(req)
	c.run = run
	c.startedAt = time.Now()
	startedAt := c.startedAt
	pipeline := c.pipeline
	c.mu.Unlock()

	if c.catalog != nil {
		if err := c.catalog.StartRun(run, startedAt); err != nil {
			logger.Error(fmt.Sprintf("error recording run %s: %v", run.RunID, err))
		}
	}
	c.metrics.runStarted()
	c.setStatus(StatusRunning)
	pipeline.Instruct(InstructionResume)

	if run.Duration > 0 {
		runID := run.RunID
		timer := time.AfterFunc(run.Duration, func() {
			if err := c.stopRun(runID, RunStatusDone); err != nil {
				logger.Error(fmt.Sprintf("error stopping timed run %s: %v", runID, err))
			}
		})
		c.mu.Lock()
		c.runTimer = timer
		c.mu.Unlock()
	}
	c.relayer.Notice("notice", "run", fmt.Sprintf("Run %s started, writing to %v", run.RunID, run.Filenames))
	return run.RunID, nil
}

func (c *DAQControl) newRun(req RunRequest) RunInfo {
	filenames := req.Filenames
	if len(filenames) == 0 && req.Filename != "" {
		filenames = []string{req.Filename}
	}
	if len(filenames) == 0 {
		filenames = []string{c.config.DAQ.Filename}
	}
	description := req.Description
	if description == "" {
		description = c.config.DAQ.Description
	}
	durationMs := req.DurationMs
	if durationMs == 0 {
		durationMs = c.config.DAQ.DurationMs
	}
	return RunInfo{
		RunID:       uuid.NewString(),
		Filenames:   filenames,
		Description: description,
		Duration:    time.Duration(durationMs) * time.Millisecond,
	}
}

// StopRun stops the run in progress and waits for its files.
func (c *DAQControl) StopRun() error {
	return c.stopRun("", RunStatusDone)
}

// stopRun stops the run with the given id, or any run when runID is
// empty.
func (c *DAQControl) stopRun(runID string, status RunStatus) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.stopRunLocked(runID, status)
}

func (c *DAQControl) stopRunLocked(runID string, status RunStatus) error {
	c.mu.Lock()
	if c.status != StatusRunning || (runID != "" && runID != c.run.RunID) {
		current := c.status
		c.mu.Unlock()
		if runID != "" {
			return nil
		}
		return fmt.Errorf("no run in progress: DAQ is %v", current)
	}
	if c.runTimer != nil {
		c.runTimer.Stop()
		c.runTimer = nil
	}
	run := c.run
	pipeline := c.pipeline
	c.mu.Unlock()

	pipeline.Instruct(InstructionPause)

	timeout := time.Duration(c.config.DAQ.FinishTimeoutMs) * time.Millisecond
	var err error
	if !c.house.WaitForFiles(context.Background(), timeout) {
		logger.Warn(fmt.Sprintf("Files still open after %v: %v", timeout, c.house.OpenFiles()), "control")
		err = c.house.FinishFiles()
	}
	files := c.house.TakeFinished()

	c.mu.Lock()
	stillRunning := c.status == StatusRunning
	c.mu.Unlock()
	if !stillRunning {
		status = RunStatusError
	}
	if err != nil {
		status = RunStatusError
	}
	c.finishCatalogRun(run.RunID, status, files)

	if stillRunning {
		c.setStatus(StatusActivated)
	}
	c.relayer.Notice("notice", "run", fmt.Sprintf("Run %s %s, files: %v", run.RunID, status, files))
	return err
}

func (c *DAQControl) finishCatalogRun(runID string, status RunStatus, files []string) {
	if c.catalog == nil {
		return
	}
	if err := c.catalog.FinishRun(runID, status, time.Now(), files); err != nil {
		logger.Error(fmt.Sprintf("error recording end of run %s: %v", runID, err))
	}
}

// Deactivate stops any run, asks the nodes to exit and waits for the
// pipeline to end. Nodes that do not exit in time are canceled.
func (c *DAQControl) Deactivate() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	var stopErr error
	if c.Status() == StatusRunning {
		stopErr = c.stopRunLocked("", RunStatusCanceled)
	}

	c.mu.Lock()
	pipeline, cancel, done := c.pipeline, c.cancel, c.done
	if pipeline == nil {
		c.mu.Unlock()
		return errors.Join(stopErr, fmt.Errorf("DAQ is not active"))
	}
	c.mu.Unlock()
	c.setStatus(StatusDeactivating)

	pipeline.Instruct(InstructionExit)
	timeout := time.Duration(c.config.DAQ.FinishTimeoutMs) * time.Millisecond
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("Pipeline did not exit in time, canceling", "control")
		cancel()
		<-done
	}
	cancel()

	leftovers := c.house.FinishFiles()

	c.mu.Lock()
	c.pipeline = nil
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()
	c.setStatus(StatusDeactivated)
	c.relayer.Notice("notice", "daq", "DAQ deactivated")
	return errors.Join(stopErr, leftovers)
}

// Wait blocks until the pipeline ends or ctx is done.
func (c *DAQControl) Wait(ctx context.Context) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (c *DAQControl) RunCommand(node string, command string, args map[string]string) error {
	c.mu.Lock()
	pipeline := c.pipeline
	c.mu.Unlock()
	if pipeline == nil {
		return fmt.Errorf("DAQ is not active")
	}
	if err := pipeline.RunCommand(node, command, args); err != nil {
		return err
	}
	logger.Info(fmt.Sprintf("Command %q sent to %s", command, node), "control")
	return nil
}

// UpdateTriggerMask asks a frequency mask trigger to rebuild its mask.
func (c *DAQControl) UpdateTriggerMask(node string) error {
	return c.RunCommand(node, "update-mask", nil)
}

// ListRuns reads the latest runs from the catalog.
func (c *DAQControl) ListRuns(limit int) ([]RunEntry, error) {
	if c.catalog == nil {
		return nil, fmt.Errorf("run catalog disabled")
	}
	return c.catalog.ListRuns(limit)
}
