package triggerdaq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// TriggeredWriter writes the time records whose windowed trigger flag is
// true. It reads the time stream (in_0) and the trigger stream (in_1) in
// lockstep and realigns them by packet id when they drift. Consecutive
// true flags form one acquisition.
type TriggeredWriter struct {
	writerBase
	timeIn    *Stream[TimeData]
	triggerIn *Stream[TriggerFlag]
}

func init() {
	RegisterNode("triggered-writer", newTriggeredWriterNode)
}

func newTriggeredWriterNode(name string, params json.RawMessage, env *NodeEnv) (Node, error) {
	config := DefaultWriterConfig()
	if err := decodeParams(name, params, &config); err != nil {
		return nil, err
	}
	return NewTriggeredWriter(name, config, env)
}

func NewTriggeredWriter(name string, config WriterConfig, env *NodeEnv) (*TriggeredWriter, error) {
	if env == nil {
		env = &NodeEnv{}
	}
	base, err := newWriterBase(name, config, env)
	if err != nil {
		return nil, err
	}
	return &TriggeredWriter{writerBase: base}, nil
}

func (w *TriggeredWriter) Name() string { return w.name }

func (w *TriggeredWriter) SetInput(index int, stream any) error {
	switch index {
	case 0:
		return bindStream(w.name, index, stream, &w.timeIn)
	case 1:
		return bindStream(w.name, index, stream, &w.triggerIn)
	default:
		return badSlot(w.name, "in", index)
	}
}

func (w *TriggeredWriter) Initialize() error {
	if w.timeIn == nil {
		return newConfigError(w.name, "in_0", "time stream not connected")
	}
	if w.triggerIn == nil {
		return newConfigError(w.name, "in_1", "trigger stream not connected")
	}
	logger.Info(fmt.Sprintf("Record length: %d ns", w.recordLengthNs), w.name)
	return nil
}

func (w *TriggeredWriter) Execute(ctx context.Context) error {
	defer w.abortRun()
	for {
		if ctx.Err() != nil {
			return nil
		}
		var done bool
		var err error
		if w.running {
			done, err = w.stepRunning(ctx)
		} else {
			done, err = w.stepIdle(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if done {
			return nil
		}
	}
}

func (w *TriggeredWriter) Finalize() error {
	return w.finishRun()
}

// stepIdle waits for the time stream to start a run and for the trigger
// stream to follow.
func (w *TriggeredWriter) stepIdle(ctx context.Context) (bool, error) {
	cmd, data := w.timeIn.Get(ctx)
	switch cmd {
	case CmdNone:
		return w.timeIn.Closed(), nil
	case CmdExit, CmdError:
		logger.Debug(fmt.Sprintf("%v received while idle, exiting", cmd), w.name)
		return true, nil
	case CmdStart:
	default:
		logger.Debug(fmt.Sprintf("Ignoring %v outside of a run", cmd), w.name)
		return false, nil
	}

	if err := w.waitForTriggerStart(ctx); err != nil {
		return true, err
	}
	if err := w.openRun(data.PktInSession); err != nil {
		return true, err
	}
	return false, nil
}

func (w *TriggeredWriter) waitForTriggerStart(ctx context.Context) error {
	poll := time.Duration(w.config.StartPollMs) * time.Millisecond
	for i := 0; i < w.config.StartRetries; i++ {
		cmd, flag := w.triggerIn.TryGet(ctx, poll)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch cmd {
		case CmdNone:
			continue
		case CmdStart:
			return nil
		default:
			return &ErrDesync{Node: w.name, TimeCmd: CmdStart, TriggerCmd: cmd, TriggerID: flag.ID,
				Reason: "trigger stream did not start with the time stream"}
		}
	}
	return &ErrDesync{Node: w.name, TimeCmd: CmdStart, TriggerCmd: CmdNone,
		Reason: fmt.Sprintf("trigger stream did not start after %d polls", w.config.StartRetries)}
}

func (w *TriggeredWriter) stepRunning(ctx context.Context) (bool, error) {
	triggerCmd, flag := w.triggerIn.Get(ctx)

	switch triggerCmd {
	case CmdNone:
		if w.triggerIn.Closed() {
			logger.Debug("Trigger stream closed, exiting", w.name)
			return true, nil
		}
		timeCmd, data := w.timeIn.Get(ctx)
		if timeCmd != CmdNone {
			return true, &ErrDesync{Node: w.name, TimeCmd: timeCmd, TriggerCmd: triggerCmd, TimeID: data.PktInSession,
				Reason: "time stream has data while the trigger stream is empty"}
		}
		return false, nil

	case CmdRun:
		if err := w.openStream(); err != nil {
			return true, err
		}
		timeCmd, data := w.timeIn.Get(ctx)
		if timeCmd != CmdRun {
			return true, &ErrDesync{Node: w.name, TimeCmd: timeCmd, TriggerCmd: triggerCmd,
				TimeID: data.PktInSession, TriggerID: flag.ID, Reason: "commands differ"}
		}
		var err error
		data, flag, err = w.resync(ctx, data, flag)
		if err != nil {
			return true, err
		}
		w.metrics.packetProcessed(w.name)
		if !flag.Flag {
			w.isNew = true
			return false, nil
		}
		if err := w.writeRecord(&data); err != nil {
			return true, err
		}
		w.isNew = false
		return false, nil

	case CmdStop:
		if err := w.finishRun(); err != nil {
			return true, err
		}
		return w.drainTimeStop(ctx)

	case CmdExit:
		return true, w.finishRun()

	case CmdError:
		logger.Debug("Error command received, exiting", w.name)
		return true, nil

	default:
		return true, &ErrDesync{Node: w.name, TriggerCmd: triggerCmd, TriggerID: flag.ID,
			Reason: fmt.Sprintf("unexpected %v while a run is in progress", triggerCmd)}
	}
}

// resync advances whichever stream is behind until both carry the same
// packet id. Only RUN slots are acceptable while realigning.
func (w *TriggeredWriter) resync(ctx context.Context, data TimeData, flag TriggerFlag) (TimeData, TriggerFlag, error) {
	for data.PktInSession != flag.ID {
		w.metrics.resync(w.name)
		if data.PktInSession < flag.ID {
			logger.Debug(fmt.Sprintf("Time stream behind (%d < %d), advancing", data.PktInSession, flag.ID), w.name)
			cmd, next := w.timeIn.Get(ctx)
			if cmd != CmdRun {
				return data, flag, &ErrDesync{Node: w.name, TimeCmd: cmd, TriggerCmd: CmdRun,
					TimeID: next.PktInSession, TriggerID: flag.ID, Reason: "time stream left the run while resynchronizing"}
			}
			data = next
		} else {
			logger.Debug(fmt.Sprintf("Trigger stream behind (%d < %d), advancing", flag.ID, data.PktInSession), w.name)
			cmd, next := w.triggerIn.Get(ctx)
			if cmd != CmdRun {
				return data, flag, &ErrDesync{Node: w.name, TimeCmd: CmdRun, TriggerCmd: cmd,
					TimeID: data.PktInSession, TriggerID: next.ID, Reason: "trigger stream left the run while resynchronizing"}
			}
			flag = next
		}
	}
	return data, flag, nil
}

// drainTimeStop consumes the time stream up to its STOP after the trigger
// stream stopped.
func (w *TriggeredWriter) drainTimeStop(ctx context.Context) (bool, error) {
	for {
		cmd, data := w.timeIn.Get(ctx)
		switch cmd {
		case CmdStop:
			return false, nil
		case CmdRun:
			logger.Warn(fmt.Sprintf("Dropping packet %d received after the trigger stream stopped", data.PktInSession), w.name)
		case CmdExit, CmdError:
			return true, nil
		case CmdNone:
			if ctx.Err() != nil || w.timeIn.Closed() {
				return true, nil
			}
		default:
			return true, &ErrDesync{Node: w.name, TimeCmd: cmd, TriggerCmd: CmdStop, TimeID: data.PktInSession,
				Reason: "expected the time stream to stop"}
		}
	}
}
