package triggerdaq

import (
	"context"
	"encoding/json"
	"fmt"
)

// StreamingWriter writes every packet of the time stream. Each run is a
// single acquisition.
type StreamingWriter struct {
	writerBase
	timeIn *Stream[TimeData]
}

func init() {
	RegisterNode("streaming-writer", newStreamingWriterNode)
}

func newStreamingWriterNode(name string, params json.RawMessage, env *NodeEnv) (Node, error) {
	config := DefaultWriterConfig()
	if err := decodeParams(name, params, &config); err != nil {
		return nil, err
	}
	return NewStreamingWriter(name, config, env)
}

func NewStreamingWriter(name string, config WriterConfig, env *NodeEnv) (*StreamingWriter, error) {
	if env == nil {
		env = &NodeEnv{}
	}
	base, err := newWriterBase(name, config, env)
	if err != nil {
		return nil, err
	}
	return &StreamingWriter{writerBase: base}, nil
}

func (w *StreamingWriter) Name() string { return w.name }

func (w *StreamingWriter) SetInput(index int, stream any) error {
	if index != 0 {
		return badSlot(w.name, "in", index)
	}
	return bindStream(w.name, index, stream, &w.timeIn)
}

func (w *StreamingWriter) Initialize() error {
	if w.timeIn == nil {
		return newConfigError(w.name, "in_0", "time stream not connected")
	}
	return nil
}

func (w *StreamingWriter) Execute(ctx context.Context) error {
	defer w.abortRun()
	for {
		if ctx.Err() != nil {
			return nil
		}
		cmd, data := w.timeIn.Get(ctx)

		switch cmd {
		case CmdNone:
			if w.timeIn.Closed() {
				logger.Debug("Time stream closed, exiting", w.name)
				return nil
			}
		case CmdStart:
			if w.running {
				return &ErrDesync{Node: w.name, TimeCmd: cmd, TimeID: data.PktInSession,
					Reason: "start received while a run is in progress"}
			}
			if err := w.openRun(data.PktInSession); err != nil {
				return err
			}
		case CmdRun:
			if !w.running {
				logger.Debug(fmt.Sprintf("Ignoring packet %d outside of a run", data.PktInSession), w.name)
				continue
			}
			w.metrics.packetProcessed(w.name)
			if err := w.openStream(); err != nil {
				return err
			}
			if err := w.writeRecord(&data); err != nil {
				return err
			}
			w.isNew = false
		case CmdStop:
			if err := w.finishRun(); err != nil {
				return err
			}
		case CmdExit:
			return w.finishRun()
		case CmdError:
			return nil
		}
	}
}

func (w *StreamingWriter) Finalize() error {
	return w.finishRun()
}
