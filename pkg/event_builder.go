package triggerdaq

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/exp/slices"
)

type RunState int

const (
	StateUntriggered RunState = iota
	StateTriggered
	StateSkipping
)

func (s RunState) String() string {
	switch s {
	case StateUntriggered:
		return "untriggered"
	case StateTriggered:
		return "triggered"
	case StateSkipping:
		return "skipping"
	default:
		return "unknown"
	}
}

type EventBuilderConfig struct {
	Length        int `json:"length"`
	Pretrigger    int `json:"pretrigger"`
	SkipTolerance int `json:"skip-tolerance"`
}

func DefaultEventBuilderConfig() EventBuilderConfig {
	return EventBuilderConfig{Length: 100}
}

// EventBuilder turns per-packet trigger flags into windowed flags: every
// triggered span is extended backwards by the pretrigger depth, and gaps
// of at most skip-tolerance untriggered packets inside a span are filled.
//
// Every consumed id is emitted exactly once and in the order received.
// An id is held back at most max(pretrigger, skip-tolerance) packets.
type EventBuilder struct {
	name   string
	config EventBuilderConfig

	state      RunState
	pretrigger *idBuffer
	skip       *idBuffer
	seq        uint64

	input   *Stream[TriggerFlag]
	output  *Stream[TriggerFlag]
	metrics *Metrics
}

func init() {
	RegisterNode("event-builder", newEventBuilderNode)
}

func newEventBuilderNode(name string, params json.RawMessage, env *NodeEnv) (Node, error) {
	config := DefaultEventBuilderConfig()
	if err := decodeParams(name, params, &config); err != nil {
		return nil, err
	}
	b, err := NewEventBuilder(name, config)
	if err != nil {
		return nil, err
	}
	b.metrics = env.Metrics
	return b, nil
}

func NewEventBuilder(name string, config EventBuilderConfig) (*EventBuilder, error) {
	if config.Pretrigger < 0 {
		return nil, newConfigError(name, "pretrigger", "must not be negative, got %d", config.Pretrigger)
	}
	if config.SkipTolerance < 0 {
		return nil, newConfigError(name, "skip-tolerance", "must not be negative, got %d", config.SkipTolerance)
	}
	return &EventBuilder{
		name:       name,
		config:     config,
		state:      StateUntriggered,
		pretrigger: newIDBuffer(config.Pretrigger + 1),
		skip:       newIDBuffer(config.SkipTolerance + 1),
		output:     NewStream[TriggerFlag](name+".out_0", config.Length),
	}, nil
}

func (b *EventBuilder) Name() string { return b.name }

func (b *EventBuilder) State() RunState { return b.state }

func (b *EventBuilder) Output(index int) (any, error) {
	if index != 0 {
		return nil, badSlot(b.name, "out", index)
	}
	return b.output, nil
}

func (b *EventBuilder) SetInput(index int, stream any) error {
	if index != 0 {
		return badSlot(b.name, "in", index)
	}
	return bindStream(b.name, index, stream, &b.input)
}

func (b *EventBuilder) Initialize() error {
	if b.input == nil {
		return newConfigError(b.name, "in_0", "input stream not connected")
	}
	b.reset()
	logger.Info(fmt.Sprintf("Pretrigger: %d, skip tolerance: %d", b.config.Pretrigger, b.config.SkipTolerance), b.name)
	return nil
}

func (b *EventBuilder) Execute(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		cmd, flag := b.input.Get(ctx)

		switch cmd {
		case CmdNone:
			if b.input.Closed() {
				logger.Debug("Input stream closed, exiting", b.name)
				return nil
			}
		case CmdStart:
			b.reset()
			if err := b.output.Set(ctx, CmdStart, TriggerFlag{}); err != nil {
				return exitOnStreamError(b.name, err)
			}
		case CmdRun:
			b.metrics.packetProcessed(b.name)
			for _, out := range b.process(flag) {
				if err := b.output.Set(ctx, CmdRun, out); err != nil {
					return exitOnStreamError(b.name, err)
				}
			}
		case CmdStop, CmdExit:
			for _, out := range b.flush() {
				if err := b.output.Set(ctx, CmdRun, out); err != nil {
					return exitOnStreamError(b.name, err)
				}
			}
			if err := b.output.Set(ctx, cmd, TriggerFlag{}); err != nil {
				return exitOnStreamError(b.name, err)
			}
			if cmd == CmdExit {
				return nil
			}
		case CmdError:
			return exitOnStreamError(b.name, b.output.Set(ctx, CmdError, TriggerFlag{}))
		}
	}
}

func (b *EventBuilder) Finalize() error {
	b.output.Close()
	return nil
}

func (b *EventBuilder) reset() {
	b.state = StateUntriggered
	b.pretrigger.Clear()
	b.skip.Clear()
}

// process advances the state machine by one packet and returns the
// windowed flags that became final.
func (b *EventBuilder) process(in TriggerFlag) []TriggerFlag {
	b.seq++
	entry := bufferEntry{seq: b.seq, id: in.ID}
	var out []TriggerFlag

	switch b.state {
	case StateUntriggered:
		b.pretrigger.Push(entry)
		if in.Flag {
			out = appendFlags(out, b.pretrigger.Entries(), true)
			b.pretrigger.Clear()
			b.skip.Clear()
			b.state = StateTriggered
		} else if b.pretrigger.Full() {
			oldest, _ := b.pretrigger.PopFront()
			out = append(out, TriggerFlag{ID: oldest.id, Flag: false})
		}

	case StateTriggered:
		b.skip.Push(entry)
		b.pretrigger.Push(entry)
		if in.Flag {
			oldest, _ := b.skip.PopFront()
			out = append(out, TriggerFlag{ID: oldest.id, Flag: true})
			b.pretrigger.PopFront()
			break
		}
		if b.skip.Full() {
			// no gap allowed: the packet only lives in the pretrigger buffer now
			b.skip.Clear()
			b.state = StateUntriggered
			if b.pretrigger.Full() {
				oldest, _ := b.pretrigger.PopFront()
				out = append(out, TriggerFlag{ID: oldest.id, Flag: false})
			}
		} else {
			b.state = StateSkipping
			if b.pretrigger.Full() {
				b.pretrigger.PopFront()
			}
		}

	case StateSkipping:
		b.skip.Push(entry)
		b.pretrigger.Push(entry)
		if in.Flag {
			out = appendFlags(out, b.skip.Entries(), true)
			b.skip.Clear()
			b.pretrigger.Clear()
			b.state = StateTriggered
			break
		}
		if b.skip.Full() {
			for _, e := range b.skip.Entries() {
				if !b.pretrigger.Contains(e.seq) {
					out = append(out, TriggerFlag{ID: e.id, Flag: false})
				}
			}
			b.skip.Clear()
			if b.pretrigger.Full() {
				oldest, _ := b.pretrigger.PopFront()
				out = append(out, TriggerFlag{ID: oldest.id, Flag: false})
			}
			b.state = StateUntriggered
		} else if b.pretrigger.Full() {
			// still held by the skip buffer
			b.pretrigger.PopFront()
		}
	}
	return out
}

// flush releases every pending id as untriggered and resets the state.
func (b *EventBuilder) flush() []TriggerFlag {
	pending := b.skip.Entries()
	for _, e := range b.pretrigger.Entries() {
		if !b.skip.Contains(e.seq) {
			pending = append(pending, e)
		}
	}
	slices.SortFunc(pending, func(x, y bufferEntry) int {
		return cmp.Compare(x.seq, y.seq)
	})
	b.reset()
	return appendFlags(nil, pending, false)
}

func appendFlags(out []TriggerFlag, entries []bufferEntry, flag bool) []TriggerFlag {
	for _, e := range entries {
		out = append(out, TriggerFlag{ID: e.id, Flag: flag})
	}
	return out
}
