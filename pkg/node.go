package triggerdaq

import (
	"context"
	"errors"
	"fmt"
)

// Node is one stage of the pipeline. Execute runs the stage loop on its
// own goroutine until the context is canceled or an EXIT/ERROR command
// is consumed.
type Node interface {
	Name() string
	Initialize() error
	Execute(ctx context.Context) error
	Finalize() error
}

// Producer exposes the output streams of a node as untyped values
// holding a *Stream[T].
type Producer interface {
	Output(index int) (any, error)
}

// Consumer accepts an upstream *Stream[T] on an input slot.
type Consumer interface {
	SetInput(index int, stream any) error
}

// Commandable nodes accept named commands from the control layer.
type Commandable interface {
	RunCommand(command string, args map[string]string) error
}

// Instruction tells a source to start or stop producing.
type Instruction int

const (
	InstructionResume Instruction = iota
	InstructionPause
	InstructionExit
)

func (i Instruction) String() string {
	switch i {
	case InstructionResume:
		return "resume"
	case InstructionPause:
		return "pause"
	case InstructionExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Source nodes sit at the head of the pipeline and follow instructions.
type Source interface {
	Instruct(Instruction)
}

func bindStream[T any](node string, index int, stream any, dst **Stream[T]) error {
	s, ok := stream.(*Stream[T])
	if !ok {
		var zero T
		return newConfigError(node, fmt.Sprintf("in_%d", index), "stream of type %T cannot feed data of type %T", stream, zero)
	}
	*dst = s
	return nil
}

func badSlot(node, direction string, index int) error {
	return newConfigError(node, fmt.Sprintf("%s_%d", direction, index), "no such stream")
}

// exitOnStreamError turns a failed downstream write into the end of the
// node loop. A closed stream means teardown, which is not a failure.
func exitOnStreamError(node string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStreamClosed) {
		logger.Debug("Output stream closed, exiting", node)
		return nil
	}
	return fmt.Errorf("node %s: error writing to stream: %w", node, err)
}
