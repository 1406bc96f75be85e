package triggerdaq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Command is the control word carried by every stream slot.
type Command int

const (
	CmdNone Command = iota
	CmdStart
	CmdRun
	CmdStop
	CmdExit
	CmdError
)

var commandStrings = []string{
	"none",
	"start",
	"run",
	"stop",
	"exit",
	"error",
}

func (c Command) String() string {
	if c < CmdNone || c > CmdError {
		return "UNKNOWN"
	}
	return commandStrings[c]
}

func (c Command) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Command) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for i, v := range commandStrings {
		if v == s {
			*c = Command(i)
			return nil
		}
	}
	return fmt.Errorf("invalid Command: %s", s)
}

type slot[T any] struct {
	cmd  Command
	data T
}

// Stream is a bounded single-producer single-consumer channel of
// (command, data) pairs. A full stream blocks the producer.
type Stream[T any] struct {
	name   string
	slots  chan slot[T]
	closed chan struct{}
	once   sync.Once
}

func NewStream[T any](name string, length int) *Stream[T] {
	if length < 1 {
		length = 1
	}
	return &Stream[T]{
		name:   name,
		slots:  make(chan slot[T], length),
		closed: make(chan struct{}),
	}
}

func (s *Stream[T]) Name() string {
	return s.name
}

func (s *Stream[T]) Cap() int {
	return cap(s.slots)
}

// Set blocks until the slot is accepted. It fails with ErrStreamClosed
// when the stream is closed or the context is done.
func (s *Stream[T]) Set(ctx context.Context, cmd Command, data T) error {
	select {
	case <-s.closed:
		return ErrStreamClosed
	default:
	}
	select {
	case s.slots <- slot[T]{cmd: cmd, data: data}:
		return nil
	case <-s.closed:
		return ErrStreamClosed
	case <-ctx.Done():
		return ErrStreamClosed
	}
}

// Get blocks for the next slot. It returns CmdNone when the context is
// done, or when the stream was closed and fully drained.
func (s *Stream[T]) Get(ctx context.Context) (Command, T) {
	select {
	case sl := <-s.slots:
		return sl.cmd, sl.data
	default:
	}
	var zero T
	select {
	case sl := <-s.slots:
		return sl.cmd, sl.data
	case <-ctx.Done():
		return CmdNone, zero
	case <-s.closed:
		select {
		case sl := <-s.slots:
			return sl.cmd, sl.data
		default:
			return CmdNone, zero
		}
	}
}

// TryGet is Get bounded by a timeout. A timeout yields CmdNone.
func (s *Stream[T]) TryGet(ctx context.Context, timeout time.Duration) (Command, T) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var zero T
	select {
	case sl := <-s.slots:
		return sl.cmd, sl.data
	case <-timer.C:
		return CmdNone, zero
	case <-ctx.Done():
		return CmdNone, zero
	case <-s.closed:
		select {
		case sl := <-s.slots:
			return sl.cmd, sl.data
		default:
			return CmdNone, zero
		}
	}
}

// Closed reports whether Close was called. Queued slots may remain.
func (s *Stream[T]) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Close wakes every blocked producer. Slots already queued can still be read.
func (s *Stream[T]) Close() {
	s.once.Do(func() { close(s.closed) })
}
