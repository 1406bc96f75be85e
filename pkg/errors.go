package triggerdaq

import (
	"errors"
	"fmt"
)

// ErrStreamClosed is returned by stream writes once the pipeline is
// tearing down. Nodes treat it as a normal exit.
var ErrStreamClosed = errors.New("stream closed")

// ErrOpenFile represents an error when opening a file.
type ErrOpenFile struct {
	Filename string
	Err      error
}

func (e *ErrOpenFile) Error() string {
	return fmt.Sprintf("error opening file %q: %v", e.Filename, e.Err)
}

func (e *ErrOpenFile) Unwrap() error { return e.Err }

// ErrCreateGroup represents an error when creating a group.
type ErrCreateGroup struct {
	GroupName string
	Err       error
}

func (e *ErrCreateGroup) Error() string {
	return fmt.Sprintf("error creating group %q: %v", e.GroupName, e.Err)
}

func (e *ErrCreateGroup) Unwrap() error { return e.Err }

// ErrCreateTable represents an error when creating a table.
type ErrCreateTable struct {
	TableName string
	Err       error
}

func (e *ErrCreateTable) Error() string {
	return fmt.Sprintf("error creating table %q: %v", e.TableName, e.Err)
}

func (e *ErrCreateTable) Unwrap() error { return e.Err }

// ErrConfig is a configuration problem detected before or while a node
// starts. The pipeline refuses to run with it.
type ErrConfig struct {
	Node string
	Key  string
	Err  error
}

func (e *ErrConfig) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("configuration error in node %q: %v", e.Node, e.Err)
	}
	return fmt.Sprintf("configuration error in node %q, key %q: %v", e.Node, e.Key, e.Err)
}

func (e *ErrConfig) Unwrap() error { return e.Err }

// ErrDesync reports that the time stream and the trigger stream of a
// writer disagree about the command or the packet they carry.
type ErrDesync struct {
	Node       string
	TimeCmd    Command
	TriggerCmd Command
	TimeID     uint64
	TriggerID  uint64
	Reason     string
}

func (e *ErrDesync) Error() string {
	return fmt.Sprintf("streams out of sync in node %q: %s (time: %v id %d, trigger: %v id %d)",
		e.Node, e.Reason, e.TimeCmd, e.TimeID, e.TriggerCmd, e.TriggerID)
}

// ErrArchive wraps failures of the file lifecycle layer.
type ErrArchive struct {
	Filename string
	Op       string
	Err      error
}

func (e *ErrArchive) Error() string {
	return fmt.Sprintf("archive error on %q during %s: %v", e.Filename, e.Op, e.Err)
}

func (e *ErrArchive) Unwrap() error { return e.Err }

// ErrNodePanic is produced by the pipeline guard when a node panics.
type ErrNodePanic struct {
	Node  string
	Value any
}

func (e *ErrNodePanic) Error() string {
	return fmt.Sprintf("node %q recovered from panic: %v", e.Node, e.Value)
}

func newConfigError(node, key, format string, args ...any) error {
	return &ErrConfig{Node: node, Key: key, Err: fmt.Errorf(format, args...)}
}
