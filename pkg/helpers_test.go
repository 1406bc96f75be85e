package triggerdaq

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memRecord struct {
	Stream      int
	ID          uint64
	TimeNs      int64
	Acquisition uint32
	IsNew       bool
	Size        int
}

// memArchive keeps everything in memory so tests can inspect what a
// writer produced.
type memArchive struct {
	mu      sync.Mutex
	name    string
	header  *Header
	records []memRecord
	size    int64
	closed  bool
}

func (a *memArchive) WriteHeader(header *Header) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.header = header.clone()
	return nil
}

func (a *memArchive) WriteRecord(stream int, record *Record, acquisition uint32, isNew bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, memRecord{
		Stream:      stream,
		ID:          record.ID,
		TimeNs:      record.TimeNs,
		Acquisition: acquisition,
		IsNew:       isNew,
		Size:        len(record.Data),
	})
	a.size += int64(len(record.Data))
	return nil
}

func (a *memArchive) Size() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

func (a *memArchive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *memArchive) Records() []memRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]memRecord(nil), a.records...)
}

func (a *memArchive) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

type memStore struct {
	mu       sync.Mutex
	archives map[string]*memArchive
	order    []string
}

func (s *memStore) open(filename string) (Archive, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := &memArchive{name: filename}
	s.archives[filename] = a
	s.order = append(s.order, filename)
	return a, nil
}

func (s *memStore) get(filename string) *memArchive {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.archives[filename]
}

func (s *memStore) opened() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// newMemHouse returns a file house where ".mem" files live in memory.
func newMemHouse() (*FileHouse, *memStore) {
	store := &memStore{archives: make(map[string]*memArchive)}
	house := NewFileHouse()
	house.RegisterFormat(".mem", "mem", store.open)
	return house, store
}

func memFilename(t *testing.T, name string) string {
	return filepath.Join(t.TempDir(), name)
}

func timeSlot(cmd Command, id uint64) slot[TimeData] {
	return slot[TimeData]{cmd: cmd, data: TimeData{PktInSession: id, Payload: make([]byte, 8)}}
}

func flagSlot(cmd Command, id uint64, flag bool) slot[TriggerFlag] {
	return slot[TriggerFlag]{cmd: cmd, data: TriggerFlag{ID: id, Flag: flag}}
}

func fillStream[T any](t *testing.T, s *Stream[T], slots ...slot[T]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, sl := range slots {
		require.NoError(t, s.Set(ctx, sl.cmd, sl.data))
	}
}

// drain reads slots until cmd or a timeout.
func drain[T any](t *testing.T, s *Stream[T], until Command) []slot[T] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []slot[T]
	for {
		cmd, data := s.Get(ctx)
		require.NotEqual(t, CmdNone, cmd, "timed out waiting for %v", until)
		out = append(out, slot[T]{cmd: cmd, data: data})
		if cmd == until {
			return out
		}
	}
}
