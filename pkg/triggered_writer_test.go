package triggerdaq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type writerFixture struct {
	writer    *TriggeredWriter
	timeIn    *Stream[TimeData]
	triggerIn *Stream[TriggerFlag]
	house     *FileHouse
	store     *memStore
	metrics   *Metrics
	filename  string
}

func newWriterFixture(t *testing.T) *writerFixture {
	t.Helper()
	house, store := newMemHouse()
	f := &writerFixture{
		timeIn:    NewStream[TimeData]("time", 64),
		triggerIn: NewStream[TriggerFlag]("trigger", 64),
		house:     house,
		store:     store,
		metrics:   NewMetrics(),
		filename:  memFilename(t, "run.mem"),
	}
	config := DefaultWriterConfig()
	config.StartRetries = 3
	config.StartPollMs = 5
	env := &NodeEnv{
		House:   house,
		Run:     StaticRun{RunID: "test", Filenames: []string{f.filename}, Description: "writer test"},
		Metrics: f.metrics,
	}
	w, err := NewTriggeredWriter("writer", config, env)
	require.NoError(t, err)
	require.NoError(t, w.SetInput(0, f.timeIn))
	require.NoError(t, w.SetInput(1, f.triggerIn))
	require.NoError(t, w.Initialize())
	f.writer = w
	return f
}

func (f *writerFixture) run(t *testing.T) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := f.writer.Execute(ctx)
	require.NoError(t, ctx.Err(), "writer did not return in time")
	return err
}

func (f *writerFixture) writtenIDs() []uint64 {
	var ids []uint64
	for _, r := range f.store.get(f.filename).Records() {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestTriggeredWriterAcquisitions(t *testing.T) {
	f := newWriterFixture(t)
	fillStream(t, f.timeIn,
		timeSlot(CmdStart, 10),
		timeSlot(CmdRun, 10), timeSlot(CmdRun, 11), timeSlot(CmdRun, 12),
		timeSlot(CmdRun, 13), timeSlot(CmdRun, 14), timeSlot(CmdRun, 15),
		timeSlot(CmdStop, 0),
		timeSlot(CmdExit, 0),
	)
	fillStream(t, f.triggerIn,
		flagSlot(CmdStart, 0, false),
		flagSlot(CmdRun, 10, false), flagSlot(CmdRun, 11, true), flagSlot(CmdRun, 12, true),
		flagSlot(CmdRun, 13, false), flagSlot(CmdRun, 14, true), flagSlot(CmdRun, 15, true),
		flagSlot(CmdStop, 0, false),
		flagSlot(CmdExit, 0, false),
	)

	require.NoError(t, f.run(t))

	archive := f.store.get(f.filename)
	require.NotNil(t, archive)
	assert.True(t, archive.Closed())
	assert.Equal(t, "writer test", archive.header.Description)
	require.Len(t, archive.header.Streams, 1)
	assert.Equal(t, "writer", archive.header.Streams[0].Source)

	recordNs := DefaultWriterConfig().RecordLengthNs()
	assert.Equal(t, int64(40960), recordNs)
	assert.Equal(t, []memRecord{
		{ID: 11, TimeNs: 1 * recordNs, Acquisition: 0, IsNew: true, Size: 8},
		{ID: 12, TimeNs: 2 * recordNs, Acquisition: 0, IsNew: false, Size: 8},
		{ID: 14, TimeNs: 4 * recordNs, Acquisition: 1, IsNew: true, Size: 8},
		{ID: 15, TimeNs: 5 * recordNs, Acquisition: 1, IsNew: false, Size: 8},
	}, archive.Records())

	assert.Empty(t, f.house.OpenFiles())
	assert.Equal(t, []string{f.filename}, f.house.TakeFinished())
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.RecordsWritten.WithLabelValues("writer")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Acquisitions.WithLabelValues("writer")))
}

func TestTriggeredWriterResyncRecovers(t *testing.T) {
	f := newWriterFixture(t)
	// the trigger stream lost packet 0, the time stream lost packet 3
	fillStream(t, f.timeIn,
		timeSlot(CmdStart, 0),
		timeSlot(CmdRun, 0), timeSlot(CmdRun, 1), timeSlot(CmdRun, 2), timeSlot(CmdRun, 4),
		timeSlot(CmdStop, 0),
		timeSlot(CmdExit, 0),
	)
	fillStream(t, f.triggerIn,
		flagSlot(CmdStart, 0, false),
		flagSlot(CmdRun, 1, true), flagSlot(CmdRun, 2, true), flagSlot(CmdRun, 3, true), flagSlot(CmdRun, 4, true),
		flagSlot(CmdStop, 0, false),
		flagSlot(CmdExit, 0, false),
	)

	require.NoError(t, f.run(t))
	assert.Equal(t, []uint64{1, 2, 4}, f.writtenIDs())
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Resyncs.WithLabelValues("writer")))
}

func TestTriggeredWriterResyncFails(t *testing.T) {
	f := newWriterFixture(t)
	fillStream(t, f.timeIn,
		timeSlot(CmdStart, 0),
		timeSlot(CmdRun, 0),
		timeSlot(CmdStop, 0),
	)
	fillStream(t, f.triggerIn,
		flagSlot(CmdStart, 0, false),
		flagSlot(CmdRun, 1, true),
		flagSlot(CmdStop, 0, false),
	)

	err := f.run(t)
	var desync *ErrDesync
	require.True(t, errors.As(err, &desync), "got %v", err)
	assert.Equal(t, CmdStop, desync.TimeCmd)
	assert.Empty(t, f.writtenIDs())
	// the stream is finished even when the writer fails
	assert.True(t, f.store.get(f.filename).Closed())
}

func TestTriggeredWriterCommandMismatch(t *testing.T) {
	f := newWriterFixture(t)
	fillStream(t, f.timeIn,
		timeSlot(CmdStart, 0),
		timeSlot(CmdStop, 0),
	)
	fillStream(t, f.triggerIn,
		flagSlot(CmdStart, 0, false),
		flagSlot(CmdRun, 0, true),
	)

	err := f.run(t)
	var desync *ErrDesync
	require.True(t, errors.As(err, &desync))
	assert.Equal(t, CmdRun, desync.TriggerCmd)
}

func TestTriggeredWriterStartTimeout(t *testing.T) {
	f := newWriterFixture(t)
	fillStream(t, f.timeIn, timeSlot(CmdStart, 0))

	err := f.run(t)
	var desync *ErrDesync
	require.True(t, errors.As(err, &desync))
	assert.Equal(t, CmdNone, desync.TriggerCmd)
	assert.Empty(t, f.store.opened(), "no file is opened without a trigger start")
}

func TestTriggeredWriterStartWhileRunning(t *testing.T) {
	f := newWriterFixture(t)
	fillStream(t, f.timeIn,
		timeSlot(CmdStart, 0),
		timeSlot(CmdStart, 0),
	)
	fillStream(t, f.triggerIn,
		flagSlot(CmdStart, 0, false),
		flagSlot(CmdStart, 0, false),
	)

	err := f.run(t)
	var desync *ErrDesync
	require.True(t, errors.As(err, &desync))
	assert.Equal(t, CmdStart, desync.TriggerCmd)
}

func TestTriggeredWriterIgnoresPacketsOutsideRun(t *testing.T) {
	f := newWriterFixture(t)
	fillStream(t, f.timeIn,
		timeSlot(CmdRun, 0),
		timeSlot(CmdStop, 0),
		timeSlot(CmdExit, 0),
	)

	require.NoError(t, f.run(t))
	assert.Empty(t, f.store.opened())
}

func TestTriggeredWriterTwoRuns(t *testing.T) {
	f := newWriterFixture(t)
	fillStream(t, f.timeIn,
		timeSlot(CmdStart, 0), timeSlot(CmdRun, 0), timeSlot(CmdStop, 0),
		timeSlot(CmdStart, 1), timeSlot(CmdRun, 1), timeSlot(CmdStop, 0),
		timeSlot(CmdExit, 0),
	)
	fillStream(t, f.triggerIn,
		flagSlot(CmdStart, 0, false), flagSlot(CmdRun, 0, true), flagSlot(CmdStop, 0, false),
		flagSlot(CmdStart, 0, false), flagSlot(CmdRun, 1, true), flagSlot(CmdStop, 0, false),
		flagSlot(CmdExit, 0, false),
	)

	require.NoError(t, f.run(t))
	// both runs use the same filename; the second run reopens it
	assert.Equal(t, []string{f.filename, f.filename}, f.store.opened())
	records := f.store.get(f.filename).Records()
	require.Len(t, records, 1)
	assert.Equal(t, uint64(1), records[0].ID)
	assert.Equal(t, int64(0), records[0].TimeNs, "time zero is the first packet of each run")
}

type sharedWriter struct {
	writer    *TriggeredWriter
	timeIn    *Stream[TimeData]
	triggerIn *Stream[TriggerFlag]
}

func newSharedWriter(t *testing.T, name string, house *FileHouse, run RunInfo) *sharedWriter {
	t.Helper()
	s := &sharedWriter{
		timeIn:    NewStream[TimeData](name+".time", 64),
		triggerIn: NewStream[TriggerFlag](name+".trigger", 64),
	}
	config := DefaultWriterConfig()
	config.StartRetries = 3
	config.StartPollMs = 5
	w, err := NewTriggeredWriter(name, config, &NodeEnv{House: house, Run: StaticRun(run)})
	require.NoError(t, err)
	require.NoError(t, w.SetInput(0, s.timeIn))
	require.NoError(t, w.SetInput(1, s.triggerIn))
	require.NoError(t, w.Initialize())
	s.writer = w
	return s
}

func TestTriggeredWritersShareFile(t *testing.T) {
	house, store := newMemHouse()
	filename := memFilename(t, "shared.mem")
	a := newSharedWriter(t, "a", house, RunInfo{RunID: "r", Filenames: []string{filename}, Description: "shared run"})
	b := newSharedWriter(t, "b", house, RunInfo{RunID: "r", Filenames: []string{filename}, Description: "second description"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// both runs start before either writer sees a packet
	for _, s := range []*sharedWriter{a, b} {
		fillStream(t, s.timeIn, timeSlot(CmdStart, 0))
		fillStream(t, s.triggerIn, flagSlot(CmdStart, 0, false))
		done, err := s.writer.stepIdle(ctx)
		require.NoError(t, err)
		require.False(t, done)
	}
	assert.Equal(t, []string{filename}, house.OpenFiles())
	assert.Empty(t, store.opened(), "the archive opens on the first packet")

	fillStream(t, a.timeIn, timeSlot(CmdRun, 0), timeSlot(CmdRun, 1), timeSlot(CmdStop, 0), timeSlot(CmdExit, 0))
	fillStream(t, a.triggerIn, flagSlot(CmdRun, 0, true), flagSlot(CmdRun, 1, true), flagSlot(CmdStop, 0, false), flagSlot(CmdExit, 0, false))
	fillStream(t, b.timeIn, timeSlot(CmdRun, 0), timeSlot(CmdRun, 1), timeSlot(CmdStop, 0), timeSlot(CmdExit, 0))
	fillStream(t, b.triggerIn, flagSlot(CmdRun, 0, false), flagSlot(CmdRun, 1, true), flagSlot(CmdStop, 0, false), flagSlot(CmdExit, 0, false))

	errs := make(chan error, 2)
	for _, s := range []*sharedWriter{a, b} {
		go func(w *TriggeredWriter) { errs <- w.Execute(ctx) }(s.writer)
	}
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	require.NoError(t, ctx.Err())

	assert.Equal(t, []string{filename}, store.opened(), "one archive for both writers")
	archive := store.get(filename)
	assert.True(t, archive.Closed())
	assert.Equal(t, "shared run", archive.header.Description, "the run header is set once")
	assert.True(t, archive.header.GlobalSetupDone)
	require.Len(t, archive.header.Streams, 2)
	assert.Equal(t, "a", archive.header.Streams[0].Source)
	assert.Equal(t, "b", archive.header.Streams[1].Source)

	perStream := map[int][]uint64{}
	for _, r := range archive.Records() {
		perStream[r.Stream] = append(perStream[r.Stream], r.ID)
	}
	assert.Equal(t, map[int][]uint64{0: {0, 1}, 1: {1}}, perStream)
	assert.Empty(t, house.OpenFiles())
	assert.Equal(t, []string{filename}, house.TakeFinished())
}

func TestTriggeredWriterStopWithoutPackets(t *testing.T) {
	f := newWriterFixture(t)
	fillStream(t, f.timeIn, timeSlot(CmdStart, 0), timeSlot(CmdStop, 0), timeSlot(CmdExit, 0))
	fillStream(t, f.triggerIn, flagSlot(CmdStart, 0, false), flagSlot(CmdStop, 0, false), flagSlot(CmdExit, 0, false))

	require.NoError(t, f.run(t))
	archive := f.store.get(f.filename)
	require.NotNil(t, archive, "an empty run still leaves a file with its header")
	assert.True(t, archive.Closed())
	assert.Empty(t, archive.Records())
	assert.Empty(t, f.house.OpenFiles())
}

func TestTriggeredWriterClosedStreams(t *testing.T) {
	cases := []struct {
		name    string
		time    []slot[TimeData]
		trigger []slot[TriggerFlag]
		written []uint64
	}{
		{name: "idle"},
		{
			name:    "running",
			time:    []slot[TimeData]{timeSlot(CmdStart, 0), timeSlot(CmdRun, 0)},
			trigger: []slot[TriggerFlag]{flagSlot(CmdStart, 0, false), flagSlot(CmdRun, 0, true)},
			written: []uint64{0},
		},
		{
			name:    "waiting for the time stop",
			time:    []slot[TimeData]{timeSlot(CmdStart, 0), timeSlot(CmdRun, 0)},
			trigger: []slot[TriggerFlag]{flagSlot(CmdStart, 0, false), flagSlot(CmdRun, 0, true), flagSlot(CmdStop, 0, false)},
			written: []uint64{0},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newWriterFixture(t)
			fillStream(t, f.timeIn, tc.time...)
			fillStream(t, f.triggerIn, tc.trigger...)
			f.timeIn.Close()
			f.triggerIn.Close()

			// no EXIT arrives: the writer returns once its inputs are drained
			require.NoError(t, f.run(t))
			assert.Empty(t, f.house.OpenFiles())
			if tc.written == nil {
				assert.Empty(t, f.store.opened())
				return
			}
			assert.True(t, f.store.get(f.filename).Closed())
			assert.Equal(t, tc.written, f.writtenIDs())
		})
	}
}
