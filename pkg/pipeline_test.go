package triggerdaq

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func params(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// triggeredChain is a simulator feeding the full trigger chain. Tone
// bursts are injected at packets 20, 30 and 40 of a 50 packet run.
func triggeredChain(t *testing.T) Configuration {
	config := DefaultConfiguration()
	config.Nodes = []NodeConfig{
		{Type: "tf-simulator", Name: "sim", Params: params(t, map[string]any{
			"record-size": 64, "tone-bin": 3, "max-packets": 50, "auto-start": true,
			"event-every": 10, "event-offset": 20, "event-length": 1,
		})},
		{Type: "frequency-mask-trigger", Name: "fmt", Params: params(t, map[string]any{
			"n-bins": 64, "threshold-db": 20,
		})},
		{Type: "event-builder", Name: "eb", Params: params(t, map[string]any{
			"pretrigger": 2, "skip-tolerance": 0,
		})},
		{Type: "triggered-writer", Name: "writer", Params: params(t, map[string]any{
			"device": map[string]any{"record-size": 64},
		})},
	}
	config.Connections = []string{
		"sim.out_0:writer.in_0",
		"sim.out_1:fmt.in_0",
		"fmt.out_0:eb.in_0",
		"eb.out_0:writer.in_1",
	}
	return config
}

func runUntilFinished(t *testing.T, p *Pipeline, house *FileHouse, files int) []string {
	t.Helper()
	require.NoError(t, p.Initialize())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	var finished []string
	require.Eventually(t, func() bool {
		finished = append(finished, house.TakeFinished()...)
		return len(finished) >= files
	}, 5*time.Second, 5*time.Millisecond)

	p.Instruct(InstructionExit)
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("pipeline did not exit")
	}
	return finished
}

func readParquetRecords(t *testing.T, filename string) []ParquetRecord {
	t.Helper()
	f, err := os.Open(filename)
	require.NoError(t, err)
	defer f.Close()

	reader := parquet.NewGenericReader[ParquetRecord](f)
	defer reader.Close()
	var out []ParquetRecord
	rows := make([]ParquetRecord, 1)
	for {
		n, err := reader.Read(rows)
		if n == 1 {
			row := rows[0]
			row.Data = append([]byte(nil), row.Data...)
			out = append(out, row)
		}
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
	}
}

func TestPipelineTriggeredRun(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "run.parquet")
	metrics := NewMetrics()
	house := NewFileHouse()
	env := &NodeEnv{
		House:   house,
		Run:     StaticRun{RunID: "e2e", Filenames: []string{filename}, Description: "end to end"},
		Metrics: metrics,
	}
	p, err := NewPipeline(triggeredChain(t), env)
	require.NoError(t, err)

	finished := runUntilFinished(t, p, house, 1)
	assert.Equal(t, []string{filename}, finished)

	records := readParquetRecords(t, filename)
	var ids []uint64
	acquisitions := 0
	for _, r := range records {
		ids = append(ids, r.RecordID)
		if r.NewAcquisition {
			acquisitions++
		}
		assert.Len(t, r.Data, 128)
	}
	assert.Equal(t, []uint64{18, 19, 20, 28, 29, 30, 38, 39, 40}, ids)
	assert.Equal(t, 3, acquisitions)
	assert.Equal(t, int64(18)*640, records[0].TimeNs)

	assert.Equal(t, 50.0, testutil.ToFloat64(metrics.PacketsProcessed.WithLabelValues("sim")))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.TriggerDecisions.WithLabelValues("fmt", "true")))
	assert.Equal(t, 9.0, testutil.ToFloat64(metrics.RecordsWritten.WithLabelValues("writer")))
}

func TestPipelineStreamingRun(t *testing.T) {
	house, store := newMemHouse()
	filename := memFilename(t, "stream.mem")
	config := DefaultConfiguration()
	config.Nodes = []NodeConfig{
		{Type: "tf-simulator", Name: "sim", Params: params(t, map[string]any{
			"record-size": 16, "tone-bin": 1, "max-packets": 20, "auto-start": true,
		})},
		{Type: "streaming-writer", Name: "writer", Params: params(t, map[string]any{
			"device": map[string]any{"record-size": 16},
		})},
	}
	config.Connections = []string{"sim.out_0:writer.in_0"}

	p, err := NewPipeline(config, &NodeEnv{House: house, Run: StaticRun{Filenames: []string{filename}}})
	require.NoError(t, err)
	runUntilFinished(t, p, house, 1)

	records := store.get(filename).Records()
	require.Len(t, records, 20)
	assert.True(t, records[0].IsNew)
	for i, r := range records {
		assert.Equal(t, uint64(i), r.ID)
		assert.Equal(t, uint32(0), r.Acquisition)
		assert.Equal(t, 32, r.Size)
	}
}

type panicNode struct{ name string }

func (n *panicNode) Name() string                     { return n.name }
func (n *panicNode) Initialize() error                { return nil }
func (n *panicNode) Execute(ctx context.Context) error { panic("boom") }
func (n *panicNode) Finalize() error                  { return nil }

type waitNode struct {
	name      string
	finalized bool
}

func (n *waitNode) Name() string      { return n.name }
func (n *waitNode) Initialize() error { return nil }
func (n *waitNode) Execute(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
func (n *waitNode) Finalize() error {
	n.finalized = true
	return nil
}

func TestPipelineRecoversPanics(t *testing.T) {
	waiter := &waitNode{name: "waiter"}
	p, err := NewPipelineFromNodes([]Node{&panicNode{name: "bad"}, waiter}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = p.Run(ctx)
	var panicErr *ErrNodePanic
	require.True(t, errors.As(err, &panicErr), "got %v", err)
	assert.Equal(t, "bad", panicErr.Node)
	assert.NoError(t, ctx.Err(), "siblings are canceled by the failure, not the timeout")
	assert.True(t, waiter.finalized)
}

func TestPipelineConnectionErrors(t *testing.T) {
	sim, err := NewSimulator("sim", DefaultSimulatorConfig())
	require.NoError(t, err)
	eb, err := NewEventBuilder("eb", DefaultEventBuilderConfig())
	require.NoError(t, err)
	w, err := NewStreamingWriter("writer", DefaultWriterConfig(), nil)
	require.NoError(t, err)
	nodes := []Node{sim, eb, w}

	_, err = NewPipelineFromNodes(nodes, []string{"writer.out_0:eb.in_0"})
	assert.Error(t, err, "writer has no outputs")

	_, err = NewPipelineFromNodes(nodes, []string{"sim.out_1:writer.in_0"})
	assert.Error(t, err, "frequency data cannot feed a time input")

	_, err = NewPipelineFromNodes(nodes, []string{"sim.out_0:writer.in_0", "sim.out_0:eb.in_0"})
	assert.Error(t, err, "one consumer per stream")

	_, err = NewPipelineFromNodes([]Node{sim, sim}, nil)
	assert.Error(t, err)

	p, err := NewPipelineFromNodes(nodes, []string{"sim.out_0:writer.in_0"})
	require.NoError(t, err)
	assert.Error(t, p.RunCommand("writer", "update-mask", nil))
	assert.Error(t, p.RunCommand("nobody", "update-mask", nil))
}
