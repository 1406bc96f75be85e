package triggerdaq

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `{
	"verbosity": 1,
	"db_driver": "sqlite",
	"db_file": "runs.sqlite",
	"compression": "none",
	"daq": {"filename": "/data/run.h5", "duration_ms": 500},
	"nodes": [
		{"type": "tf-simulator", "name": "sim", "params": {"record-size": 64, "tone-bin": 3}},
		{"type": "frequency-mask-trigger", "name": "fmt", "params": {"n-bins": 64, "threshold-db": 6}},
		{"type": "event-builder", "name": "eb", "params": {"pretrigger": 2, "skip-tolerance": 1}},
		{"type": "triggered-writer", "name": "writer", "params": {"device": {"record-size": 64}}}
	],
	"connections": [
		"sim.out_0:writer.in_0",
		"sim.out_1:fmt.in_0",
		"fmt.out_0:eb.in_0",
		"eb.out_0:writer.in_1"
	]
}`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(filename, []byte(content), 0o644))
	return filename
}

func TestLoadConfiguration(t *testing.T) {
	config, err := LoadConfiguration(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, 1, config.Verbosity)
	assert.Equal(t, "sqlite", config.DBDriver)
	assert.Equal(t, CompressionNone, config.Compression)
	assert.Equal(t, "/data/run.h5", config.DAQ.Filename)
	assert.Equal(t, 500, config.DAQ.DurationMs)
	// untouched keys keep their defaults
	assert.Equal(t, 2000, config.DAQ.FinishTimeoutMs)
	assert.Equal(t, "triggerdaq.notices", config.NatsSubject)
	require.Len(t, config.Nodes, 4)
	assert.Equal(t, "event-builder", config.Nodes[2].Type)
}

func TestLoadConfigurationErrors(t *testing.T) {
	_, err := LoadConfiguration(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadConfiguration(writeConfig(t, `{"nodes": [`))
	assert.Error(t, err)

	_, err = LoadConfiguration(writeConfig(t, `{"compression": "zstd"}`))
	assert.Error(t, err)
}

func TestConfigurationValidate(t *testing.T) {
	cases := []struct {
		name   string
		modify func(*Configuration)
		key    string
	}{
		{"duplicated node", func(c *Configuration) {
			c.Nodes = []NodeConfig{{Type: "event-builder", Name: "eb"}, {Type: "event-builder", Name: "eb"}}
		}, "name"},
		{"unnamed node", func(c *Configuration) {
			c.Nodes = []NodeConfig{{Type: "event-builder"}}
		}, "name"},
		{"unknown node in connection", func(c *Configuration) {
			c.Nodes = []NodeConfig{{Type: "event-builder", Name: "eb"}}
			c.Connections = []string{"eb.out_0:writer.in_1"}
		}, "connections"},
		{"malformed connection", func(c *Configuration) {
			c.Nodes = []NodeConfig{{Type: "event-builder", Name: "eb"}}
			c.Connections = []string{"eb.out_0-eb.in_0"}
		}, "connections"},
		{"malformed stream", func(c *Configuration) {
			c.Nodes = []NodeConfig{{Type: "event-builder", Name: "eb"}}
			c.Connections = []string{"eb.output:eb.in_0"}
		}, "connections"},
		{"database driver", func(c *Configuration) {
			c.DBDriver = "postgres"
		}, "db_driver"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			config := DefaultConfiguration()
			tc.modify(&config)
			err := config.Validate()
			var cfgErr *ErrConfig
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tc.key, cfgErr.Key)
		})
	}
	assert.NoError(t, DefaultConfiguration().Validate())
}

func TestParseConnection(t *testing.T) {
	from, to, err := parseConnection("sim.node.out_1:writer.in_0")
	require.NoError(t, err)
	assert.Equal(t, endpoint{node: "sim.node", index: 1}, from)
	assert.Equal(t, endpoint{node: "writer", index: 0}, to)
}

func TestBuildNodeErrors(t *testing.T) {
	_, err := BuildNode(NodeConfig{Type: "no-such-node", Name: "x"}, nil)
	var cfgErr *ErrConfig
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "type", cfgErr.Key)

	_, err = BuildNode(NodeConfig{Type: "event-builder", Name: "eb", Params: []byte(`{"pretrigger": "two"}`)}, nil)
	assert.Error(t, err)

	node, err := BuildNode(NodeConfig{Type: "event-builder", Name: "eb"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "eb", node.Name())

	assert.Subset(t, NodeTypes(), []string{"event-builder", "frequency-mask-trigger", "streaming-writer", "tf-simulator", "triggered-writer"})
}
