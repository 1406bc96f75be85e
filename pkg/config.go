package triggerdaq

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

type Configuration struct {
	Verbosity        int                `json:"verbosity"`
	Nodes            []NodeConfig       `json:"nodes"`
	Connections      []string           `json:"connections"`
	DAQ              DAQConfig          `json:"daq"`
	Server           ServerConfig       `json:"server"`
	NoDB             bool               `json:"no_db"`
	DBDriver         string             `json:"db_driver"`
	Host             string             `json:"host"`
	Port             string             `json:"port"`
	User             string             `json:"user"`
	Passwd           string             `json:"pass"`
	DBName           string             `json:"dbname"`
	DBFile           string             `json:"db_file"`
	NatsURL          string             `json:"nats_url"`
	NatsSubject      string             `json:"nats_subject"`
	Compression      ArchiveCompression `json:"compression"`
	CompressionLevel int                `json:"compression_level"`
}

// NodeConfig describes one pipeline node. Params are decoded by the
// builder registered for Type.
type NodeConfig struct {
	Type   string          `json:"type"`
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params"`
}

type DAQConfig struct {
	ActivateAtStartup bool    `json:"activate_at_startup"`
	Filename          string  `json:"filename"`
	Description       string  `json:"description"`
	DurationMs        int     `json:"duration_ms"`
	FinishTimeoutMs   int     `json:"finish_timeout_ms"`
	MinFreeSpaceMB    float64 `json:"min_free_space_mb"`
}

type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

var configuration = DefaultConfiguration()

func GetConfiguration() Configuration {
	return configuration
}

func SetConfiguration(config Configuration) {
	configuration = config
}

func DefaultConfiguration() Configuration {
	return Configuration{
		Verbosity:        0,
		DBDriver:         "mysql",
		Host:             "localhost",
		Port:             "3306",
		User:             "daq",
		DBName:           "DAQRUNS",
		DBFile:           "runs.sqlite",
		NatsSubject:      "triggerdaq.notices",
		Compression:      CompressionDeflate,
		CompressionLevel: 4,
		DAQ: DAQConfig{
			Filename:        "run.h5",
			FinishTimeoutMs: 2000,
		},
		Server: ServerConfig{
			Address: ":8080",
		},
	}
}

// LoadConfiguration reads a JSON configuration on top of the defaults.
func LoadConfiguration(filename string) (Configuration, error) {
	config := DefaultConfiguration()

	data, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = json.Unmarshal(data, &config)
	if err != nil {
		return config, err
	}
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// Validate checks the pipeline description without building any node.
func (c Configuration) Validate() error {
	names := make(map[string]bool)
	for _, node := range c.Nodes {
		if node.Name == "" {
			return newConfigError("", "name", "node of type %q has no name", node.Type)
		}
		if names[node.Name] {
			return newConfigError(node.Name, "name", "duplicated node name")
		}
		names[node.Name] = true
	}
	for _, conn := range c.Connections {
		from, to, err := parseConnection(conn)
		if err != nil {
			return err
		}
		if !names[from.node] {
			return newConfigError(from.node, "connections", "connection %q references an unknown node", conn)
		}
		if !names[to.node] {
			return newConfigError(to.node, "connections", "connection %q references an unknown node", conn)
		}
	}
	switch c.DBDriver {
	case "mysql", "sqlite":
	default:
		return newConfigError("", "db_driver", "unsupported database driver %q", c.DBDriver)
	}
	return nil
}

type endpoint struct {
	node  string
	index int
}

// parseConnection parses "producer.out_N:consumer.in_M".
func parseConnection(conn string) (endpoint, endpoint, error) {
	parts := strings.Split(conn, ":")
	if len(parts) != 2 {
		return endpoint{}, endpoint{}, newConfigError("", "connections", "malformed connection %q", conn)
	}
	from, err := parseEndpoint(parts[0], "out")
	if err != nil {
		return endpoint{}, endpoint{}, err
	}
	to, err := parseEndpoint(parts[1], "in")
	if err != nil {
		return endpoint{}, endpoint{}, err
	}
	return from, to, nil
}

func parseEndpoint(s string, direction string) (endpoint, error) {
	dot := strings.LastIndex(s, ".")
	if dot <= 0 {
		return endpoint{}, newConfigError("", "connections", "malformed endpoint %q", s)
	}
	var index int
	if _, err := fmt.Sscanf(s[dot+1:], direction+"_%d", &index); err != nil {
		return endpoint{}, newConfigError(s[:dot], "connections", "malformed %s stream %q", direction, s[dot+1:])
	}
	return endpoint{node: s[:dot], index: index}, nil
}
