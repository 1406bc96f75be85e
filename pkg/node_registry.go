package triggerdaq

import (
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

// NodeEnv carries the collaborators shared by all nodes of a pipeline.
type NodeEnv struct {
	House   *FileHouse
	Run     RunInfoProvider
	Metrics *Metrics
}

type NodeBuilder func(name string, params json.RawMessage, env *NodeEnv) (Node, error)

var (
	registryMu   sync.RWMutex
	nodeRegistry = map[string]NodeBuilder{}
)

// RegisterNode makes a node type available to pipeline configurations.
func RegisterNode(typeName string, builder NodeBuilder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := nodeRegistry[typeName]; ok {
		panic(fmt.Sprintf("node type %q registered twice", typeName))
	}
	nodeRegistry[typeName] = builder
}

func NodeTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	types := make([]string, 0, len(nodeRegistry))
	for t := range nodeRegistry {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

func BuildNode(cfg NodeConfig, env *NodeEnv) (Node, error) {
	registryMu.RLock()
	builder, ok := nodeRegistry[cfg.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, newConfigError(cfg.Name, "type", "unknown node type %q (known: %v)", cfg.Type, NodeTypes())
	}
	if env == nil {
		env = &NodeEnv{}
	}
	params := cfg.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	return builder(cfg.Name, params, env)
}

func decodeParams(node string, params json.RawMessage, dst any) error {
	if err := json.Unmarshal(params, dst); err != nil {
		return &ErrConfig{Node: node, Err: fmt.Errorf("error parsing node parameters: %w", err)}
	}
	return nil
}
