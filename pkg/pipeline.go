package triggerdaq

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Pipeline runs a set of connected nodes, one goroutine each. The first
// node failure cancels the others.
type Pipeline struct {
	nodes  []Node
	byName map[string]Node
}

// NewPipeline builds the nodes described in config and connects them.
func NewPipeline(config Configuration, env *NodeEnv) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	nodes := make([]Node, 0, len(config.Nodes))
	for _, nc := range config.Nodes {
		node, err := BuildNode(nc, env)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return NewPipelineFromNodes(nodes, config.Connections)
}

// NewPipelineFromNodes connects already built nodes. Connections use the
// form "producer.out_N:consumer.in_M".
func NewPipelineFromNodes(nodes []Node, connections []string) (*Pipeline, error) {
	p := &Pipeline{
		nodes:  nodes,
		byName: make(map[string]Node, len(nodes)),
	}
	for _, n := range nodes {
		if _, ok := p.byName[n.Name()]; ok {
			return nil, newConfigError(n.Name(), "name", "duplicated node name")
		}
		p.byName[n.Name()] = n
	}

	used := make(map[string]bool)
	for _, conn := range connections {
		from, to, err := parseConnection(conn)
		if err != nil {
			return nil, err
		}
		producer, ok := p.byName[from.node].(Producer)
		if !ok {
			return nil, newConfigError(from.node, "connections", "node has no output streams")
		}
		consumer, ok := p.byName[to.node].(Consumer)
		if !ok {
			return nil, newConfigError(to.node, "connections", "node has no input streams")
		}
		key := fmt.Sprintf("%s.out_%d", from.node, from.index)
		if used[key] {
			return nil, newConfigError(from.node, "connections", "stream %s already has a consumer", key)
		}
		used[key] = true

		stream, err := producer.Output(from.index)
		if err != nil {
			return nil, err
		}
		if err := consumer.SetInput(to.index, stream); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pipeline) Node(name string) (Node, bool) {
	n, ok := p.byName[name]
	return n, ok
}

func (p *Pipeline) Nodes() []Node {
	return p.nodes
}

// Instruct forwards the instruction to every source node.
func (p *Pipeline) Instruct(i Instruction) {
	for _, n := range p.nodes {
		if s, ok := n.(Source); ok {
			s.Instruct(i)
		}
	}
}

func (p *Pipeline) RunCommand(node string, command string, args map[string]string) error {
	n, ok := p.byName[node]
	if !ok {
		return fmt.Errorf("unknown node %q", node)
	}
	c, ok := n.(Commandable)
	if !ok {
		return fmt.Errorf("node %q does not accept commands", node)
	}
	return c.RunCommand(command, args)
}

// Initialize checks every node before anything runs.
func (p *Pipeline) Initialize() error {
	for _, n := range p.nodes {
		if err := n.Initialize(); err != nil {
			return err
		}
	}
	return nil
}

// Run executes all nodes until every one of them returns. Finalize is
// called on each node afterwards.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range p.nodes {
		n := n
		g.Go(func() error {
			return runGuarded(gctx, n)
		})
	}
	runErr := g.Wait()

	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	for _, n := range p.nodes {
		if err := n.Finalize(); err != nil {
			errs = append(errs, fmt.Errorf("error finalizing node %s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func runGuarded(ctx context.Context, n Node) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ErrNodePanic{Node: n.Name(), Value: r}
			logger.Error(err.Error())
		}
	}()
	logger.Debug("Node started", n.Name())
	err = n.Execute(ctx)
	if err != nil {
		logger.Error(fmt.Sprintf("node %s failed: %v", n.Name(), err))
		return err
	}
	logger.Debug("Node finished", n.Name())
	return nil
}
