package runtime

import (
	"sort"

	"github.com/juju/errors"
	"github.com/warriorguo/dagflow/types"
	"github.com/warriorguo/dagflow/utils"
)

/**
 * validateBinding checks output/input membership and injectivity for a
 * connector from source.output to destination.input, without touching
 * the graph.
 */
func (g *graphStore) validateBinding(source types.NodeID, output string, destination types.NodeID, input string) error {
	src, exists := g.nodes[source]
	if !exists {
		return errors.NotFoundf("source node %s", source)
	}
	dst, exists := g.nodes[destination]
	if !exists {
		return errors.NotFoundf("destination node %s", destination)
	}
	if !src.HasOutput(output) {
		return types.InvalidBindingf("source node %s has no output %q", source, output)
	}
	if !dst.HasInput(input) {
		return types.InvalidBindingf("destination node %s has no input %q", destination, input)
	}
	for _, edgeID := range g.in[destination] {
		e := g.edges[edgeID]
		for _, c := range e.connectors {
			if c.input == input {
				return types.InvalidBindingf("input %q of node %s is already bound by connector %s from node %s",
					input, destination, c.id, e.source)
			}
		}
	}
	return nil
}

func (g *graphStore) declareConnector(edgeID types.EdgeID, output, input string) (types.ConnectorID, error) {
	e, exists := g.edges[edgeID]
	if !exists {
		return "", errors.NotFoundf("edge %s", edgeID)
	}
	if err := g.validateBinding(e.source, output, e.destination, input); err != nil {
		return "", errors.Trace(err)
	}

	id := types.NewConnectorID()
	if g.idInUse(string(id)) {
		return "", types.InvariantViolationf("generated connector id %s already in use", id)
	}
	e.connectors = append(e.connectors, connectorEntry{id: id, output: output, input: input})
	g.connectors[id] = edgeID
	return id, nil
}

// insertConnector restores a connector with a known id, used when loading
// saved workflows.
func (g *graphStore) insertConnector(edgeID types.EdgeID, id types.ConnectorID, output, input string) error {
	e, exists := g.edges[edgeID]
	if !exists {
		return errors.NotFoundf("edge %s", edgeID)
	}
	if g.idInUse(string(id)) {
		return types.InvariantViolationf("connector id %s already in use", id)
	}
	if err := g.validateBinding(e.source, output, e.destination, input); err != nil {
		return errors.Trace(err)
	}
	e.connectors = append(e.connectors, connectorEntry{id: id, output: output, input: input})
	g.connectors[id] = edgeID
	return nil
}

/**
 * removeConnector drops the connector and, when it was the last one of its
 * edge, the edge itself. It reports whether the edge went away.
 */
func (g *graphStore) removeConnector(id types.ConnectorID) (bool, error) {
	edgeID, exists := g.connectors[id]
	if !exists {
		return false, errors.NotFoundf("connector %s", id)
	}
	e, exists := g.edges[edgeID]
	if !exists {
		return false, types.InvariantViolationf("connector %s refers to missing edge %s", id, edgeID)
	}

	for i, c := range e.connectors {
		if c.id == id {
			e.connectors = append(e.connectors[:i:i], e.connectors[i+1:]...)
			break
		}
	}
	delete(g.connectors, id)

	if len(e.connectors) == 0 {
		return true, errors.Trace(g.removeEdge(edgeID))
	}
	return false, nil
}

func (g *graphStore) connector(id types.ConnectorID) (*types.ConnectorInfo, bool) {
	edgeID, exists := g.connectors[id]
	if !exists {
		return nil, false
	}
	e := g.edges[edgeID]
	for _, c := range e.connectors {
		if c.id == id {
			info := e.connectorInfo(c)
			return &info, true
		}
	}
	return nil, false
}

func (g *graphStore) connectorInfos() []types.ConnectorInfo {
	infos := make([]types.ConnectorInfo, 0, len(g.connectors))
	for _, edgeID := range g.edgeOrder {
		e := g.edges[edgeID]
		for _, c := range e.connectors {
			infos = append(infos, e.connectorInfo(c))
		}
	}
	return infos
}

func (g *graphStore) connectorsTerminatingAt(id types.NodeID) ([]types.ConnectorInfo, error) {
	if _, exists := g.nodes[id]; !exists {
		return nil, errors.NotFoundf("node %s", id)
	}
	infos := make([]types.ConnectorInfo, 0)
	for _, edgeID := range g.in[id] {
		e := g.edges[edgeID]
		for _, c := range e.connectors {
			infos = append(infos, e.connectorInfo(c))
		}
	}
	return infos, nil
}

func (g *graphStore) connectorsOriginatingAt(id types.NodeID) ([]types.ConnectorInfo, error) {
	if _, exists := g.nodes[id]; !exists {
		return nil, errors.NotFoundf("node %s", id)
	}
	infos := make([]types.ConnectorInfo, 0)
	for _, edgeID := range g.out[id] {
		e := g.edges[edgeID]
		for _, c := range e.connectors {
			infos = append(infos, e.connectorInfo(c))
		}
	}
	return infos, nil
}

// satisfiedInputs are the inputs of id fed by upstream data, sorted.
func (g *graphStore) satisfiedInputs(id types.NodeID) ([]string, error) {
	connectors, err := g.connectorsTerminatingAt(id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	inputs := make([]string, 0, len(connectors))
	for _, c := range connectors {
		inputs = append(inputs, c.Input)
	}
	sort.Strings(inputs)
	return inputs, nil
}

// exportedOutputs are the outputs of id at least one connector reads, sorted.
func (g *graphStore) exportedOutputs(id types.NodeID) ([]string, error) {
	connectors, err := g.connectorsOriginatingAt(id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	outputs := make([]string, 0, len(connectors))
	for _, c := range connectors {
		outputs = append(outputs, c.Output)
	}
	sort.Strings(outputs)
	return utils.UniqueSlice(outputs), nil
}

func (g *graphStore) bindings(id types.NodeID) []types.Binding {
	bindings := make([]types.Binding, 0)
	for _, edgeID := range g.in[id] {
		e := g.edges[edgeID]
		for _, c := range e.connectors {
			bindings = append(bindings, types.Binding{Input: c.input, Source: e.source, Output: c.output})
		}
	}
	return bindings
}
