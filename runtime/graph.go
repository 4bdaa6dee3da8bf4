package runtime

import (
	"github.com/juju/errors"
	"github.com/warriorguo/dagflow/types"
	"github.com/warriorguo/dagflow/utils"
)

type connectorEntry struct {
	id     types.ConnectorID
	output string
	input  string
}

type edgeEntry struct {
	id          types.EdgeID
	source      types.NodeID
	destination types.NodeID

	connectors []connectorEntry
}

type pairKey struct {
	source      types.NodeID
	destination types.NodeID
}

/**
 * graphStore is an arena of nodes and edges keyed by id. Edges refer to
 * their endpoints by id only, and adjacency lists keep edge creation order
 * so every traversal is deterministic.
 * graphStore is not goroutine safe, the owning workflow serializes access.
 */
type graphStore struct {
	nodes     map[types.NodeID]*types.NodeInfo
	nodeOrder []types.NodeID

	edges     map[types.EdgeID]*edgeEntry
	edgeOrder []types.EdgeID
	pairs     map[pairKey]types.EdgeID
	out       map[types.NodeID][]types.EdgeID
	in        map[types.NodeID][]types.EdgeID

	connectors map[types.ConnectorID]types.EdgeID
}

func newGraphStore() *graphStore {
	return &graphStore{
		nodes:      make(map[types.NodeID]*types.NodeInfo),
		edges:      make(map[types.EdgeID]*edgeEntry),
		pairs:      make(map[pairKey]types.EdgeID),
		out:        make(map[types.NodeID][]types.EdgeID),
		in:         make(map[types.NodeID][]types.EdgeID),
		connectors: make(map[types.ConnectorID]types.EdgeID),
	}
}

// idInUse reports whether any node, edge or connector already owns id.
func (g *graphStore) idInUse(id string) bool {
	if _, exists := g.nodes[types.NodeID(id)]; exists {
		return true
	}
	if _, exists := g.edges[types.EdgeID(id)]; exists {
		return true
	}
	_, exists := g.connectors[types.ConnectorID(id)]
	return exists
}

func validatePorts(kind string, ports map[string]types.Port) error {
	for name := range ports {
		if name == "" {
			return errors.NotValidf("empty %s name", kind)
		}
	}
	return nil
}

func (g *graphStore) addNode(spec types.NodeSpec) (*types.NodeInfo, error) {
	if spec.ID == "" {
		spec.ID = types.NewNodeID()
	}
	if _, exists := g.nodes[spec.ID]; exists {
		return nil, errors.AlreadyExistsf("node %s", spec.ID)
	}
	if g.idInUse(string(spec.ID)) {
		return nil, types.InvariantViolationf("node id %s already names an edge or connector", spec.ID)
	}
	if err := validatePorts("input", spec.Inputs); err != nil {
		return nil, errors.Trace(err)
	}
	if err := validatePorts("output", spec.Outputs); err != nil {
		return nil, errors.Trace(err)
	}

	info := &types.NodeInfo{
		ID:      spec.ID,
		Name:    spec.Name,
		Inputs:  utils.CloneMap(spec.Inputs),
		Outputs: utils.CloneMap(spec.Outputs),
		Meta:    utils.CloneMap(spec.Meta),
	}
	if info.Name == "" {
		info.Name = string(spec.ID)
	}
	g.nodes[spec.ID] = info
	g.nodeOrder = append(g.nodeOrder, spec.ID)
	return info, nil
}

func (g *graphStore) hasIncidentEdges(id types.NodeID) bool {
	return len(g.out[id]) > 0 || len(g.in[id]) > 0
}

func (g *graphStore) removeNode(id types.NodeID) (*types.NodeInfo, error) {
	info, exists := g.nodes[id]
	if !exists {
		return nil, errors.NotFoundf("node %s", id)
	}
	if g.hasIncidentEdges(id) {
		return nil, types.ConflictingStatef("node %s still has %d incident edges", id, len(g.out[id])+len(g.in[id]))
	}

	delete(g.nodes, id)
	delete(g.out, id)
	delete(g.in, id)
	g.nodeOrder = removeFromSlice(g.nodeOrder, id)
	return info, nil
}

func (g *graphStore) node(id types.NodeID) (*types.NodeInfo, bool) {
	info, exists := g.nodes[id]
	return info, exists
}

func (g *graphStore) edge(id types.EdgeID) (*edgeEntry, bool) {
	e, exists := g.edges[id]
	return e, exists
}

func (g *graphStore) edgeBetween(source, destination types.NodeID) (*edgeEntry, bool) {
	id, exists := g.pairs[pairKey{source, destination}]
	if !exists {
		return nil, false
	}
	return g.edge(id)
}

/**
 * getOrCreateEdge returns the edge between source and destination, creating
 * it when the pair is not connected yet. The cycle check runs before any
 * state is touched, so a rejected edge leaves the graph unchanged.
 */
func (g *graphStore) getOrCreateEdge(source, destination types.NodeID) (*edgeEntry, bool, error) {
	if _, exists := g.nodes[source]; !exists {
		return nil, false, errors.NotFoundf("source node %s", source)
	}
	if _, exists := g.nodes[destination]; !exists {
		return nil, false, errors.NotFoundf("destination node %s", destination)
	}
	if e, exists := g.edgeBetween(source, destination); exists {
		return e, false, nil
	}
	e, err := g.insertEdge(types.NewEdgeID(), source, destination)
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	return e, true, nil
}

// insertEdge adds an edge with a known id once the pair is proven acyclic.
func (g *graphStore) insertEdge(id types.EdgeID, source, destination types.NodeID) (*edgeEntry, error) {
	if source == destination {
		return nil, types.CycleRejectedf("self loop on node %s", source)
	}
	if g.reachable(destination, source) {
		return nil, types.CycleRejectedf("%s -> %s closes a cycle", source, destination)
	}
	if _, exists := g.pairs[pairKey{source, destination}]; exists {
		return nil, errors.AlreadyExistsf("edge %s -> %s", source, destination)
	}
	if g.idInUse(string(id)) {
		return nil, types.InvariantViolationf("edge id %s already in use", id)
	}

	e := &edgeEntry{id: id, source: source, destination: destination}
	g.edges[id] = e
	g.edgeOrder = append(g.edgeOrder, id)
	g.pairs[pairKey{source, destination}] = id
	g.out[source] = append(g.out[source], id)
	g.in[destination] = append(g.in[destination], id)
	return e, nil
}

func (g *graphStore) removeEdge(id types.EdgeID) error {
	e, exists := g.edges[id]
	if !exists {
		return errors.NotFoundf("edge %s", id)
	}
	for _, c := range e.connectors {
		delete(g.connectors, c.id)
	}
	delete(g.edges, id)
	delete(g.pairs, pairKey{e.source, e.destination})
	g.edgeOrder = removeFromSlice(g.edgeOrder, id)
	g.out[e.source] = removeFromSlice(g.out[e.source], id)
	g.in[e.destination] = removeFromSlice(g.in[e.destination], id)
	return nil
}

func (g *graphStore) successors(id types.NodeID) []types.NodeID {
	next := make([]types.NodeID, 0, len(g.out[id]))
	for _, edgeID := range g.out[id] {
		next = append(next, g.edges[edgeID].destination)
	}
	return next
}

func (g *graphStore) predecessors(id types.NodeID) []types.NodeID {
	prev := make([]types.NodeID, 0, len(g.in[id]))
	for _, edgeID := range g.in[id] {
		prev = append(prev, g.edges[edgeID].source)
	}
	return prev
}

/**
 * nodesWithNoUnsatisfiedInput returns, in insertion order, the nodes not yet
 * executed whose incoming edges all originate from executed nodes and whose
 * required inputs are either bound by a connector or supplied by the caller.
 */
func (g *graphStore) nodesWithNoUnsatisfiedInput(executed map[types.NodeID]bool, supplied map[types.NodeID]map[string]bool) []types.NodeID {
	ready := make([]types.NodeID, 0)
	for _, id := range g.nodeOrder {
		if executed[id] {
			continue
		}
		if len(g.pendingUpstream(id, executed)) > 0 {
			continue
		}
		if len(g.unboundInputs(id, supplied[id])) > 0 {
			continue
		}
		ready = append(ready, id)
	}
	return ready
}

func (g *graphStore) pendingUpstream(id types.NodeID, executed map[types.NodeID]bool) []types.NodeID {
	pending := make([]types.NodeID, 0)
	for _, source := range g.predecessors(id) {
		if !executed[source] {
			pending = append(pending, source)
		}
	}
	return pending
}

// unboundInputs lists required inputs of id no connector targets.
func (g *graphStore) unboundInputs(id types.NodeID, supplied map[string]bool) []string {
	info := g.nodes[id]
	if len(info.Inputs) == 0 {
		return nil
	}
	bound := make(map[string]bool, len(info.Inputs))
	for _, edgeID := range g.in[id] {
		for _, c := range g.edges[edgeID].connectors {
			bound[c.input] = true
		}
	}
	unbound := make([]string, 0)
	for _, name := range utils.SortedKeys(info.Inputs) {
		if info.Inputs[name].Optional || bound[name] || supplied[name] {
			continue
		}
		unbound = append(unbound, name)
	}
	return unbound
}

func (g *graphStore) nodeInfos() []types.NodeInfo {
	infos := make([]types.NodeInfo, 0, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		infos = append(infos, copyNodeInfo(g.nodes[id]))
	}
	return infos
}

func (g *graphStore) edgeInfos() []types.EdgeInfo {
	infos := make([]types.EdgeInfo, 0, len(g.edgeOrder))
	for _, id := range g.edgeOrder {
		infos = append(infos, g.edges[id].info())
	}
	return infos
}

func (e *edgeEntry) connectorInfo(c connectorEntry) types.ConnectorInfo {
	return types.ConnectorInfo{
		ID:          c.id,
		EdgeID:      e.id,
		Source:      e.source,
		Destination: e.destination,
		Output:      c.output,
		Input:       c.input,
	}
}

func (e *edgeEntry) info() types.EdgeInfo {
	info := types.EdgeInfo{
		ID:          e.id,
		Source:      e.source,
		Destination: e.destination,
		Connectors:  make([]types.ConnectorInfo, 0, len(e.connectors)),
	}
	for _, c := range e.connectors {
		info.Connectors = append(info.Connectors, e.connectorInfo(c))
	}
	return info
}

func copyNodeInfo(info *types.NodeInfo) types.NodeInfo {
	c := *info
	c.Inputs = utils.CloneMap(info.Inputs)
	c.Outputs = utils.CloneMap(info.Outputs)
	c.Meta = utils.CloneMap(info.Meta)
	return c
}

func removeFromSlice[K comparable](a []K, v K) []K {
	for i := range a {
		if a[i] == v {
			return append(a[:i:i], a[i+1:]...)
		}
	}
	return a
}
