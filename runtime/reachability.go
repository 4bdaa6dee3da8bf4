package runtime

import (
	"github.com/juju/errors"
	"github.com/warriorguo/dagflow/types"
)

// reachable reports whether to can be reached from from along edges.
func (g *graphStore) reachable(from, to types.NodeID) bool {
	visited := map[types.NodeID]bool{from: true}
	stack := []types.NodeID{from}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current == to {
			return true
		}
		for _, next := range g.successors(current) {
			if !visited[next] {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

func (g *graphStore) walk(start types.NodeID, next func(types.NodeID) []types.NodeID) map[types.NodeID]bool {
	visited := make(map[types.NodeID]bool)
	stack := next(start)
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[current] {
			continue
		}
		visited[current] = true
		stack = append(stack, next(current)...)
	}
	return visited
}

func (g *graphStore) ancestorSet(id types.NodeID) map[types.NodeID]bool {
	return g.walk(id, g.predecessors)
}

func (g *graphStore) descendantSet(id types.NodeID) map[types.NodeID]bool {
	return g.walk(id, g.successors)
}

// inOrder returns the members of set following node insertion order.
func (g *graphStore) inOrder(set map[types.NodeID]bool) []types.NodeID {
	ids := make([]types.NodeID, 0, len(set))
	for _, id := range g.nodeOrder {
		if set[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

func (g *graphStore) ancestors(id types.NodeID) ([]types.NodeID, error) {
	if _, exists := g.nodes[id]; !exists {
		return nil, errors.NotFoundf("node %s", id)
	}
	return g.inOrder(g.ancestorSet(id)), nil
}

func (g *graphStore) descendants(id types.NodeID) ([]types.NodeID, error) {
	if _, exists := g.nodes[id]; !exists {
		return nil, errors.NotFoundf("node %s", id)
	}
	return g.inOrder(g.descendantSet(id)), nil
}

/**
 * validConnectionTargets is every node minus id itself, its ancestors and
 * its descendants. It is recomputed on each call: removing an edge can
 * re-open pairs a previous topology blocked.
 */
func (g *graphStore) validConnectionTargets(id types.NodeID) ([]types.NodeID, error) {
	if _, exists := g.nodes[id]; !exists {
		return nil, errors.NotFoundf("node %s", id)
	}
	blocked := g.ancestorSet(id)
	for d := range g.descendantSet(id) {
		blocked[d] = true
	}
	blocked[id] = true

	targets := make([]types.NodeID, 0, len(g.nodeOrder))
	for _, other := range g.nodeOrder {
		if !blocked[other] {
			targets = append(targets, other)
		}
	}
	return targets, nil
}

func (g *graphStore) validConnections() map[types.NodeID][]types.NodeID {
	all := make(map[types.NodeID][]types.NodeID, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		targets, _ := g.validConnectionTargets(id)
		all[id] = targets
	}
	return all
}
