package runtime

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warriorguo/dagflow/types"
)

func TestAncestorsAndDescendants(t *testing.T) {
	w := newTestWorkflow(nil)
	// a -> b -> d, a -> c -> d, e isolated
	a := addNode(t, w, "a", nil, nil)
	b := addNode(t, w, "b", nil, nil)
	c := addNode(t, w, "c", nil, nil)
	d := addNode(t, w, "d", nil, nil)
	e := addNode(t, w, "e", nil, nil)
	for _, pair := range [][2]types.NodeID{{a, b}, {a, c}, {b, d}, {c, d}} {
		_, err := w.AddEdge(pair[0], pair[1])
		require.NoError(t, err)
	}

	ancestors, err := w.Ancestors(d)
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{a, b, c}, ancestors)

	descendants, err := w.Descendants(a)
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{b, c, d}, descendants)

	ancestors, _ = w.Ancestors(e)
	assert.Empty(t, ancestors)

	_, err = w.Descendants("missing")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestValidConnectionTargets(t *testing.T) {
	w := newTestWorkflow(nil)
	a, b, c := chain(t, w)
	d := addNode(t, w, "D", nil, nil)

	targets, err := w.ValidConnectionTargets(b)
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{d}, targets)

	targets, _ = w.ValidConnectionTargets(d)
	assert.Equal(t, []types.NodeID{a, b, c}, targets)

	for _, id := range []types.NodeID{a, b, c, d} {
		targets, _ := w.ValidConnectionTargets(id)
		assert.NotContains(t, targets, id)
		ancestors, _ := w.Ancestors(id)
		descendants, _ := w.Descendants(id)
		for _, target := range targets {
			assert.NotContains(t, ancestors, target)
			assert.NotContains(t, descendants, target)
		}
	}

	_, err = w.ValidConnectionTargets("missing")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestValidConnectionTargetsIdempotent(t *testing.T) {
	w := newTestWorkflow(nil)
	_, b, _ := chain(t, w)
	addNode(t, w, "D", nil, nil)

	first, _ := w.ValidConnectionTargets(b)
	second, _ := w.ValidConnectionTargets(b)
	assert.Equal(t, first, second)
	assert.Equal(t, w.ValidConnections(), w.ValidConnections())
}

func TestValidConnectionTargetsReopenAfterRemoval(t *testing.T) {
	w := newTestWorkflow(nil)
	a, b, c := chain(t, w)

	targets, _ := w.ValidConnectionTargets(c)
	assert.Empty(t, targets)

	edge, _ := w.EdgeBetween(b, c)
	require.NoError(t, w.RemoveEdge(edge.ID))

	targets, _ = w.ValidConnectionTargets(c)
	assert.Equal(t, []types.NodeID{a, b}, targets)

	// every listed target can really be connected
	_, err := w.AddEdge(c, a)
	assert.NoError(t, err)
}

func TestValidConnections(t *testing.T) {
	w := newTestWorkflow(nil)
	a := addNode(t, w, "a", nil, nil)
	b := addNode(t, w, "b", nil, nil)
	_, err := w.AddEdge(a, b)
	require.NoError(t, err)
	c := addNode(t, w, "c", nil, nil)

	assert.Equal(t, map[types.NodeID][]types.NodeID{
		a: {c},
		b: {c},
		c: {a, b},
	}, w.ValidConnections())
}
