package interchange

import (
	"context"
	"sort"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"github.com/warriorguo/dagflow/store"
	"github.com/warriorguo/dagflow/types"
	"github.com/warriorguo/dagflow/utils"
)

const (
	ManifestPath = "/manifest/"
	ValuePath    = "/value/"
)

var (
	_ types.Interchange = &StoreInterchange{}
)

/**
 * StoreInterchange keeps one JSON manifest per edge in a store.Store and,
 * for in process executors, the values the producer published on it.
 * A manifest lists output -> input pairs sorted by input; its Location is
 * the store key the values live under.
 */
type StoreInterchange struct {
	store store.Store
}

func NewStoreInterchange(s store.Store) *StoreInterchange {
	return &StoreInterchange{store: s}
}

func (i *StoreInterchange) Manifests(ctx context.Context, edge types.EdgeInfo) (*types.Manifest, *types.Manifest, error) {
	m := &types.Manifest{
		Edge:        edge.ID,
		Source:      edge.Source,
		Destination: edge.Destination,
		Entries:     make([]types.ManifestEntry, 0, len(edge.Connectors)),
		Location:    ValuePath + string(edge.ID),
	}
	for _, c := range edge.Connectors {
		m.Entries = append(m.Entries, types.ManifestEntry{Output: c.Output, Input: c.Input})
	}
	sort.Slice(m.Entries, func(a, b int) bool { return m.Entries[a].Input < m.Entries[b].Input })

	b, err := utils.Serialize(m)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	if err := i.store.Set(ctx, ManifestPath, string(edge.ID), b); err != nil {
		return nil, nil, errors.Annotatef(err, "save manifest of edge %s", edge.ID)
	}

	produce := *m
	produce.Entries = append([]types.ManifestEntry(nil), m.Entries...)
	return m, &produce, nil
}

// Manifest returns the last manifest written for an edge.
func (i *StoreInterchange) Manifest(ctx context.Context, edge types.EdgeID) (*types.Manifest, error) {
	b, err := i.store.Get(ctx, ManifestPath, string(edge))
	if err != nil {
		return nil, errors.Trace(err)
	}
	if b == nil {
		return nil, errors.NotFoundf("manifest of edge %s", edge)
	}
	m := &types.Manifest{}
	if err := utils.Unserialize(b, m); err != nil {
		return nil, errors.Trace(err)
	}
	return m, nil
}

/**
 * Publish stores, for every produce manifest, the outputs its entries name.
 * Every exported output must be present in values.
 */
func (i *StoreInterchange) Publish(ctx context.Context, manifests []*types.Manifest, values types.Data) error {
	for _, m := range manifests {
		published := make(types.Data, len(m.Entries))
		for _, entry := range m.Entries {
			v, exists := values[entry.Output]
			if !exists {
				return errors.NotFoundf("output %q of node %s for edge %s", entry.Output, m.Source, m.Edge)
			}
			published[entry.Output] = v
		}
		b, err := utils.Serialize(published)
		if err != nil {
			return errors.Trace(err)
		}
		if err := i.store.Set(ctx, ValuePath, string(m.Edge), b); err != nil {
			return errors.Annotatef(err, "publish values of edge %s", m.Edge)
		}
		log.Debugf("published %d values on edge %s", len(published), m.Edge)
	}
	return nil
}

// Collect gathers the consumer inputs from the values published upstream.
func (i *StoreInterchange) Collect(ctx context.Context, manifests []*types.Manifest) (types.Data, error) {
	inputs := make(types.Data)
	for _, m := range manifests {
		if len(m.Entries) == 0 {
			continue
		}
		b, err := i.store.Get(ctx, ValuePath, string(m.Edge))
		if err != nil {
			return nil, errors.Annotatef(err, "collect values of edge %s", m.Edge)
		}
		if b == nil {
			return nil, errors.NotFoundf("values published on edge %s", m.Edge)
		}
		published := make(types.Data)
		if err := utils.Unserialize(b, &published); err != nil {
			return nil, errors.Trace(err)
		}
		for _, entry := range m.Entries {
			v, exists := published[entry.Output]
			if !exists {
				return nil, errors.NotFoundf("output %q published on edge %s", entry.Output, m.Edge)
			}
			inputs[entry.Input] = v
		}
	}
	return inputs, nil
}

// Clear drops the manifest and values of an edge.
func (i *StoreInterchange) Clear(ctx context.Context, edge types.EdgeID) error {
	if err := i.store.Remove(ctx, ManifestPath, string(edge)); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(i.store.Remove(ctx, ValuePath, string(edge)))
}
