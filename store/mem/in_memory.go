package mem

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/warriorguo/dagflow/store"
	"github.com/warriorguo/dagflow/utils"
)

var (
	_ store.Store   = &memStore{}
	_ store.Clearer = &memStore{}
)

func NewMemStore() store.Store {
	return NewMemStoreWithErrHandler(nil)
}

// NewMemStoreWithErrHandler returns a store whose every call reports the
// error produced by errHandler, after the operation was applied.
func NewMemStoreWithErrHandler(errHandler func() error) store.Store {
	if errHandler == nil {
		errHandler = defaultNoErr
	}
	return &memStore{
		buckets:        make(map[string]map[string][]byte),
		mockErrHandler: errHandler,
	}
}

func defaultNoErr() error {
	return nil
}

/**
 * memStore keeps every prefix in its own bucket, it is meant for tests and
 * local runs of the CLI. NEVER use it in the Production!
 */
type memStore struct {
	mu sync.Mutex

	mockErrHandler func() error

	buckets map[string]map[string][]byte
}

func (m *memStore) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	sb := &strings.Builder{}
	sb.WriteString("\n----------\n")
	for _, prefix := range utils.SortedKeys(m.buckets) {
		for _, key := range utils.SortedKeys(m.buckets[prefix]) {
			fmt.Fprintf(sb, "%s%s: %s\n", prefix, key, string(m.buckets[prefix][key]))
		}
	}
	sb.WriteString("----------\n")
	return sb.String()
}

func (m *memStore) Get(ctx context.Context, prefix, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, exists := m.buckets[prefix][key]
	if !exists {
		return nil, m.mockErrHandler()
	}
	return append([]byte(nil), value...), m.mockErrHandler()
}

func (m *memStore) Set(ctx context.Context, prefix, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, exists := m.buckets[prefix]
	if !exists {
		bucket = make(map[string][]byte)
		m.buckets[prefix] = bucket
	}
	bucket[key] = append([]byte(nil), value...)
	return m.mockErrHandler()
}

func (m *memStore) Remove(ctx context.Context, prefix, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bucket, exists := m.buckets[prefix]; exists {
		delete(bucket, key)
		if len(bucket) == 0 {
			delete(m.buckets, prefix)
		}
	}
	return m.mockErrHandler()
}

// List walks the keys of prefix in lexical order, like the postgres store.
func (m *memStore) List(ctx context.Context, prefix string, iterator func(key string) bool) error {
	m.mu.Lock()
	keys := utils.SortedKeys(m.buckets[prefix])
	m.mu.Unlock()

	for _, key := range keys {
		if !iterator(key) {
			break
		}
	}
	return m.mockErrHandler()
}

func (m *memStore) Clear(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.buckets, prefix)
	return m.mockErrHandler()
}
