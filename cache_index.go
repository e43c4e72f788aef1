package recordsync

import (
	"sort"
	"sync"
)

// CacheIndex tracks which cache entries belong to which resource, so that
// invalidations and optimistic projections can find every entry of a
// resource without scanning the whole cache.
type CacheIndex struct {
	// resourceToKeys maps a resource name to the set of entry hashes
	// registered for it.
	resourceToKeys map[string]map[string]struct{}

	// keyToResource maps an entry hash back to its resource.
	keyToResource map[string]string

	mu sync.RWMutex // Protects access to both maps
}

// NewCacheIndex creates and initializes a new CacheIndex.
func NewCacheIndex() *CacheIndex {
	return &CacheIndex{
		resourceToKeys: make(map[string]map[string]struct{}),
		keyToResource:  make(map[string]string),
	}
}

// Register associates an entry hash with a resource.
// It is safe for concurrent use.
func (idx *CacheIndex) Register(resource, hash string) {
	if resource == "" || hash == "" {
		return
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.resourceToKeys[resource]; !exists {
		idx.resourceToKeys[resource] = make(map[string]struct{})
	}
	idx.resourceToKeys[resource][hash] = struct{}{}
	idx.keyToResource[hash] = resource
}

// Deregister removes an entry hash from the index. Called when the cache
// evicts an entry.
func (idx *CacheIndex) Deregister(hash string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	resource, ok := idx.keyToResource[hash]
	if !ok {
		return
	}
	delete(idx.keyToResource, hash)
	if keys, exists := idx.resourceToKeys[resource]; exists {
		delete(keys, hash)
		if len(keys) == 0 {
			delete(idx.resourceToKeys, resource)
		}
	}
}

// KeysFor returns the entry hashes registered for a resource.
// It returns an empty slice if the resource has no entries. Keys are sorted
// so that notifications go out in a stable order.
func (idx *CacheIndex) KeysFor(resource string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	keys := make([]string, 0, len(idx.resourceToKeys[resource]))
	for key := range idx.resourceToKeys[resource] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of indexed entries.
func (idx *CacheIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.keyToResource)
}
