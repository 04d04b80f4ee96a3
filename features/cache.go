package features

import (
	"sync"

	"imagetrace/metrics"
	"imagetrace/types"
)

type featureKey struct {
	ID   string
	Mode Mode
}

type fingerprintKey struct {
	ID   string
	Kind types.HashKind
}

// Cache holds derived per-image data for the lifetime of one analysis job:
// feature sets keyed by (image id, mode) and fingerprints keyed by
// (image id, kind). Entries are read-mostly and written at most once per
// key; a race where two workers compute the same entry is benign because
// the values are equal (last write wins).
type Cache struct {
	mu           sync.RWMutex
	featureSets  map[featureKey]*FeatureSet
	fingerprints map[fingerprintKey]types.Fingerprint
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		featureSets:  make(map[featureKey]*FeatureSet),
		fingerprints: make(map[fingerprintKey]types.Fingerprint),
	}
}

// FeatureSet returns the cached feature set for (imageID, mode), if any.
func (c *Cache) FeatureSet(imageID string, mode Mode) (*FeatureSet, bool) {
	c.mu.RLock()
	fs, ok := c.featureSets[featureKey{ID: imageID, Mode: mode}]
	c.mu.RUnlock()

	if ok {
		metrics.CacheHit("features")
	} else {
		metrics.CacheMiss("features")
	}
	return fs, ok
}

// StoreFeatureSet publishes a computed feature set. If another worker won
// the race, the duplicate is released and the first entry kept, so cached
// pointers stay valid.
func (c *Cache) StoreFeatureSet(imageID string, mode Mode, fs *FeatureSet) *FeatureSet {
	key := featureKey{ID: imageID, Mode: mode}

	c.mu.Lock()
	if existing, ok := c.featureSets[key]; ok {
		c.mu.Unlock()
		fs.Close()
		return existing
	}
	c.featureSets[key] = fs
	c.mu.Unlock()
	return fs
}

// Fingerprint returns the cached fingerprint for (imageID, kind), if any.
func (c *Cache) Fingerprint(imageID string, kind types.HashKind) (types.Fingerprint, bool) {
	c.mu.RLock()
	fp, ok := c.fingerprints[fingerprintKey{ID: imageID, Kind: kind}]
	c.mu.RUnlock()

	if ok {
		metrics.CacheHit("fingerprint")
	} else {
		metrics.CacheMiss("fingerprint")
	}
	return fp, ok
}

// StoreFingerprint publishes a computed fingerprint.
func (c *Cache) StoreFingerprint(imageID string, fp types.Fingerprint) {
	c.mu.Lock()
	c.fingerprints[fingerprintKey{ID: imageID, Kind: fp.Kind}] = fp
	c.mu.Unlock()
}

// Close releases every cached descriptor matrix. The cache must not be used
// afterwards.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, fs := range c.featureSets {
		fs.Close()
		delete(c.featureSets, key)
	}
	c.fingerprints = make(map[fingerprintKey]types.Fingerprint)
}
