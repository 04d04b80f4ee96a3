package features

import (
	"testing"

	"imagetrace/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheFeatureSets(t *testing.T) {
	cache := NewCache()
	defer cache.Close()

	t.Run("miss before store", func(t *testing.T) {
		_, ok := cache.FeatureSet("a.png", ModeStandard)
		assert.False(t, ok)
	})

	t.Run("store and retrieve by id and mode", func(t *testing.T) {
		fs := &FeatureSet{Keypoints: []types.Keypoint{{X: 1, Y: 2}}}
		stored := cache.StoreFeatureSet("a.png", ModeStandard, fs)
		assert.Same(t, fs, stored)

		got, ok := cache.FeatureSet("a.png", ModeStandard)
		require.True(t, ok)
		assert.Same(t, fs, got)

		// Same id under the other mode is a distinct entry.
		_, ok = cache.FeatureSet("a.png", ModeWide)
		assert.False(t, ok)
	})

	t.Run("duplicate store keeps the first entry", func(t *testing.T) {
		first := &FeatureSet{Keypoints: []types.Keypoint{{X: 1}}}
		second := &FeatureSet{Keypoints: []types.Keypoint{{X: 2}}}

		cache.StoreFeatureSet("b.png", ModeWide, first)
		kept := cache.StoreFeatureSet("b.png", ModeWide, second)
		assert.Same(t, first, kept)

		got, ok := cache.FeatureSet("b.png", ModeWide)
		require.True(t, ok)
		assert.Same(t, first, got)
	})
}

func TestCacheFingerprints(t *testing.T) {
	cache := NewCache()
	defer cache.Close()

	_, ok := cache.Fingerprint("a.png", types.HashPerceptual)
	assert.False(t, ok)

	fp := types.Fingerprint{Kind: types.HashPerceptual, Bits: 0xABCD}
	cache.StoreFingerprint("a.png", fp)

	got, ok := cache.Fingerprint("a.png", types.HashPerceptual)
	require.True(t, ok)
	assert.Equal(t, fp, got)

	// The kind is part of the key.
	_, ok = cache.Fingerprint("a.png", types.HashAverage)
	assert.False(t, ok)
}

func TestCacheClose(t *testing.T) {
	cache := NewCache()
	cache.StoreFeatureSet("a.png", ModeStandard, &FeatureSet{})
	cache.StoreFingerprint("a.png", types.Fingerprint{Kind: types.HashWavelet})

	cache.Close()

	_, ok := cache.FeatureSet("a.png", ModeStandard)
	assert.False(t, ok)
	_, ok = cache.Fingerprint("a.png", types.HashWavelet)
	assert.False(t, ok)
}
