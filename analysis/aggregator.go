package analysis

import (
	"context"
	"sort"
	"sync"

	"imagetrace/features"
	"imagetrace/fingerprint"
	"imagetrace/logging"
	"imagetrace/matcher"
	"imagetrace/metrics"
	"imagetrace/types"

	"gocv.io/x/gocv"
)

// Pairs whose normalized fingerprint distance falls below this are treated
// as known-identical; the expensive matcher run is skipped for them.
const identicalFingerprintDistance = 0.02

// DecodedImage couples an image's metadata with its decoded grayscale
// pixels for the duration of one job.
type DecodedImage struct {
	Info   types.ImageInfo
	Pixels gocv.Mat
}

// Aggregator combines fingerprint distances and pairwise matcher scores
// into one similarity matrix over a fixed image ordering, then derives the
// group partition. It owns no state across runs; derived features live in
// the per-job cache.
type Aggregator struct {
	Kind    types.HashKind
	Workers int
}

// Run computes the full pairwise similarity result for the given images,
// which must already be decoded and ordered. Work is spread over a bounded
// worker pool; the output is independent of worker completion order because
// every pair writes its own matrix cell. progressFn, if set, is called
// after each completed pair with (done, total). Run stops early when ctx is
// cancelled and returns its error.
func (a *Aggregator) Run(ctx context.Context, images []DecodedImage, threshold float64, progressFn func(done, total int)) (*types.JobResult, error) {
	cache := features.NewCache()
	defer cache.Close()

	if err := a.fingerprintAll(ctx, cache, images); err != nil {
		return nil, err
	}

	ids := make([]string, len(images))
	for i, img := range images {
		ids[i] = img.Info.ID
	}
	result := &types.JobResult{Matrix: types.NewSimilarityMatrix(ids)}

	type pair struct{ i, j int }
	var pairs []pair
	for i := 0; i < len(images); i++ {
		for j := i + 1; j < len(images); j++ {
			pairs = append(pairs, pair{i, j})
		}
	}

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, a.workerCount())
	var mu sync.Mutex // guards regions and the progress counter
	var regions []types.PairwiseRegion
	done := 0

	for _, p := range pairs {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		semaphore <- struct{}{}

		go func(p pair) {
			defer wg.Done()
			defer func() { <-semaphore }()
			if ctx.Err() != nil {
				return
			}

			value, region := a.comparePair(ctx, cache, images[p.i], images[p.j])
			result.Matrix.Set(p.i, p.j, value)
			metrics.PairsCompared.Inc()

			mu.Lock()
			if region != nil {
				regions = append(regions, *region)
			}
			done++
			completed := done
			mu.Unlock()

			if progressFn != nil {
				progressFn(completed, len(pairs))
			}
		}(p)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Regions are collected in completion order; restore input-pair order
	// so repeated runs emit identical payloads.
	sortRegions(regions, ids)
	result.Regions = regions
	if result.Regions == nil {
		result.Regions = []types.PairwiseRegion{}
	}

	result.Groups, result.UniqueImages = BuildGroups(result.Matrix, threshold)
	return result, nil
}

// fingerprintAll computes the configured fingerprint for every image in
// parallel and publishes them to the cache.
func (a *Aggregator) fingerprintAll(ctx context.Context, cache *features.Cache, images []DecodedImage) error {
	var wg sync.WaitGroup
	semaphore := make(chan struct{}, a.workerCount())

	for _, img := range images {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		semaphore <- struct{}{}

		go func(img DecodedImage) {
			defer wg.Done()
			defer func() { <-semaphore }()

			fp, err := fingerprint.Compute(img.Pixels, a.Kind)
			if err != nil {
				// Decoded pixels that cannot be hashed still flow through
				// the feature-matching path.
				logging.LogWarning("fingerprint failed for %s: %v", img.Info.ID, err)
				return
			}
			cache.StoreFingerprint(img.Info.ID, fp)
		}(img)
	}
	wg.Wait()
	return ctx.Err()
}

// comparePair produces the similarity value for one unordered pair. The
// cheap fingerprint distance decides whether the matcher needs to run at
// all; otherwise the matcher's verified score is the pair's value and its
// region is recorded.
func (a *Aggregator) comparePair(ctx context.Context, cache *features.Cache, imgA, imgB DecodedImage) (float64, *types.PairwiseRegion) {
	fpA, okA := cache.Fingerprint(imgA.Info.ID, a.Kind)
	fpB, okB := cache.Fingerprint(imgB.Info.ID, a.Kind)
	if okA && okB {
		if distance, err := fpA.Distance(fpB); err == nil && distance < identicalFingerprintDistance {
			return 1.0 - distance, nil
		}
	}

	mode, opts := matcher.SelectMode(imgA.Info, imgB.Info)
	fsA := a.featureSet(cache, imgA, mode)
	fsB := a.featureSet(cache, imgB, mode)
	if ctx.Err() != nil {
		return 0, nil
	}

	region := matcher.Match(imgA.Info, imgB.Info, fsA, fsB, opts)
	return region.SimilarityScore, &region
}

// featureSet reads through the cache, extracting on miss. Concurrent
// extraction of the same entry is possible and benign; the cache keeps the
// first published value.
func (a *Aggregator) featureSet(cache *features.Cache, img DecodedImage, mode features.Mode) *features.FeatureSet {
	if fs, ok := cache.FeatureSet(img.Info.ID, mode); ok {
		return fs
	}

	fs, err := features.Extract(img.Pixels, mode)
	if err != nil {
		logging.LogWarning("feature extraction failed for %s: %v", img.Info.ID, err)
		fs = &features.FeatureSet{}
	}
	return cache.StoreFeatureSet(img.Info.ID, mode, fs)
}

func (a *Aggregator) workerCount() int {
	if a.Workers < 1 {
		return 1
	}
	return a.Workers
}

// sortRegions orders regions by their images' positions in the input
// ordering.
func sortRegions(regions []types.PairwiseRegion, ids []string) {
	position := make(map[string]int, len(ids))
	for i, id := range ids {
		position[id] = i
	}

	sort.SliceStable(regions, func(a, b int) bool {
		if regions[a].ImageA != regions[b].ImageA {
			return position[regions[a].ImageA] < position[regions[b].ImageA]
		}
		return position[regions[a].ImageB] < position[regions[b].ImageB]
	})
}
