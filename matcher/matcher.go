package matcher

import (
	"imagetrace/features"
	"imagetrace/logging"
	"imagetrace/types"

	"gocv.io/x/gocv"
)

const (
	// Lowe's ratio test thresholds. The wide value compensates for the
	// higher descriptor noise that multi-scale extraction introduces.
	ratioStandard = 0.75
	ratioWide     = 0.8

	// RANSAC reprojection tolerance in pixels.
	ransacToleranceStandard = 10.0
	ransacToleranceWide     = 15.0

	// Pairs whose pixel-area ratio exceeds this use wide-scale extraction.
	areaRatioWideTrigger = 1.5

	// A projective transform needs at least four correspondences.
	minMatchesForTransform = 4

	ransacMaxIters   = 2000
	ransacConfidence = 0.995
)

// Options tunes one pairwise match run.
type Options struct {
	RatioThreshold  float64
	RansacTolerance float64
}

// StandardOptions returns the matching parameters for same-resolution pairs.
func StandardOptions() Options {
	return Options{RatioThreshold: ratioStandard, RansacTolerance: ransacToleranceStandard}
}

// WideOptions returns the looser parameters used alongside wide-scale
// extraction.
func WideOptions() Options {
	return Options{RatioThreshold: ratioWide, RansacTolerance: ransacToleranceWide}
}

// SelectMode inspects the raw pixel areas of a pair and decides the
// extraction mode and matching options. A pair whose larger image exceeds
// the smaller by more than 1.5x in area gets the wide-scale treatment.
func SelectMode(a, b types.ImageInfo) (features.Mode, Options) {
	areaA, areaB := a.Area(), b.Area()
	if areaA == 0 || areaB == 0 {
		return features.ModeStandard, StandardOptions()
	}

	larger, smaller := float64(areaA), float64(areaB)
	if smaller > larger {
		larger, smaller = smaller, larger
	}
	if larger/smaller > areaRatioWideTrigger {
		return features.ModeWide, WideOptions()
	}
	return features.ModeStandard, StandardOptions()
}

// Match compares two feature sets and geometrically verifies the result.
// Candidate matches come from 2-nearest-neighbor descriptor search filtered
// by the ratio test; a RANSAC-fitted projective transform then separates
// inliers from mismatches and locates image A's extent inside image B.
// Fewer than four accepted matches means no transform is attempted and the
// score degrades to the raw match evidence. Match never fails: an empty
// feature set on either side yields a zero-score region.
func Match(a, b types.ImageInfo, fsA, fsB *features.FeatureSet, opts Options) types.PairwiseRegion {
	region := types.PairwiseRegion{ImageA: a.ID, ImageB: b.ID, Matches: []types.Match{}}

	if fsA.Empty() || fsB.Empty() {
		return region
	}

	matches := ratioTestMatches(fsA, fsB, opts.RatioThreshold)
	region.Matches = matches
	region.MatchCount = len(matches)

	minFeatures := fsA.Len()
	if fsB.Len() < minFeatures {
		minFeatures = fsB.Len()
	}

	if len(matches) < minMatchesForTransform {
		region.SimilarityScore = Score(len(matches), 0, minFeatures, averageDistance(matches), false)
		return region
	}

	inliers, quad := verifyGeometry(a, matches, opts.RansacTolerance)
	region.InlierCount = inliers
	region.QuadInB = quad
	region.SimilarityScore = Score(len(matches), inliers, minFeatures, averageDistance(matches), quad != nil)

	logging.DebugLog("pair %s-%s: %d matches, %d inliers, score %.3f",
		a.ID, b.ID, len(matches), inliers, region.SimilarityScore)
	return region
}

// ratioTestMatches runs 2-NN Hamming matching from A's descriptors into B's
// and keeps a candidate only when its best distance is clearly below the
// second best. Single-neighbor results (possible when B has one descriptor)
// are accepted as-is. Each B keypoint is claimed by at most one A keypoint,
// the one with the lowest descriptor distance, which keeps the accepted
// match count bounded by the smaller feature set and keeps duplicated
// target points out of the transform estimation.
func ratioTestMatches(fsA, fsB *features.FeatureSet, ratio float64) []types.Match {
	bf := gocv.NewBFMatcherWithParams(gocv.NormHamming, false)
	defer bf.Close()

	k := 2
	if fsB.Len() < 2 {
		k = 1
	}
	candidates := bf.KnnMatch(fsA.Descriptors, fsB.Descriptors, k)

	var matches []types.Match
	claimed := make(map[int]int) // B keypoint index -> position in matches
	for _, pair := range candidates {
		var best gocv.DMatch
		switch {
		case len(pair) >= 2:
			if pair[0].Distance >= ratio*pair[1].Distance {
				continue
			}
			best = pair[0]
		case len(pair) == 1:
			best = pair[0]
		default:
			continue
		}

		if pos, ok := claimed[best.TrainIdx]; ok {
			if best.Distance >= matches[pos].Distance {
				continue
			}
			src := fsA.Keypoints[best.QueryIdx]
			matches[pos].A = best.QueryIdx
			matches[pos].AX = src.X
			matches[pos].AY = src.Y
			matches[pos].Distance = best.Distance
			continue
		}

		src := fsA.Keypoints[best.QueryIdx]
		dst := fsB.Keypoints[best.TrainIdx]
		claimed[best.TrainIdx] = len(matches)
		matches = append(matches, types.Match{
			A:        best.QueryIdx,
			B:        best.TrainIdx,
			AX:       src.X,
			AY:       src.Y,
			BX:       dst.X,
			BY:       dst.Y,
			Distance: best.Distance,
		})
	}
	return matches
}

// verifyGeometry fits a projective transform from A's matched keypoints to
// B's with RANSAC and counts the matches consistent with it. When a
// transform is found it also projects A's corners into B's coordinate
// space. Returns zero inliers and no quad if estimation fails.
func verifyGeometry(a types.ImageInfo, matches []types.Match, tolerance float64) (int, *[4][2]float64) {
	n := len(matches)
	srcPoints := gocv.NewMatWithSize(n, 1, gocv.MatTypeCV64FC2)
	defer srcPoints.Close()
	dstPoints := gocv.NewMatWithSize(n, 1, gocv.MatTypeCV64FC2)
	defer dstPoints.Close()

	for i, m := range matches {
		srcPoints.SetDoubleAt(i, 0, m.AX)
		srcPoints.SetDoubleAt(i, 1, m.AY)
		dstPoints.SetDoubleAt(i, 0, m.BX)
		dstPoints.SetDoubleAt(i, 1, m.BY)
	}

	inlierMask := gocv.NewMat()
	defer inlierMask.Close()

	homography := gocv.FindHomography(srcPoints, &dstPoints, gocv.HomographyMethodRANSAC,
		tolerance, &inlierMask, ransacMaxIters, ransacConfidence)
	defer homography.Close()

	if homography.Empty() {
		return 0, nil
	}

	inliers := 0
	for i := 0; i < inlierMask.Rows(); i++ {
		if inlierMask.GetUCharAt(i, 0) != 0 {
			inliers++
		}
	}
	if inliers == 0 {
		return 0, nil
	}

	return inliers, projectCorners(a, homography)
}

// projectCorners maps image A's corner rectangle through the fitted
// transform, yielding the bounding quadrilateral of A's content inside B.
func projectCorners(a types.ImageInfo, homography gocv.Mat) *[4][2]float64 {
	corners := [4][2]float64{
		{0, 0},
		{float64(a.Width), 0},
		{float64(a.Width), float64(a.Height)},
		{0, float64(a.Height)},
	}

	src := gocv.NewMatWithSize(4, 1, gocv.MatTypeCV64FC2)
	defer src.Close()
	for i, c := range corners {
		src.SetDoubleAt(i, 0, c[0])
		src.SetDoubleAt(i, 1, c[1])
	}

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.PerspectiveTransform(src, &dst, homography)

	var quad [4][2]float64
	for i := 0; i < 4; i++ {
		quad[i][0] = dst.GetDoubleAt(i, 0)
		quad[i][1] = dst.GetDoubleAt(i, 1)
	}
	return &quad
}

// averageDistance is the mean descriptor distance of the accepted matches.
func averageDistance(matches []types.Match) float64 {
	if len(matches) == 0 {
		return 0
	}
	sum := 0.0
	for _, m := range matches {
		sum += m.Distance
	}
	return sum / float64(len(matches))
}
