package matcher

// Descriptor counts beyond this cap no longer dilute the match ratio;
// multi-scale extraction inflates the raw counts.
const effectiveDescriptorCap = 2000

// Score combines the match evidence of one pair into a similarity value in
// [0,1]. With m accepted matches, i inliers and d = min feature count
// (capped), the verified score is
//
//	0.55·(i/m)·(i/(i+16)) + 0.30·min(1, 4m/d) + 0.15·(1/(1+avgDist/50))
//
// The first term rewards both the inlier ratio and the absolute inlier
// count (saturating), so the score is monotonically increasing in each.
// When no transform was found the inlier term is zero and the remainder is
// halved, reflecting unverified evidence. Zero matches score zero.
func Score(matchCount, inlierCount, minFeatures int, avgDistance float64, transformFound bool) float64 {
	if matchCount == 0 {
		return 0
	}

	effective := minFeatures
	if effective > effectiveDescriptorCap {
		effective = effectiveDescriptorCap
	}
	if effective < 1 {
		effective = 1
	}

	matchTerm := 4 * float64(matchCount) / float64(effective)
	if matchTerm > 1 {
		matchTerm = 1
	}
	distanceTerm := 1.0 / (1.0 + avgDistance/50.0)

	score := 0.30*matchTerm + 0.15*distanceTerm
	if transformFound && inlierCount > 0 {
		inlierRatio := float64(inlierCount) / float64(matchCount)
		saturation := float64(inlierCount) / float64(inlierCount+16)
		score += 0.55 * inlierRatio * saturation
	} else {
		score *= 0.5
	}

	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}
