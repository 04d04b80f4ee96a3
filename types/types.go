package types

import (
	"fmt"
	"math/bits"
)

// HashKind identifies a perceptual hash algorithm.
type HashKind string

const (
	HashAverage    HashKind = "average"
	HashDifference HashKind = "difference"
	HashPerceptual HashKind = "perceptual"
	HashWavelet    HashKind = "wavelet"
)

// FingerprintBits is the fixed length of every fingerprint bit-string.
const FingerprintBits = 64

// Valid reports whether k names a supported hash kind.
func (k HashKind) Valid() bool {
	switch k {
	case HashAverage, HashDifference, HashPerceptual, HashWavelet:
		return true
	}
	return false
}

// Fingerprint is a fixed-length perceptual hash of one image.
type Fingerprint struct {
	Kind HashKind `json:"kind"`
	Bits uint64   `json:"bits"`
}

// Distance returns the normalized Hamming distance between two fingerprints
// of the same kind. 0 means identical bit-strings, 1 means all bits differ.
func (f Fingerprint) Distance(other Fingerprint) (float64, error) {
	if f.Kind != other.Kind {
		return 0, fmt.Errorf("cannot compare %s fingerprint with %s fingerprint", f.Kind, other.Kind)
	}
	return float64(bits.OnesCount64(f.Bits^other.Bits)) / FingerprintBits, nil
}

// ImageInfo holds the immutable metadata of one ingested image.
// Pixels are fetched separately through the storage layer by ID.
type ImageInfo struct {
	ID     string `json:"id"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Area returns the pixel count of the image.
func (i ImageInfo) Area() int {
	return i.Width * i.Height
}

// Keypoint is a distinctive image location in original-image pixel space.
type Keypoint struct {
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Scale       float64 `json:"scale"`
	Orientation float64 `json:"orientation"`
	Response    float64 `json:"response"`
}

// Match pairs a keypoint index in the source image with one in the target
// image. The endpoint coordinates are carried for the result payload.
type Match struct {
	A        int     `json:"-"`
	B        int     `json:"-"`
	AX       float64 `json:"ax"`
	AY       float64 `json:"ay"`
	BX       float64 `json:"bx"`
	BY       float64 `json:"by"`
	Distance float64 `json:"distance"`
}

// PairwiseRegion describes the verified correspondence between two images:
// the surviving matches, how many of them agree with a single geometric
// transform, and where image A's content sits inside image B.
type PairwiseRegion struct {
	ImageA          string         `json:"imageAId"`
	ImageB          string         `json:"imageBId"`
	MatchCount      int            `json:"matchCount"`
	InlierCount     int            `json:"inlierCount"`
	SimilarityScore float64        `json:"similarityScore"`
	Matches         []Match        `json:"matches"`
	QuadInB         *[4][2]float64 `json:"quadInB,omitempty"`
}

// SimilarityMatrix is a square symmetric matrix of pairwise similarity
// values in [0,1] with a fixed unit diagonal, over a fixed image ordering.
type SimilarityMatrix struct {
	Order []string    `json:"order"`
	Rows  [][]float64 `json:"rows"`
}

// NewSimilarityMatrix allocates an identity-diagonal matrix for the given
// image ordering.
func NewSimilarityMatrix(ids []string) SimilarityMatrix {
	order := make([]string, len(ids))
	copy(order, ids)
	rows := make([][]float64, len(ids))
	for i := range rows {
		rows[i] = make([]float64, len(ids))
		rows[i][i] = 1.0
	}
	return SimilarityMatrix{Order: order, Rows: rows}
}

// Set stores a pairwise value symmetrically. Diagonal cells are fixed at 1
// and cannot be overwritten.
func (m SimilarityMatrix) Set(i, j int, v float64) {
	if i == j {
		return
	}
	m.Rows[i][j] = v
	m.Rows[j][i] = v
}

// At returns the similarity between images i and j.
func (m SimilarityMatrix) At(i, j int) float64 {
	return m.Rows[i][j]
}

// Len returns the matrix order.
func (m SimilarityMatrix) Len() int {
	return len(m.Rows)
}

// Group is a cluster of mutually similar images. SimilarityScore is the
// minimum edge weight inside the connected component that formed the group.
type Group struct {
	ID              string   `json:"groupId"`
	SimilarityScore float64  `json:"similarityScore"`
	Members         []string `json:"memberImageIds"`
}

// JobStatus represents the lifecycle of an analysis job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status is final. Terminal jobs are immutable.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// CancelledReason is the error string recorded on jobs cancelled by their
// owner, distinct from infrastructure failures.
const CancelledReason = "cancelled"

// JobResult is the payload of a completed analysis job.
type JobResult struct {
	Matrix        SimilarityMatrix `json:"similarityMatrix"`
	Groups        []Group          `json:"groups"`
	UniqueImages  []string         `json:"uniqueImages"`
	Regions       []PairwiseRegion `json:"pairwiseRegions"`
	SkippedImages []string         `json:"skippedImages,omitempty"`
}
