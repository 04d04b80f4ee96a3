package analysis

import (
	"fmt"

	"imagetrace/types"
)

// BuildGroups partitions the matrix's images into similarity groups: an
// edge connects images i and j when their similarity meets the threshold,
// and each connected component of two or more images becomes a group. A
// group's score is the minimum edge weight inside its component. Images
// with no neighbor at or above the threshold are returned separately as
// unique. Traversal follows the matrix's input ordering, so equal
// similarity values never reorder the output.
func BuildGroups(matrix types.SimilarityMatrix, threshold float64) ([]types.Group, []string) {
	n := matrix.Len()
	visited := make([]bool, n)
	var groups []types.Group
	var unique []string

	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}

		component := collectComponent(matrix, threshold, i, visited)
		if len(component) == 1 {
			unique = append(unique, matrix.Order[i])
			continue
		}

		members := make([]string, len(component))
		for k, idx := range component {
			members[k] = matrix.Order[idx]
		}
		groups = append(groups, types.Group{
			ID:              fmt.Sprintf("group-%d", len(groups)+1),
			SimilarityScore: minEdgeWeight(matrix, threshold, component),
			Members:         members,
		})
	}

	if unique == nil {
		unique = []string{}
	}
	if groups == nil {
		groups = []types.Group{}
	}
	return groups, unique
}

// collectComponent runs a breadth-first walk from start over
// above-threshold edges, marking and returning the reached indices in
// discovery order.
func collectComponent(matrix types.SimilarityMatrix, threshold float64, start int, visited []bool) []int {
	component := []int{start}
	visited[start] = true

	for head := 0; head < len(component); head++ {
		current := component[head]
		for j := 0; j < matrix.Len(); j++ {
			if visited[j] || j == current {
				continue
			}
			if matrix.At(current, j) >= threshold {
				visited[j] = true
				component = append(component, j)
			}
		}
	}
	return component
}

// minEdgeWeight returns the smallest above-threshold similarity between any
// two members of the component.
func minEdgeWeight(matrix types.SimilarityMatrix, threshold float64, component []int) float64 {
	min := 1.0
	for a := 0; a < len(component); a++ {
		for b := a + 1; b < len(component); b++ {
			v := matrix.At(component[a], component[b])
			if v >= threshold && v < min {
				min = v
			}
		}
	}
	return min
}
