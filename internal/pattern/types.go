// Package pattern clusters trajectory embeddings into centroids and answers nearest-pattern queries.
//
// The distance metric is Euclidean (L2) and is part of the package contract. When an insert would push the
// pattern count over capacity, the two closest centroids are merged; the lower id survives.
package pattern

import "time"

// #region pattern
// Pattern summarizes trajectories whose embeddings fell within the cluster radius of one another.
type Pattern struct {
	ID               uint64    `json:"id"`
	Centroid         []float32 `json:"centroid"`
	MemberCount      int       `json:"member_count"`
	AggregateQuality float32   `json:"aggregate_quality"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (p *Pattern) clone() Pattern {
	c := *p
	c.Centroid = append([]float32(nil), p.Centroid...)
	return c
}

// #endregion pattern

// #region match
// Match is one FindSimilar result.
type Match struct {
	Pattern  Pattern `json:"pattern"`
	Distance float32 `json:"distance"`
}

// #endregion match
