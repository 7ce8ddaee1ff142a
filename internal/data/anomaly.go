package data

import (
	"errors"
	"math"
	"math/rand"
	"sort"
)

// MinAnomalyRows is the smallest revenue table the outlier check will score.
const MinAnomalyRows = 5

// ErrInsufficientData short-circuits the outlier check on degenerate input.
var ErrInsufficientData = errors.New("insufficient data")

const (
	forestTrees      = 100
	forestMaxSamples = 256
	forestSeed       = 42
	eulerGamma       = 0.5772156649015329
)

// RevenueOutlier is a revenue row flagged by the forest, with its anomaly score in (0, 1].
type RevenueOutlier struct {
	Revenue
	Score float64
}

// OutlierResult summarises one anomaly pass over the revenue table.
type OutlierResult struct {
	Analysed      int
	Total         float64
	Mean          float64
	Contamination float64
	Threshold     float64
	Outliers      []RevenueOutlier
}

// RevenueOutliers fits an isolation forest over the amount column and flags
// the rows whose scores fall in the top contamination fraction. Rows without
// an amount are ignored; fewer than MinAnomalyRows scored rows yields
// ErrInsufficientData.
func (t *TableSet) RevenueOutliers(contamination float64) (OutlierResult, error) {
	var rows []Revenue
	var values []float64
	for _, r := range t.Revenue {
		if r.Amount == nil {
			continue
		}
		rows = append(rows, r)
		values = append(values, *r.Amount)
	}
	if len(values) < MinAnomalyRows {
		return OutlierResult{Analysed: len(values)}, ErrInsufficientData
	}
	if contamination <= 0 || contamination >= 0.5 {
		contamination = 0.05
	}

	forest := fitForest(values, forestTrees, forestMaxSamples, rand.New(rand.NewSource(forestSeed)))
	scores := make([]float64, len(values))
	var total float64
	for i, v := range values {
		scores[i] = forest.score(v)
		total += v
	}
	threshold := percentile(scores, 1-contamination)

	res := OutlierResult{
		Analysed:      len(values),
		Total:         total,
		Mean:          total / float64(len(values)),
		Contamination: contamination,
		Threshold:     threshold,
	}
	for i, s := range scores {
		if s > threshold {
			res.Outliers = append(res.Outliers, RevenueOutlier{Revenue: rows[i], Score: s})
		}
	}
	return res, nil
}

type isoNode struct {
	split       float64
	left, right *isoNode
	size        int
}

type isoForest struct {
	trees      []*isoNode
	sampleSize int
}

func fitForest(values []float64, nTrees, maxSamples int, rng *rand.Rand) *isoForest {
	psi := min(maxSamples, len(values))
	depthLimit := int(math.Ceil(math.Log2(float64(max(psi, 2)))))
	f := &isoForest{sampleSize: psi}
	sample := make([]float64, psi)
	for range nTrees {
		perm := rng.Perm(len(values))
		for i := 0; i < psi; i++ {
			sample[i] = values[perm[i]]
		}
		f.trees = append(f.trees, buildTree(append([]float64(nil), sample...), 0, depthLimit, rng))
	}
	return f
}

func buildTree(values []float64, depth, limit int, rng *rand.Rand) *isoNode {
	if len(values) <= 1 || depth >= limit {
		return &isoNode{size: len(values)}
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if lo == hi {
		return &isoNode{size: len(values)}
	}
	split := lo + rng.Float64()*(hi-lo)
	var left, right []float64
	for _, v := range values {
		if v < split {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}
	return &isoNode{
		split: split,
		left:  buildTree(left, depth+1, limit, rng),
		right: buildTree(right, depth+1, limit, rng),
	}
}

func (f *isoForest) score(x float64) float64 {
	var sum float64
	for _, tree := range f.trees {
		sum += pathLength(tree, x, 0)
	}
	mean := sum / float64(len(f.trees))
	return math.Pow(2, -mean/averagePathLength(f.sampleSize))
}

func pathLength(node *isoNode, x float64, depth int) float64 {
	if node.left == nil && node.right == nil {
		return float64(depth) + averagePathLength(node.size)
	}
	if x < node.split {
		return pathLength(node.left, x, depth+1)
	}
	return pathLength(node.right, x, depth+1)
}

// averagePathLength is c(n), the mean depth of an unsuccessful search in a BST of n nodes.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// percentile uses linear interpolation between closest ranks, q in [0, 1].
func percentile(values []float64, q float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	frac := pos - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}
