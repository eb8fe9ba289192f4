package merge

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/hupe1980/genkv/internal/catalog"
)

// Candidate is a group of segments worth merging: a run of consecutive
// segments at Generation plus every segment one generation deeper that
// overlaps the run. The outputs land at Target.
type Candidate struct {
	Generation int
	Target     int
	// Sources lists the run first, then the overlapped deeper segments.
	Sources []catalog.Descriptor
	// Run is the number of sources taken from Generation.
	Run     int
	Bytes   uint64
	Outputs int
	Score   float64
}

// Lo returns the smallest start key of the sources.
func (c Candidate) Lo() []byte {
	var lo []byte
	for _, d := range c.Sources {
		if lo == nil || bytes.Compare(d.Lo(), lo) < 0 {
			lo = d.Lo()
		}
	}
	return lo
}

// Hi returns the largest end key of the sources.
func (c Candidate) Hi() []byte {
	var hi []byte
	for _, d := range c.Sources {
		if hi == nil || bytes.Compare(d.Hi(), hi) > 0 {
			hi = d.Hi()
		}
	}
	return hi
}

func (c Candidate) String() string {
	ids := make([]string, len(c.Sources))
	for i, d := range c.Sources {
		ids[i] = fmt.Sprint(d.Uniq)
	}
	return fmt.Sprintf("gen %d->%d [%s] score %.2f", c.Generation, c.Target, strings.Join(ids, " "), c.Score)
}

// Score rates merging n segments of generation g with m overlapped segments
// of generation g+1 into outputs segments. It counts the segments the merge
// removes and weighs shallow generations higher, since every read visits
// them first.
func Score(g, n, m, outputs int) float64 {
	return float64(n+m-outputs) * (1 + 1/float64(g+1))
}

// outputsFor estimates the number of output segments for the given input
// size. Tombstones dropped by the merge only make the estimate pessimistic.
func outputsFor(size uint64, target int) int {
	t := uint64(target)
	return max(1, int((size+t-1)/t))
}

// candidates enumerates every qualifying candidate of gens. busy reports
// segments that must not take part.
func candidates(gens [][]catalog.Descriptor, opts Options, busy func(catalog.Descriptor) bool) []Candidate {
	var out []Candidate
	for g, row := range gens {
		var deeper []catalog.Descriptor
		if g+1 < len(gens) {
			deeper = gens[g+1]
		}
	runs:
		for i := range row {
			var size uint64
			for n := 1; n <= opts.MaxSources && i+n <= len(row); n++ {
				last := row[i+n-1]
				if busy(last) {
					continue runs
				}
				size += last.Length

				lo, hi := row[i].Lo(), last.Hi()
				overlapped := overlapping(deeper, lo, hi)
				total := size
				for _, d := range overlapped {
					if busy(d) {
						continue runs
					}
					total += d.Length
				}

				outputs := outputsFor(total, opts.TargetSegmentSize)
				score := Score(g, n, len(overlapped), outputs)
				if score < opts.MinScore {
					continue
				}
				sources := make([]catalog.Descriptor, 0, n+len(overlapped))
				sources = append(sources, row[i:i+n]...)
				sources = append(sources, overlapped...)
				out = append(out, Candidate{
					Generation: g,
					Target:     g + 1,
					Sources:    sources,
					Run:        n,
					Bytes:      total,
					Outputs:    outputs,
					Score:      score,
				})
			}
		}
	}
	return out
}

// overlapping returns the descriptors of a sorted, disjoint row that
// intersect [lo, hi].
func overlapping(row []catalog.Descriptor, lo, hi []byte) []catalog.Descriptor {
	var out []catalog.Descriptor
	for _, d := range row {
		if bytes.Compare(d.Lo(), hi) > 0 {
			break
		}
		if bytes.Compare(d.Hi(), lo) >= 0 {
			out = append(out, d)
		}
	}
	return out
}

// better orders candidates: higher score, then shallower generation, then
// fewer sources, then smaller start key.
func better(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Generation != b.Generation {
		return a.Generation < b.Generation
	}
	if len(a.Sources) != len(b.Sources) {
		return len(a.Sources) < len(b.Sources)
	}
	return bytes.Compare(a.Lo(), b.Lo()) < 0
}
