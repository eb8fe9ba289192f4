package rangemap

import (
	"github.com/hupe1980/genkv/internal/catalog"
)

type action uint8

const (
	walkOn   action = iota // keep going
	skipGen                // ignore the remaining segments of this generation
	stopWalk               // done
)

// workItem is either a generation still to expand into its range rows, or
// a segment handle to visit.
type workItem struct {
	gen int
	seg *catalog.Descriptor
}

// walk visits the segments overlapping [lo, hi] generation by generation,
// freshest first, using an explicit stack. Within a generation segments are
// visited in key order, or in reverse key order when reverse is set. A nil
// lo or hi is unbounded.
func walk(v *catalog.View, lo, hi []byte, reverse bool, visit func(d catalog.Descriptor) (action, error)) error {
	stack := []workItem{{gen: 0}}
	skipped := -1

	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if it.seg != nil {
			if it.seg.Generation == skipped {
				continue
			}
			act, err := visit(*it.seg)
			if err != nil {
				return err
			}
			switch act {
			case stopWalk:
				return nil
			case skipGen:
				skipped = it.seg.Generation
			}
			continue
		}

		if it.gen >= v.Generations() {
			continue
		}
		// The next generation sits below this one's rows on the stack, so it
		// is expanded only after every row of this generation was visited.
		stack = append(stack, workItem{gen: it.gen + 1})

		rows := v.Overlapping(it.gen, lo, hi)
		if reverse {
			for i := range rows {
				stack = append(stack, workItem{gen: it.gen, seg: &rows[i]})
			}
		} else {
			for i := len(rows) - 1; i >= 0; i-- {
				stack = append(stack, workItem{gen: it.gen, seg: &rows[i]})
			}
		}
	}
	return nil
}
