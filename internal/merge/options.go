package merge

import (
	"log/slog"

	"github.com/hupe1980/genkv/internal/block"
	"github.com/hupe1980/genkv/internal/resource"
)

// Options configures a Manager.
type Options struct {
	// TargetSegmentSize is the encoded size at which merge outputs are split.
	TargetSegmentSize int
	// MaxSources bounds the run of same-generation segments in one candidate.
	MaxSources int
	// MinScore is the lowest score worth merging.
	MinScore float64
	// Block is the codec configuration of merge outputs.
	Block block.Options
	// Controller limits background concurrency and write bandwidth. Nil
	// means unlimited.
	Controller *resource.Controller
	// OnMerge is called after every attempted merge.
	OnMerge func(Result, error)
	Logger  *slog.Logger
}

// DefaultOptions returns the default merge configuration.
func DefaultOptions() Options {
	return Options{
		TargetSegmentSize: 4 << 20,
		MaxSources:        8,
		MinScore:          1,
		Block:             block.DefaultOptions(),
	}
}

func (o *Options) normalize() {
	def := DefaultOptions()
	if o.TargetSegmentSize <= 0 {
		o.TargetSegmentSize = def.TargetSegmentSize
	}
	if o.MaxSources <= 0 {
		o.MaxSources = def.MaxSources
	}
	if o.MinScore <= 0 {
		o.MinScore = def.MinScore
	}
	if o.Block.Format == 0 {
		o.Block = def.Block
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}
