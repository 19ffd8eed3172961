// Package merge holds the policies that pick which generations to merge.
// The engine performs the merge; a policy only selects a contiguous run.
package merge

import (
	"sort"

	"github.com/cockroachdb/errors"

	"layerdb/pkg/dberrors"
	"layerdb/pkg/types"
)

// GenerationInfo summarizes one live generation.
type GenerationInfo struct {
	Generation types.Generation
	Segments   int
	Entries    int
	Tombstones int
	Bytes      int64
}

// Candidate is a contiguous run of generations, oldest first.
type Candidate struct {
	Generations []types.Generation
}

func (c Candidate) IsEmpty() bool { return len(c.Generations) == 0 }

func (c Candidate) Contains(g types.Generation) bool {
	for _, x := range c.Generations {
		if x == g {
			return true
		}
	}
	return false
}

// Newest is the highest generation in the run.
func (c Candidate) Newest() types.Generation {
	return c.Generations[len(c.Generations)-1]
}

// Policy selects a merge candidate. gens is sorted oldest first.
type Policy interface {
	Name() string
	SelectCandidate(gens []GenerationInfo) (Candidate, bool)
}

func run(gens []GenerationInfo) Candidate {
	c := Candidate{Generations: make([]types.Generation, 0, len(gens))}
	for _, g := range gens {
		c.Generations = append(c.Generations, g.Generation)
	}
	return c
}

// All merges every generation once there are at least MinGenerations.
type All struct {
	MinGenerations int
}

func (All) Name() string { return "all" }

func (p All) SelectCandidate(gens []GenerationInfo) (Candidate, bool) {
	min := p.MinGenerations
	if min < 2 {
		min = 2
	}
	if len(gens) < min {
		return Candidate{}, false
	}
	return run(gens), true
}

// NewestRun merges the FanIn newest generations once more than
// MaxGenerations are live. Older data is rewritten less often.
type NewestRun struct {
	MaxGenerations int
	FanIn          int
}

func (NewestRun) Name() string { return "newest" }

func (p NewestRun) SelectCandidate(gens []GenerationInfo) (Candidate, bool) {
	if len(gens) < 2 || len(gens) <= p.MaxGenerations {
		return Candidate{}, false
	}
	fanIn := p.FanIn
	if fanIn < 2 {
		fanIn = 2
	}
	if fanIn > len(gens) {
		fanIn = len(gens)
	}
	return run(gens[len(gens)-fanIn:]), true
}

// SizeRatio grows a run from the newest generation while the next older
// generation is no larger than Ratio times the run so far, and merges the
// run once it reaches MinRun generations.
type SizeRatio struct {
	Ratio  float64
	MinRun int
}

func (SizeRatio) Name() string { return "size-ratio" }

func (p SizeRatio) SelectCandidate(gens []GenerationInfo) (Candidate, bool) {
	minRun := p.MinRun
	if minRun < 2 {
		minRun = 2
	}
	ratio := p.Ratio
	if ratio <= 0 {
		ratio = 1
	}
	if len(gens) < minRun {
		return Candidate{}, false
	}
	start := len(gens) - 1
	acc := gens[start].Bytes
	for start > 0 {
		older := gens[start-1].Bytes
		if float64(older) > ratio*float64(acc) {
			break
		}
		start--
		acc += older
	}
	if len(gens)-start < minRun {
		return Candidate{}, false
	}
	return run(gens[start:]), true
}

// Params carries the config knobs for ByName.
type Params struct {
	MinGenerations int
	MaxGenerations int
	FanIn          int
	Ratio          float64
}

// ByName builds a policy from its config name.
func ByName(name string, p Params) (Policy, error) {
	switch name {
	case "", "all":
		return All{MinGenerations: p.MinGenerations}, nil
	case "newest":
		return NewestRun{MaxGenerations: p.MaxGenerations, FanIn: p.FanIn}, nil
	case "size-ratio":
		return SizeRatio{Ratio: p.Ratio, MinRun: p.MinGenerations}, nil
	default:
		return nil, errors.Wrapf(dberrors.ErrInvalidArgument, "unknown merge policy %q", name)
	}
}

// Validate checks that c is a contiguous run of gens (both oldest first).
func Validate(c Candidate, gens []GenerationInfo) error {
	if c.IsEmpty() {
		return dberrors.Invariantf("merge: empty candidate")
	}
	idx := sort.Search(len(gens), func(i int) bool { return gens[i].Generation >= c.Generations[0] })
	for i, g := range c.Generations {
		if idx+i >= len(gens) || gens[idx+i].Generation != g {
			return errors.Wrapf(dberrors.ErrInvalidArgument,
				"merge: candidate %v is not a contiguous run of live generations", c.Generations)
		}
	}
	return nil
}
