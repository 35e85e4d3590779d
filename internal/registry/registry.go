// Package registry owns the live basic blocks of an executor and keeps them
// indexed by begin and end address.
package registry

import (
	"errors"
	"fmt"

	"github.com/google/btree"
	"github.com/retroenv/retroee/internal/block"
	"github.com/retroenv/retrogolib/log"
	"github.com/retroenv/retrogolib/set"
)

const btreeDegree = 16

// ErrInconsistent is returned by Validate when the indexes disagree.
var ErrInconsistent = errors.New("block registry inconsistent")

// Registry contains all live blocks. Blocks never overlap.
// It is not safe for concurrent use.
type Registry struct {
	logger *log.Logger

	byBegin *btree.BTreeG[*block.Block]
	byEnd   *btree.BTreeG[*block.Block]
	live    set.Set[*block.Block]
}

// New returns an empty registry.
func New(logger *log.Logger) *Registry {
	return &Registry{
		logger: logger,
		byBegin: btree.NewG(btreeDegree, func(a, b *block.Block) bool {
			return a.Begin() < b.Begin()
		}),
		byEnd: btree.NewG(btreeDegree, func(a, b *block.Block) bool {
			return a.End() < b.End()
		}),
		live: set.New[*block.Block](),
	}
}

// Len returns the number of live blocks.
func (r *Registry) Len() int {
	return len(r.live)
}

// FindBlockAt returns the block that contains the address or nil.
func (r *Registry) FindBlockAt(address uint32) *block.Block {
	probe := block.New(address, address)

	var floor *block.Block
	r.byBegin.DescendLessOrEqual(probe, func(b *block.Block) bool {
		floor = b
		return false
	})
	if floor != nil && floor.Contains(address) {
		return floor
	}

	var ceiling *block.Block
	r.byEnd.AscendGreaterOrEqual(probe, func(b *block.Block) bool {
		ceiling = b
		return false
	})
	if ceiling != nil && ceiling.Contains(address) {
		return ceiling
	}

	if floor != nil && floor == ceiling {
		return floor
	}
	return nil
}

// FindBlockStartingAt returns the block that begins at the address or nil.
func (r *Registry) FindBlockStartingAt(address uint32) *block.Block {
	b, ok := r.byBegin.Get(block.New(address, address))
	if !ok {
		return nil
	}
	return b
}

// CreateBlock creates the block [start, end]. An identical existing block
// is kept. A block that contains start and shares the end or the begin with
// the new range is shrunk to the part that does not overlap, any other
// overlapping block is evicted.
func (r *Registry) CreateBlock(start, end uint32) {
	if existing := r.FindBlockStartingAt(start); existing != nil && existing.End() == end {
		return
	}

	if other := r.FindBlockAt(start); other != nil {
		otherBegin, otherEnd := other.Begin(), other.End()
		switch {
		case otherEnd == end && otherBegin < start:
			r.DeleteBlock(other)
			r.insert(otherBegin, start-4)

		case otherBegin == start && otherEnd > end:
			r.DeleteBlock(other)
			r.insert(end+4, otherEnd)

		default:
			r.logger.Warn("Evicting overlapping block",
				log.Stringer("block", other),
				log.Hex("start", start),
				log.Hex("end", end))
			r.DeleteBlock(other)
		}
	}

	var overlapping []*block.Block
	r.byBegin.AscendGreaterOrEqual(block.New(start, start), func(b *block.Block) bool {
		if b.Begin() > end {
			return false
		}
		overlapping = append(overlapping, b)
		return true
	})
	for _, b := range overlapping {
		r.logger.Warn("Evicting overlapping block",
			log.Stringer("block", b),
			log.Hex("start", start),
			log.Hex("end", end))
		r.DeleteBlock(b)
	}

	r.insert(start, end)
}

func (r *Registry) insert(start, end uint32) *block.Block {
	b := block.New(start, end)
	r.byBegin.ReplaceOrInsert(b)
	r.byEnd.ReplaceOrInsert(b)
	r.live.Add(b)
	return b
}

// DeleteBlock removes the block and clears every branch hint that refers
// to it.
func (r *Registry) DeleteBlock(b *block.Block) {
	for other := range r.live {
		if other.BranchHint() == b {
			other.SetBranchHint(nil)
		}
	}
	b.SetBranchHint(nil)

	r.byBegin.Delete(b)
	r.byEnd.Delete(b)
	r.live.Remove(b)
}

// Reset deletes all blocks.
func (r *Registry) Reset() {
	for b := range r.live {
		b.SetBranchHint(nil)
	}
	r.byBegin.Clear(false)
	r.byEnd.Clear(false)
	r.live = set.New[*block.Block]()
}

// Blocks returns all live blocks ordered by begin address.
func (r *Registry) Blocks() []*block.Block {
	blocks := make([]*block.Block, 0, r.byBegin.Len())
	r.byBegin.Ascend(func(b *block.Block) bool {
		blocks = append(blocks, b)
		return true
	})
	return blocks
}

// Validate checks that both indexes and the live set contain the same
// blocks and that no blocks overlap.
func (r *Registry) Validate() error {
	if r.byBegin.Len() != len(r.live) || r.byEnd.Len() != len(r.live) {
		return fmt.Errorf("%w: %d live, %d by begin, %d by end",
			ErrInconsistent, len(r.live), r.byBegin.Len(), r.byEnd.Len())
	}

	var previous *block.Block
	var err error
	r.byBegin.Ascend(func(b *block.Block) bool {
		switch {
		case !r.live.Contains(b):
			err = fmt.Errorf("%w: block %s is not live", ErrInconsistent, b)
		case b.Begin() > b.End():
			err = fmt.Errorf("%w: block %s has begin after end", ErrInconsistent, b)
		case previous != nil && previous.End() >= b.Begin():
			err = fmt.Errorf("%w: block %s overlaps %s", ErrInconsistent, previous, b)
		}
		if found, ok := r.byEnd.Get(b); !ok || found != b {
			err = fmt.Errorf("%w: block %s missing in end index", ErrInconsistent, b)
		}
		if hint := b.BranchHint(); hint != nil && !r.live.Contains(hint) {
			err = fmt.Errorf("%w: block %s hints deleted block %s", ErrInconsistent, b, hint)
		}
		previous = b
		return err == nil
	})
	return err
}
