// Package partition splits a guest function into basic blocks.
package partition

import (
	"github.com/google/btree"
	"github.com/retroenv/retroee/internal/arch"
	"github.com/retroenv/retroee/internal/block"
	"github.com/retroenv/retrogolib/log"
)

const (
	// maxScanDistance is the distance after which the search for the end of
	// a function gives up.
	maxScanDistance = 0x10000
	// maxBlockSize is the maximum distance between two partition points.
	maxBlockSize = 0x400
	// maxSplitIterations bounds the passes that split oversized blocks.
	maxSplitIterations = 32
)

// memory provides instruction fetches. Unmapped fetches return false and
// are scanned as zero words.
type memory interface {
	FetchInstruction(address uint32) (uint32, bool)
}

// blockRegistry is the part of the block registry that the partitioner uses.
type blockRegistry interface {
	FindBlockStartingAt(address uint32) *block.Block
	CreateBlock(start, end uint32)
}

// Result describes a partitioned function.
type Result struct {
	Entry      uint32
	End        uint32   // address of the last instruction of the function
	Terminated bool     // a function return was found within the scan distance
	Points     []uint32 // ordered partition points including the closing point
}

// Partitioner discovers the blocks of a function.
type Partitioner struct {
	logger   *log.Logger
	decoder  arch.Decoder
	memory   memory
	registry blockRegistry
}

// New returns a partitioner.
func New(logger *log.Logger, decoder arch.Decoder, memory memory, registry blockRegistry) *Partitioner {
	return &Partitioner{
		logger:   logger,
		decoder:  decoder,
		memory:   memory,
		registry: registry,
	}
}

// PartitionFunction scans the function starting at the entry address and
// creates a block for every pair of adjacent partition points.
func (p *Partitioner) PartitionFunction(entry uint32) Result {
	points := btree.NewG(8, btree.Less[uint32]())
	points.ReplaceOrInsert(entry)

	end, terminated := p.findEnd(entry)
	if terminated {
		points.ReplaceOrInsert(end + 4)
	} else {
		p.logger.Warn("No function return found within scan distance",
			log.Hex("entry", entry),
			log.Hex("end", end))
		points.ReplaceOrInsert(end)
	}

	p.addBranchPoints(points, entry, end)
	p.splitOversized(points)

	result := Result{
		Entry:      entry,
		End:        end,
		Terminated: terminated,
		Points:     make([]uint32, 0, points.Len()),
	}

	var previous uint32
	first := true
	points.Ascend(func(point uint32) bool {
		if !first {
			p.registry.CreateBlock(previous, point-4)
		}
		result.Points = append(result.Points, point)
		previous = point
		first = false
		return true
	})

	p.logger.Debug("Partitioned function",
		log.Hex("entry", entry),
		log.Hex("end", end),
		log.Int("blocks", len(result.Points)-1))
	return result
}

// findEnd returns the address of the delay slot after the function return.
func (p *Partitioner) findEnd(entry uint32) (uint32, bool) {
	for address := entry; ; address += 4 {
		if address-entry > maxScanDistance {
			return address, false
		}
		if p.decoder.IsFunctionReturn(p.fetch(address)) {
			return address + 4, true
		}
	}
}

func (p *Partitioner) addBranchPoints(points *btree.BTreeG[uint32], entry, end uint32) {
	for address := entry; address <= end; address += 4 {
		opcode := p.fetch(address)

		switch p.decoder.ClassifyBranch(address, opcode) {
		case arch.BranchNormal:
			points.ReplaceOrInsert(address + 8)
			if target, ok := p.decoder.EffectiveTarget(address, opcode); ok && target > entry && target < end {
				points.ReplaceOrInsert(target)
			}
		case arch.BranchNoDelay:
			points.ReplaceOrInsert(address + 4)
		}

		if address == end {
			continue
		}
		if existing := p.registry.FindBlockStartingAt(address); existing != nil {
			points.ReplaceOrInsert(existing.Begin())
			points.ReplaceOrInsert(existing.End() + 4)
		}
	}
}

// fetch reads an instruction word for scanning, unmapped words read as zero.
func (p *Partitioner) fetch(address uint32) uint32 {
	opcode, _ := p.memory.FetchInstruction(address)
	return opcode
}

// splitOversized inserts midpoints until no two adjacent points are more
// than maxBlockSize apart.
func (p *Partitioner) splitOversized(points *btree.BTreeG[uint32]) {
	for range maxSplitIterations {
		var midpoints []uint32
		var previous uint32
		first := true
		points.Ascend(func(point uint32) bool {
			if !first && point-previous > maxBlockSize {
				midpoints = append(midpoints, midpoint(previous, point))
			}
			previous = point
			first = false
			return true
		})

		if len(midpoints) == 0 {
			return
		}
		for _, point := range midpoints {
			points.ReplaceOrInsert(point)
		}
	}

	p.logger.Warn("Oversized block splitting did not converge",
		log.Int("iterations", maxSplitIterations))
}

// midpoint returns the word aligned point between start and end.
func midpoint(start, end uint32) uint32 {
	return start + ((end-start)/2)&^3
}
