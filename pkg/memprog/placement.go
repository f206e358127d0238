package memprog

import (
	"github.com/oisee/memplan/pkg/addr"
	"github.com/oisee/memplan/pkg/prioq"
)

// AllocationSize is the width of one allocation in address-space units.
type AllocationSize = uint64

// Placer allocates virtual addresses as the program DSL executes.
// Allocate additionally reports whether the returned address is the
// first use of a fresh page, which propagates into the instruction's
// output-page-first-use flag.
type Placer interface {
	Allocate(width AllocationSize) (a addr.VirtAddr, freshPage bool)
	Deallocate(a addr.VirtAddr, width AllocationSize)
	NumPages() addr.VirtPageNumber
}

// SimplePlacer is a bump allocator that never reclaims freed space. An
// allocation never straddles a page boundary. It serves as the trivial
// baseline for the binned placer.
type SimplePlacer struct {
	nextFree  addr.VirtAddr
	pageShift addr.PageShift
}

// NewSimplePlacer creates a bump placer for the given page shift.
func NewSimplePlacer(shift addr.PageShift) *SimplePlacer {
	return &SimplePlacer{pageShift: shift}
}

func (p *SimplePlacer) Allocate(width AllocationSize) (addr.VirtAddr, bool) {
	if width == 0 {
		panic("memprog: zero-width allocation")
	}
	a := p.nextFree
	if addr.PageNumber(p.nextFree, p.pageShift) != addr.PageNumber(p.nextFree+width-1, p.pageShift) {
		a = addr.PageNext(p.nextFree, p.pageShift)
	}
	p.nextFree = a + width
	return a, addr.PageOffset(a, p.pageShift) == 0
}

func (p *SimplePlacer) Deallocate(a addr.VirtAddr, width AllocationSize) {
	// Space is never reclaimed.
}

func (p *SimplePlacer) NumPages() addr.VirtPageNumber {
	n := addr.PageNumber(p.nextFree, p.pageShift)
	if addr.PageOffset(p.nextFree, p.pageShift) != 0 {
		n++
	}
	return n
}

// pageInfo tracks the free slots of one partially-used page.
type pageInfo struct {
	reusableSlots []addr.VirtAddr
	nextFreeOff   uint64
}

// widthBin holds the placement state for one allocation width: a map of
// partially-used pages and a heap of them keyed by free-slot count, so
// allocation always targets the fullest partial page.
type widthBin struct {
	unfilledPages      *prioq.Queue[uint64, addr.VirtPageNumber]
	pageInfo           map[addr.VirtPageNumber]*pageInfo
	freshPageFreeSlots uint64
}

// BinnedPlacer bins allocations by width, one page per width class, and
// prefers the partial page with the fewest free slots. This concentrates
// live slots on few pages, keeping the working-set footprint small
// without per-object metadata.
type BinnedPlacer struct {
	bins      map[AllocationSize]*widthBin
	nextPage  addr.VirtPageNumber
	pageShift addr.PageShift
}

// NewBinnedPlacer creates a binned placer for the given page shift.
func NewBinnedPlacer(shift addr.PageShift) *BinnedPlacer {
	return &BinnedPlacer{bins: make(map[AllocationSize]*widthBin), pageShift: shift}
}

func (p *BinnedPlacer) bin(width AllocationSize) *widthBin {
	if b, ok := p.bins[width]; ok {
		return b
	}
	slots := addr.PageSize(p.pageShift) / width
	if slots == 0 {
		panic("memprog: page size must be greater than the largest allocation size")
	}
	b := &widthBin{
		unfilledPages:      prioq.New[uint64, addr.VirtPageNumber](),
		pageInfo:           make(map[addr.VirtPageNumber]*pageInfo),
		freshPageFreeSlots: slots,
	}
	p.bins[width] = b
	return b
}

func (p *BinnedPlacer) Allocate(width AllocationSize) (addr.VirtAddr, bool) {
	b := p.bin(width)

	if b.unfilledPages.Empty() {
		page := p.nextPage
		p.nextPage++
		pageAddr := addr.PageAddr(page, p.pageShift)

		info := &pageInfo{nextFreeOff: width}
		b.pageInfo[page] = info

		freeSlots := (addr.PageSize(p.pageShift) - info.nextFreeOff) / width
		if freeSlots > 0 {
			b.unfilledPages.Insert(freeSlots, page)
		}
		return pageAddr, true
	}

	top := b.unfilledPages.Min()
	page, freeSlots := top.Value, top.Key
	info := b.pageInfo[page]

	var result addr.VirtAddr
	if len(info.reusableSlots) > 0 {
		result = info.reusableSlots[len(info.reusableSlots)-1]
		info.reusableSlots = info.reusableSlots[:len(info.reusableSlots)-1]
	} else {
		result = addr.PageAddr(page, p.pageShift) + info.nextFreeOff
		info.nextFreeOff += width
		if info.nextFreeOff > addr.PageSize(p.pageShift) {
			panic("memprog: placer overran page")
		}
	}

	if freeSlots == 1 {
		b.unfilledPages.RemoveMin()
	} else {
		b.unfilledPages.DecreaseKey(freeSlots-1, page)
	}
	return result, false
}

func (p *BinnedPlacer) Deallocate(a addr.VirtAddr, width AllocationSize) {
	b := p.bin(width)
	page := addr.PageNumber(a, p.pageShift)

	if !b.unfilledPages.Contains(page) {
		// The page was fully used. If this free would leave the page
		// entirely empty while other partial pages of this width exist,
		// drop the page instead of binning it. When it would be the only
		// partial page it is binned, so a repeated alloc/free cycle of
		// one width keeps reusing that page.
		if b.freshPageFreeSlots == 1 && b.unfilledPages.Len() > 0 {
			delete(b.pageInfo, page)
			return
		}
		b.unfilledPages.Insert(1, page)
		info := b.pageInfo[page]
		info.reusableSlots = append(info.reusableSlots, a)
		return
	}

	freeSlots := b.unfilledPages.Key(page) + 1
	if freeSlots == b.freshPageFreeSlots && b.unfilledPages.Len() > 1 {
		// Entirely empty and other partial pages remain: release it.
		b.unfilledPages.Erase(page)
		delete(b.pageInfo, page)
		return
	}
	b.unfilledPages.IncreaseKey(freeSlots, page)
	info := b.pageInfo[page]
	info.reusableSlots = append(info.reusableSlots, a)
}

func (p *BinnedPlacer) NumPages() addr.VirtPageNumber {
	return p.nextPage
}
