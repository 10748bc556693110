package handle

// Handle encodes a 32-bit slot index in the lower bits and a 32-bit generation
// in the upper bits. Generation increments on release to invalidate stale handles.
// The zero Handle is never issued.
type Handle uint64

func New(index uint32, generation uint32) Handle {
	return Handle(uint64(generation)<<32 | uint64(index))
}

func (h Handle) Index() uint32      { return uint32(h) }
func (h Handle) Generation() uint32 { return uint32(h >> 32) }
func (h Handle) IsZero() bool       { return h == 0 }

// Pool manages handle allocation with generational indices and a free list.
// Generations start at 1 so no live handle equals zero.
type Pool struct {
	generations []uint32
	freeList    []uint32
	nextIndex   uint32
	live        int
}

func NewPool() *Pool {
	return &Pool{
		generations: make([]uint32, 0, 64),
		freeList:    make([]uint32, 0, 16),
	}
}

func (p *Pool) Create() Handle {
	p.live++
	if len(p.freeList) > 0 {
		idx := p.freeList[len(p.freeList)-1]
		p.freeList = p.freeList[:len(p.freeList)-1]
		return New(idx, p.generations[idx])
	}
	idx := p.nextIndex
	p.nextIndex++
	if int(idx) >= len(p.generations) {
		p.generations = append(p.generations, 1)
	}
	return New(idx, p.generations[idx])
}

func (p *Pool) Alive(h Handle) bool {
	idx := h.Index()
	if idx >= p.nextIndex {
		return false
	}
	return p.generations[idx] == h.Generation()
}

// Release invalidates h. Releasing a stale handle is a no-op and reports false.
func (p *Pool) Release(h Handle) bool {
	if !p.Alive(h) {
		return false
	}
	idx := h.Index()
	p.generations[idx]++
	if p.generations[idx] == 0 {
		p.generations[idx] = 1
	}
	p.freeList = append(p.freeList, idx)
	p.live--
	return true
}

// Len returns the number of live handles.
func (p *Pool) Len() int { return p.live }
