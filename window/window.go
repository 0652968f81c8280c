// Package window buffers fragments of one position-sorted record stream in
// a ring of fixed capacity and hands each group of fragments that share an
// initial coordinate to a callback once the stream has moved far enough
// past it.
package window

import (
	"sort"

	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/streamdup/encoding/bam"
	"github.com/grailbio/streamdup/fragment"
)

// PositionGroup holds the fragments whose creating read has the normalized
// coordinate Key.
type PositionGroup struct {
	Key       fragment.Coord
	Fragments []*fragment.Fragment
}

// Disposition tells the caller what ProcessRecord did with a record.
type Disposition int

const (
	// Inserted means the record started a new fragment in the window.
	Inserted Disposition = iota
	// Merged means the record was added to a buffered fragment.
	Merged
	// Orphan means the record belongs to a fragment whose owner is not
	// buffered. The returned piece must be reconciled by the caller.
	Orphan
	// Rejected means the record precedes the window and was dropped.
	Rejected
)

var dispositionNames = [...]string{"Inserted", "Merged", "Orphan", "Rejected"}

func (d Disposition) String() string { return dispositionNames[d] }

// Window is a capacity-bounded buffer over genomic positions. Forward-strand
// groups live in a ring indexed by position; reverse-strand groups, whose
// key is the unclipped end of the read, live in a map keyed by absolute
// position. A Window is not thread safe.
type Window struct {
	capacity int
	onEvict  func(*PositionGroup)

	ring    []*PositionGroup
	ringIdx int // ring slot of minPos
	reverse map[int]*PositionGroup
	byName  map[string]*fragment.Fragment

	started bool
	refID   int
	minPos  int // 1-based
}

// New creates a window of the given capacity, in bases. onEvict is called
// for every evicted group, in non-decreasing position order.
func New(capacity int, onEvict func(*PositionGroup)) *Window {
	if capacity < 2 {
		log.Panicf("window capacity must be at least 2, got %d", capacity)
	}
	return &Window{
		capacity: capacity,
		onEvict:  onEvict,
		ring:     make([]*PositionGroup, capacity),
		reverse:  make(map[int]*PositionGroup),
		byName:   make(map[string]*fragment.Fragment),
	}
}

// MinPos returns the smallest 1-based position the window accepts.
func (w *Window) MinPos() int { return w.minPos }

// Len returns the number of buffered fragments.
func (w *Window) Len() int { return len(w.byName) }

// mateBefore returns true if r's mate sorts strictly before r, which makes
// the mate the owner of the template.
func mateBefore(r *sam.Record) bool {
	if bam.HasNoMappedMate(r) {
		return false
	}
	if r.MateRef.ID() != r.Ref.ID() {
		return r.MateRef.ID() < r.Ref.ID()
	}
	return r.MatePos < r.Pos
}

// ownsTie returns true if r, rather than its mate at the same position,
// owns the template: the forward read first, then read 1.
func ownsTie(r *sam.Record) bool {
	if bam.IsReverse(r) != bam.IsMateReverse(r) {
		return !bam.IsReverse(r)
	}
	return bam.IsRead1(r)
}

// ProcessRecord adds a mapped, non-secondary record. The returned fragment
// is the one the record was added to, or for Orphan a new piece holding
// only r.
func (w *Window) ProcessRecord(r *sam.Record) (*fragment.Fragment, Disposition) {
	pos := r.Pos + 1
	if w.started && r.Ref.ID() != w.refID {
		w.EvictAll()
	}
	if w.started && pos < w.minPos {
		log.Error.Printf("window: dropping out-of-order read %s at %s:%d, window starts at %d",
			r.Name, r.Ref.Name(), pos, w.minPos)
		return nil, Rejected
	}
	w.advance(r.Ref.ID(), pos)

	if f, ok := w.byName[r.Name]; ok {
		if f.AllReadsPresent() {
			log.Error.Printf("window: read %s at %s:%d not expected by its fragment %v", r.Name, r.Ref.Name(), pos, f)
			return fragment.NewPiece(r), Orphan
		}
		f.AddRead(r)
		w.maybeRebase(f, r)
		return f, Merged
	}
	if bam.IsSupplementary(r) || mateBefore(r) {
		return fragment.NewPiece(r), Orphan
	}

	f := fragment.New(r)
	key := f.Initial()
	if !key.Reverse() && key.Abs() < w.minPos {
		log.Error.Printf("window: read %s clipped start %d precedes window start %d; capacity %d is too small",
			r.Name, key.Abs(), w.minPos, w.capacity)
		return nil, Rejected
	}
	w.insert(f)
	return f, Inserted
}

// maybeRebase moves f to the position group of its mate r when both
// primary reads start at the same position and r owns the tie. The owner
// then does not depend on the order of the two reads in the stream.
func (w *Window) maybeRebase(f *fragment.Fragment, r *sam.Record) {
	creator := f.Reads[0]
	if bam.IsSupplementary(r) || r.Ref.ID() != creator.Ref.ID() || r.Pos != creator.Pos ||
		!ownsTie(r) || ownsTie(creator) {
		return
	}
	if key := fragment.Normalize(r); !key.Reverse() && key.Abs() < w.minPos {
		return
	}
	w.remove(f)
	f.Rebase(r)
	w.insert(f)
}

// remove takes f out of its position group.
func (w *Window) remove(f *fragment.Fragment) {
	key := f.Initial()
	var g *PositionGroup
	if key.Reverse() {
		g = w.reverse[key.Abs()]
	} else {
		g = w.ring[w.slot(key.Abs())]
	}
	if g == nil {
		log.Panicf("window: fragment %v has no position group", f)
	}
	for i, x := range g.Fragments {
		if x == f {
			g.Fragments = append(g.Fragments[:i], g.Fragments[i+1:]...)
			break
		}
	}
	if len(g.Fragments) > 0 {
		return
	}
	if key.Reverse() {
		delete(w.reverse, key.Abs())
	} else {
		w.ring[w.slot(key.Abs())] = nil
	}
}

func (w *Window) insert(f *fragment.Fragment) {
	key := f.Initial()
	var g *PositionGroup
	if key.Reverse() {
		if g = w.reverse[key.Abs()]; g == nil {
			g = &PositionGroup{Key: key}
			w.reverse[key.Abs()] = g
		}
	} else {
		slot := w.slot(key.Abs())
		if g = w.ring[slot]; g == nil {
			g = &PositionGroup{Key: key}
			w.ring[slot] = g
		}
	}
	g.Fragments = append(g.Fragments, f)
	w.byName[f.Name] = f
}

func (w *Window) slot(pos int) int {
	return (w.ringIdx + pos - w.minPos) % w.capacity
}

func startPos(pos, capacity int) int {
	p := pos - capacity/2
	if p < 1 {
		p = 1
	}
	return p
}

// advance moves the window so that pos is its last position, evicting
// every position before pos-capacity+1.
func (w *Window) advance(refID, pos int) {
	if !w.started {
		w.started = true
		w.refID = refID
		w.minPos = startPos(pos, w.capacity)
		w.ringIdx = 0
		return
	}
	if pos <= w.minPos+w.capacity-1 {
		return
	}
	last := pos - w.capacity
	n := last - w.minPos + 1
	if n >= w.capacity {
		w.evictAll()
		w.minPos = startPos(pos, w.capacity)
		w.ringIdx = 0
		return
	}
	w.evictThrough(last)
	w.ringIdx = (w.ringIdx + n) % w.capacity
	w.minPos = last + 1
}

// evictThrough evicts every group at or before position last, forward
// groups first when a forward and a reverse group share a position.
func (w *Window) evictThrough(last int) {
	revKeys := w.reverseKeys(last)
	ri := 0
	for pos := w.minPos; pos <= last; pos++ {
		for ri < len(revKeys) && revKeys[ri] < pos {
			w.evictReverse(revKeys[ri])
			ri++
		}
		slot := w.slot(pos)
		if g := w.ring[slot]; g != nil {
			w.ring[slot] = nil
			w.evict(g)
		}
		for ri < len(revKeys) && revKeys[ri] == pos {
			w.evictReverse(revKeys[ri])
			ri++
		}
	}
	for ; ri < len(revKeys); ri++ {
		w.evictReverse(revKeys[ri])
	}
}

// reverseKeys returns the sorted reverse-strand positions <= last.
func (w *Window) reverseKeys(last int) []int {
	var keys []int
	for pos := range w.reverse {
		if pos <= last {
			keys = append(keys, pos)
		}
	}
	sort.Ints(keys)
	return keys
}

func (w *Window) evictReverse(pos int) {
	g := w.reverse[pos]
	delete(w.reverse, pos)
	w.evict(g)
}

func (w *Window) evict(g *PositionGroup) {
	for _, f := range g.Fragments {
		delete(w.byName, f.Name)
	}
	w.onEvict(g)
}

func (w *Window) evictAll() {
	maxReverse := 0
	for pos := range w.reverse {
		if pos > maxReverse {
			maxReverse = pos
		}
	}
	last := w.minPos + w.capacity - 1
	if maxReverse > last {
		last = maxReverse
	}
	// Ring slots past minPos+capacity-1 wrap onto slots already cleared.
	w.evictThrough(last)
}

// EvictAll flushes every buffered group and resets the window. The next
// record starts a fresh window.
func (w *Window) EvictAll() {
	if w.started {
		w.evictAll()
	}
	w.started = false
	w.ringIdx = 0
	w.minPos = 0
}
