// Package reconcile joins fragments whose reads were split across
// partitions. A partition that owes reads to a fragment resolved elsewhere
// keeps the fragment's resolution until the reads arrive; reads that arrive
// before their owner is resolved are cached until it is. Both orders give
// the same result, so partitions can be processed concurrently.
package reconcile

import (
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/log"
	"github.com/grailbio/streamdup/classify"
	"github.com/grailbio/streamdup/encoding/bam"
	"github.com/grailbio/streamdup/fragment"
)

// Writer receives final fragment statuses.
type Writer interface {
	// WriteFragment records the status of every read in f.
	WriteFragment(f *fragment.Fragment)
	// WriteStatus records the status of reads named name that are still
	// expected from partition.
	WriteStatus(name string, res fragment.Resolution, partition int)
}

// Stats counts reconciliation events.
type Stats struct {
	// Adopted is the number of pieces that took the resolution of their
	// owner.
	Adopted int64
	// Unmatched is the number of pieces whose owner never reported.
	Unmatched int64
	// CandidateGroups is the number of candidate groups registered.
	CandidateGroups int64
	// Joined is the number of candidate members that joined an already
	// resolved duplicate group.
	Joined int64
	// Abandoned is the number of candidate members whose mate never
	// arrived.
	Abandoned int64
	// Stale is the number of expectations dropped when a partition was
	// drained without supplying the reads.
	Stale int64
}

// group is a candidate group awaiting the mates of its members.
type group struct {
	mu      sync.Mutex
	shard   *bam.Shard
	members []*fragment.Fragment
	anchors []*fragment.Fragment
	waiting int
}

// member is one candidate group member waiting on its mate.
type member struct {
	f *fragment.Fragment
	g *group
}

// Reconciler is shared by all workers.
type Reconciler struct {
	loc        fragment.Locator
	classifier *classify.Classifier
	w          Writer
	store      *store
	stats      Stats

	membersMu sync.Mutex
	// waiting counts, per read name, members of candidate groups that are
	// not finalized yet.
	waiting map[string]int
}

// New creates a Reconciler. loc maps read locations to partitions;
// classifier re-classifies candidate groups once their mates are known.
func New(loc fragment.Locator, classifier *classify.Classifier, w Writer) *Reconciler {
	return &Reconciler{
		loc:        loc,
		classifier: classifier,
		w:          w,
		store:      newStore(),
		waiting:    make(map[string]int),
	}
}

// Stats returns a snapshot of the counters.
func (r *Reconciler) Stats() Stats {
	return Stats{
		Adopted:         atomic.LoadInt64(&r.stats.Adopted),
		Unmatched:       atomic.LoadInt64(&r.stats.Unmatched),
		CandidateGroups: atomic.LoadInt64(&r.stats.CandidateGroups),
		Joined:          atomic.LoadInt64(&r.stats.Joined),
		Abandoned:       atomic.LoadInt64(&r.stats.Abandoned),
		Stale:           atomic.LoadInt64(&r.stats.Stale),
	}
}

// ProcessResolved hands off a fragment with a terminal status that is
// still missing reads. Cached pieces of f are given f's resolution; the
// expectation of every other missing read is kept by the partition that
// owes it. It is a no-op for complete fragments.
func (r *Reconciler) ProcessResolved(shard *bam.Shard, f *fragment.Fragment) {
	if f.AllReadsPresent() {
		return
	}
	if !f.Status().Terminal() {
		log.Error.Printf("reconcile: partition %d: fragment %v is not resolved", shard.ShardIdx, f)
		return
	}
	r.forward(f.Name, f.Resolution(), f.MissingByPartition(r.loc))
}

// forward registers res for the reads of name expected from each partition
// of missing.
func (r *Reconciler) forward(name string, res fragment.Resolution, missing map[int]int) {
	var adopted []*fragment.Fragment
	for partition, n := range missing {
		r.store.with(partition, func(rec *partitionRecord) {
			if piece, ok := rec.pieces[name]; ok {
				delete(rec.pieces, name)
				if r.adopt(piece, res) {
					adopted = append(adopted, piece)
				}
				n -= len(piece.Reads)
			}
			if n <= 0 || rec.drained {
				return
			}
			e, ok := rec.pending[name]
			if !ok {
				e = &pending{res: res}
				rec.pending[name] = e
			}
			e.expected += n
			r.w.WriteStatus(name, res, partition)
		})
	}
	// The mate of a fragment may carry supplementary expectations the owner
	// never saw.
	for _, piece := range adopted {
		if missing := piece.MissingByPartition(r.loc); len(missing) > 0 {
			r.forward(name, res, missing)
		}
	}
}

func (r *Reconciler) adopt(piece *fragment.Fragment, res fragment.Resolution) bool {
	if !piece.Adopt(res) {
		return false
	}
	atomic.AddInt64(&r.stats.Adopted, 1)
	r.w.WriteFragment(piece)
	return true
}

// ProcessIncomplete hands off a piece: reads of partition shard whose owner
// is not in the window. The piece adopts a resolution already registered
// for it, completes a waiting candidate member, or is cached.
func (r *Reconciler) ProcessIncomplete(shard *bam.Shard, piece *fragment.Fragment) {
	var (
		adopted bool
		res     fragment.Resolution
		ready   *group
	)
	r.store.with(shard.ShardIdx, func(rec *partitionRecord) {
		e, ok := rec.pending[piece.Name]
		switch {
		case ok && e.member != nil:
			m := e.member
			m.g.mu.Lock()
			m.f.Merge(piece)
			if m.f.PrimaryReadsPresent() {
				delete(rec.pending, piece.Name)
				if m.g.waiting--; m.g.waiting == 0 {
					ready = m.g
				}
			}
			m.g.mu.Unlock()
		case ok:
			res = e.res
			adopted = r.adopt(piece, res)
			if e.processed += len(piece.Reads); e.processed >= e.expected {
				delete(rec.pending, piece.Name)
			}
		default:
			if cached, ok := rec.pieces[piece.Name]; ok {
				cached.Merge(piece)
			} else {
				rec.pieces[piece.Name] = piece
			}
		}
	})
	if adopted {
		if missing := piece.MissingByPartition(r.loc); len(missing) > 0 {
			r.forward(piece.Name, res, missing)
		}
	}
	if ready != nil {
		r.finalize(ready)
	}
}

// AddCandidateGroup registers fragments of partition shard that may be
// duplicates of each other, or of the anchors of cg, once their mates
// arrive. The group is re-classified when every member has its mate, or its
// mate's partition was drained without it.
func (r *Reconciler) AddCandidateGroup(shard *bam.Shard, cg *classify.CandidateGroup) {
	atomic.AddInt64(&r.stats.CandidateGroups, 1)
	members := cg.Members
	g := &group{shard: shard, members: members, anchors: cg.Anchors, waiting: 1}
	for _, f := range members {
		r.addWaiting(f.Name, 1)
		if !f.PrimaryReadsPresent() {
			g.waiting++
		}
	}
	for _, f := range members {
		if f.PrimaryReadsPresent() {
			continue
		}
		partition, ok := f.MatePartition(r.loc)
		if !ok {
			log.Debug.Printf("reconcile: no partition for the mate of %v", f)
			r.abandon(g)
			continue
		}
		m := &member{f: f, g: g}
		r.store.with(partition, func(rec *partitionRecord) {
			piece, cached := rec.pieces[f.Name]
			if cached {
				g.mu.Lock()
				f.Merge(piece)
				g.mu.Unlock()
				delete(rec.pieces, f.Name)
			}
			switch {
			case f.PrimaryReadsPresent():
				r.release(g)
			case rec.drained:
				r.abandon(g)
			default:
				rec.pending[f.Name] = &pending{member: m}
			}
		})
	}
	if r.release(g) {
		r.finalize(g)
	}
}

// release marks one wait of g as done. It returns true if g is now ready
// and the caller is responsible for finalizing it.
func (r *Reconciler) release(g *group) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.waiting--
	return g.waiting == 0
}

// abandon gives up on the mate of one member of g. Since the registration
// wait of g is only released after every member is processed, abandon never
// releases the last wait while g is being registered.
func (r *Reconciler) abandon(g *group) {
	atomic.AddInt64(&r.stats.Abandoned, 1)
	if r.release(g) {
		log.Panicf("reconcile: candidate group %v released during registration", g.members)
	}
}

// finalize re-classifies g, writes its members and forwards their
// resolutions. Members that match an anchor join the anchor's group first.
func (r *Reconciler) finalize(g *group) {
	for _, f := range g.members {
		r.addWaiting(f.Name, -1)
	}
	rest := g.members
	if len(g.anchors) > 0 {
		var joined []*fragment.Fragment
		joined, rest = r.classifier.Join(&classify.CandidateGroup{Members: g.members, Anchors: g.anchors})
		atomic.AddInt64(&r.stats.Joined, int64(len(joined)))
		r.write(g.shard, joined)
	}
	r.write(g.shard, r.classifier.Classify(rest, true).Resolved)
}

func (r *Reconciler) write(shard *bam.Shard, fs []*fragment.Fragment) {
	for _, f := range fs {
		r.w.WriteFragment(f)
		r.ProcessResolved(shard, f)
	}
}

// DrainPartition is called once every read of shard has been processed.
// Cached pieces whose owner precedes the end of shard on the same reference
// can no longer be matched; they are written as Unclear, unless the owner is
// a candidate member still waiting on its mate. Candidate members still
// waiting on shard are abandoned.
func (r *Reconciler) DrainPartition(shard *bam.Shard) {
	var ready []*group
	r.store.with(shard.ShardIdx, func(rec *partitionRecord) {
		rec.drained = true
		for _, name := range names(rec.pieces) {
			piece := rec.pieces[name]
			ref, pos, ok := piece.OwnerLocation(r.loc)
			if ok && !(shard.SameRef(ref) && pos < shard.End) {
				continue
			}
			if r.isWaitingMember(name) {
				continue
			}
			delete(rec.pieces, name)
			r.flush(piece)
		}
		ready = r.dropPending(rec, ready)
	})
	for _, g := range ready {
		r.finalize(g)
	}
}

// dropPending removes every expectation of rec and abandons waiting
// candidate members. It returns ready with the groups that became ready
// appended.
func (r *Reconciler) dropPending(rec *partitionRecord, ready []*group) []*group {
	for name, e := range rec.pending {
		delete(rec.pending, name)
		if e.member == nil {
			log.Debug.Printf("reconcile: partition %d: %d of %d reads of %s never arrived",
				rec.id, e.expected-e.processed, e.expected, name)
			atomic.AddInt64(&r.stats.Stale, 1)
			continue
		}
		atomic.AddInt64(&r.stats.Abandoned, 1)
		if r.release(e.member.g) {
			ready = append(ready, e.member.g)
		}
	}
	return ready
}

// isWaitingMember returns true if name is a member of a candidate group
// that has not been finalized. Its resolution reaches the cached pieces
// once the group is.
func (r *Reconciler) isWaitingMember(name string) bool {
	r.membersMu.Lock()
	defer r.membersMu.Unlock()
	return r.waiting[name] > 0
}

func (r *Reconciler) addWaiting(name string, delta int) {
	r.membersMu.Lock()
	if r.waiting[name] += delta; r.waiting[name] <= 0 {
		delete(r.waiting, name)
	}
	r.membersMu.Unlock()
}

func (r *Reconciler) flush(piece *fragment.Fragment) {
	log.Error.Printf("reconcile: unmatched reads %v", piece)
	atomic.AddInt64(&r.stats.Unmatched, 1)
	piece.SetStatus(fragment.Unclear)
	r.w.WriteFragment(piece)
}

// Finish is called after every partition has been drained. It finalizes the
// remaining candidate groups and writes every remaining piece as Unclear.
func (r *Reconciler) Finish() {
	ids := r.store.ids()
	var ready []*group
	for _, id := range ids {
		r.store.with(id, func(rec *partitionRecord) {
			rec.drained = true
			ready = r.dropPending(rec, ready)
		})
	}
	for _, g := range ready {
		r.finalize(g)
	}
	for _, id := range ids {
		r.store.with(id, func(rec *partitionRecord) {
			for _, name := range names(rec.pieces) {
				r.flush(rec.pieces[name])
			}
			rec.pieces = make(map[string]*fragment.Fragment)
		})
	}
}
