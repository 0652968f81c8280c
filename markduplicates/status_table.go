package markduplicates

import (
	"sort"
	"sync"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/log"
	"github.com/grailbio/streamdup/fragment"
)

const numStatusShards = 256

type statusShard struct {
	mu  sync.Mutex
	res map[string]fragment.Resolution
}

// statusTable holds the final resolution of every read name. It is the
// reconcile.Writer of a run and is read back when the output is written.
type statusTable struct {
	shards [numStatusShards]statusShard
}

func newStatusTable() *statusTable {
	t := &statusTable{}
	for i := range t.shards {
		t.shards[i].res = make(map[string]fragment.Resolution)
	}
	return t
}

func (t *statusTable) shard(name string) *statusShard {
	return &t.shards[seahash.Sum64([]byte(name))%numStatusShards]
}

// WriteFragment implements reconcile.Writer.
func (t *statusTable) WriteFragment(f *fragment.Fragment) {
	t.set(f.Name, f.Resolution())
}

// WriteStatus implements reconcile.Writer.
func (t *statusTable) WriteStatus(name string, res fragment.Resolution, partition int) {
	log.Debug.Printf("status %s: %v expected from partition %d", name, res.Status, partition)
	t.set(name, res)
}

// set records res for name. A terminal resolution is never replaced.
func (t *statusTable) set(name string, res fragment.Resolution) {
	s := t.shard(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.res[name]
	switch {
	case !ok, !old.Status.Terminal():
		s.res[name] = res
	case old != res:
		log.Error.Printf("status %s: conflicting resolutions %+v and %+v, keeping the first", name, old, res)
	}
}

// Get returns the resolution recorded for name.
func (t *statusTable) Get(name string) (fragment.Resolution, bool) {
	s := t.shard(name)
	s.mu.Lock()
	res, ok := s.res[name]
	s.mu.Unlock()
	return res, ok
}

// Len returns the number of names in t.
func (t *statusTable) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.res)
		s.mu.Unlock()
	}
	return n
}

// names returns every name in t, sorted.
func (t *statusTable) names() []string {
	var names []string
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for name := range s.res {
			names = append(names, name)
		}
		s.mu.Unlock()
	}
	sort.Strings(names)
	return names
}

// groupSizes returns the size of every duplicate group, in no particular
// order.
func (t *statusTable) groupSizes() []float64 {
	sizes := map[uint64]int{}
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for _, res := range s.res {
			if res.GroupSize > 1 {
				sizes[res.GroupID] = res.GroupSize
			}
		}
		s.mu.Unlock()
	}
	out := make([]float64, 0, len(sizes))
	for _, n := range sizes {
		out = append(out, float64(n))
	}
	return out
}
