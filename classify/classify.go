// Package classify decides which fragments of a position group are
// duplicates of each other, which are not, and which cannot be decided
// until more of their reads arrive.
package classify

import (
	"fmt"
	"strings"

	"github.com/dgryski/go-farm"
	"github.com/grailbio/base/log"
	"github.com/grailbio/streamdup/fragment"
	"github.com/grailbio/streamdup/umi"
)

// Verdict is the outcome of comparing two fragments.
type Verdict int

const (
	// NotDuplicate means the two fragments can never be duplicates.
	NotDuplicate Verdict = iota
	// Candidate means the fragments may be duplicates once their missing
	// mates arrive.
	Candidate
	// Duplicate means the fragments align identically.
	Duplicate
)

func (v Verdict) String() string {
	switch v {
	case Candidate:
		return "CANDIDATE"
	case Duplicate:
		return "DUPLICATE"
	}
	return "NONE"
}

// Opts configures a Classifier.
type Opts struct {
	// Umis, when non-nil, splits every duplicate group into UMI sub-groups.
	Umis *umi.Clusterer
	// HighDepth enables promotion of candidate pairs to duplicates in
	// position groups with at least HighDepthThreshold fragments, when their
	// mate positions are within HighDepthInsertTolerance bases.
	HighDepth                bool
	HighDepthThreshold       int
	HighDepthInsertTolerance int
}

// DuplicateGroup is a set of fragments with the same key (and UMI, when
// UMIs are in use). Primary is the member that is not flagged.
type DuplicateGroup struct {
	ID      uint64
	Umi     string
	Primary *fragment.Fragment
	Members []*fragment.Fragment
}

// CandidateGroup is a set of undecided fragments joined by candidate
// verdicts.
type CandidateGroup struct {
	Members []*fragment.Fragment
	// Anchors are the primaries of the duplicate groups that a member was
	// linked to. A member whose key turns out to match an anchor joins the
	// anchor's group.
	Anchors []*fragment.Fragment
}

// Result partitions the input of Classify. Every input fragment is either
// in Resolved or in exactly one candidate group.
type Result struct {
	// Resolved holds every fragment with a terminal status, including the
	// members of DuplicateGroups.
	Resolved        []*fragment.Fragment
	DuplicateGroups []*DuplicateGroup
	CandidateGroups []*CandidateGroup
}

// Classifier classifies position groups. It is stateless and may be shared
// between goroutines.
type Classifier struct {
	opts Opts
}

// New creates a Classifier.
func New(opts Opts) *Classifier {
	return &Classifier{opts: opts}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// Compare returns the verdict for fragments a and b, which share an initial
// coordinate. groupSize is the number of fragments in the position group.
func (c *Classifier) Compare(a, b *fragment.Fragment, groupSize int) Verdict {
	if a.PrimaryReadsPresent() && b.PrimaryReadsPresent() {
		if a.Key() == b.Key() {
			return Duplicate
		}
		return NotDuplicate
	}
	if a.Paired() != b.Paired() || a.ReadLength() != b.ReadLength() {
		return NotDuplicate
	}
	ma, okA := a.MateCoord()
	mb, okB := b.MateCoord()
	if !okA || !okB || ma.RefID != mb.RefID || ma.Reverse() != mb.Reverse() {
		return NotDuplicate
	}
	dist := abs(ma.Abs() - mb.Abs())
	if dist > a.ReadLength() {
		return NotDuplicate
	}
	if c.opts.HighDepth && groupSize >= c.opts.HighDepthThreshold && dist <= c.opts.HighDepthInsertTolerance {
		return Duplicate
	}
	return Candidate
}

// Classify assigns a status to every fragment of group. Fragments whose
// status is already terminal are returned unchanged in Resolved. Pairs that
// cannot be decided are returned as candidate groups with status
// Candidate, unless final is set, in which case they are resolved as not
// duplicates. A fragment linked by a candidate verdict to a member of a new
// duplicate group stays a candidate, anchored on the group's primary.
func (c *Classifier) Classify(group []*fragment.Fragment, final bool) Result {
	var (
		result Result
		active []*fragment.Fragment
	)
	for _, f := range group {
		if f.Status().Terminal() {
			result.Resolved = append(result.Resolved, f)
			continue
		}
		active = append(active, f)
	}

	n := len(active)
	done := make([]bool, n)
	anchorOf := map[*fragment.Fragment]*fragment.Fragment{}
	for i := 0; i < n; i++ {
		if done[i] {
			continue
		}
		dups := []*fragment.Fragment{active[i]}
		for j := i + 1; j < n; j++ {
			if !done[j] && c.Compare(active[i], active[j], len(group)) == Duplicate {
				dups = append(dups, active[j])
				done[j] = true
			}
		}
		if len(dups) > 1 {
			done[i] = true
			first := len(result.DuplicateGroups)
			c.resolveDuplicates(dups, &result)
			for _, g := range result.DuplicateGroups[first:] {
				for _, f := range g.Members {
					anchorOf[f] = g.Primary
				}
			}
		}
	}

	candidates := newDisjointSet(n)
	if !final {
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				if done[i] && done[j] {
					continue
				}
				if c.Compare(active[i], active[j], len(group)) == Candidate {
					candidates.union(i, j)
				}
			}
		}
	}

	clusters := map[int]*CandidateGroup{}
	var roots []int
	for i, f := range active {
		root := candidates.find(i)
		cg, ok := clusters[root]
		if !ok {
			cg = &CandidateGroup{}
			clusters[root] = cg
			roots = append(roots, root)
		}
		if !done[i] {
			cg.Members = append(cg.Members, f)
		} else if a := anchorOf[f]; a != nil && !contains(cg.Anchors, a) {
			cg.Anchors = append(cg.Anchors, a)
		}
	}
	for _, root := range roots {
		cg := clusters[root]
		switch {
		case len(cg.Members) == 0:
		case len(cg.Members) == 1 && len(cg.Anchors) == 0:
			cg.Members[0].SetStatus(fragment.None)
			result.Resolved = append(result.Resolved, cg.Members[0])
		default:
			for _, f := range cg.Members {
				f.SetStatus(fragment.Candidate)
			}
			result.CandidateGroups = append(result.CandidateGroups, cg)
		}
	}

	total := len(result.Resolved)
	for _, g := range result.CandidateGroups {
		total += len(g.Members)
	}
	if total != len(group) {
		log.Error.Printf("classify: %d fragments in, %d out: %s", len(group), total, dump(group))
	}
	return result
}

func contains(fs []*fragment.Fragment, f *fragment.Fragment) bool {
	for _, x := range fs {
		if x == f {
			return true
		}
	}
	return false
}

// Join resolves the members of g that are duplicates of one of its anchors
// as Duplicate members of the anchor's group, taking its id and size. It
// returns the fragments that joined and the rest, both in order.
func (c *Classifier) Join(g *CandidateGroup) (joined, rest []*fragment.Fragment) {
	for _, f := range g.Members {
		a := c.anchorFor(g.Anchors, f)
		if a == nil || !f.SetStatus(fragment.Duplicate) {
			rest = append(rest, f)
			continue
		}
		res := a.Resolution()
		f.SetGroup(res.GroupID, res.GroupSize, res.Umi)
		joined = append(joined, f)
	}
	return joined, rest
}

func (c *Classifier) anchorFor(anchors []*fragment.Fragment, f *fragment.Fragment) *fragment.Fragment {
	for _, a := range anchors {
		res := a.Resolution()
		if c.Compare(a, f, res.GroupSize+1) != Duplicate {
			continue
		}
		if c.opts.Umis != nil && !c.opts.Umis.Within(res.Umi, c.opts.Umis.Extract(f.Name)) {
			continue
		}
		return a
	}
	return nil
}

// resolveDuplicates splits dups by UMI, when enabled, and assigns Primary
// and Duplicate statuses.
func (c *Classifier) resolveDuplicates(dups []*fragment.Fragment, result *Result) {
	if c.opts.Umis == nil {
		result.DuplicateGroups = append(result.DuplicateGroups, finalize(dups, ""))
		result.Resolved = append(result.Resolved, dups...)
		return
	}
	umis := make([]string, len(dups))
	for i, f := range dups {
		umis[i] = c.opts.Umis.Extract(f.Name)
	}
	for _, cl := range c.opts.Umis.Cluster(umis) {
		if len(cl.Members) == 1 {
			f := dups[cl.Members[0]]
			f.SetStatus(fragment.None)
			f.SetGroup(0, 0, cl.UMI)
			result.Resolved = append(result.Resolved, f)
			continue
		}
		members := make([]*fragment.Fragment, len(cl.Members))
		for i, m := range cl.Members {
			members[i] = dups[m]
		}
		result.DuplicateGroups = append(result.DuplicateGroups, finalize(members, cl.UMI))
		result.Resolved = append(result.Resolved, members...)
	}
}

func finalize(members []*fragment.Fragment, umi string) *DuplicateGroup {
	primary := SelectPrimary(members)
	g := &DuplicateGroup{
		ID:      farm.Fingerprint64([]byte(primary.Name)),
		Umi:     umi,
		Primary: primary,
		Members: members,
	}
	for _, f := range members {
		if f == primary {
			f.SetStatus(fragment.Primary)
		} else {
			f.SetStatus(fragment.Duplicate)
		}
		f.SetGroup(g.ID, len(members), umi)
	}
	if log.At(log.Debug) {
		log.Debug.Printf("classify: duplicate group %d primary %s: %s", g.ID, primary.Name, dump(members))
	}
	return g
}

// SelectPrimary returns the member with the highest average base quality.
// Among members tied for the highest quality, the only one not already
// flagged as a duplicate by an earlier tool is preferred; otherwise the
// first in order wins.
func SelectPrimary(members []*fragment.Fragment) *fragment.Fragment {
	var best []*fragment.Fragment
	bestQ := -1.0
	for _, f := range members {
		q := f.AvgBaseQuality()
		switch {
		case q > bestQ:
			bestQ = q
			best = append(best[:0], f)
		case q == bestQ:
			best = append(best, f)
		}
	}
	var unflagged *fragment.Fragment
	n := 0
	for _, f := range best {
		if !f.ExternallyDuplicate() {
			unflagged = f
			n++
		}
	}
	if n == 1 {
		return unflagged
	}
	return best[0]
}

func dump(group []*fragment.Fragment) string {
	var b strings.Builder
	for i, f := range group {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprint(&b, f)
	}
	return b.String()
}
