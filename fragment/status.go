package fragment

import "fmt"

// Status is the classification state of a fragment.
type Status uint8

const (
	// Unset is the status of a fragment that has not been classified.
	Unset Status = iota
	// None means the fragment is not a duplicate of anything.
	None
	// Unclear is the status of a read whose fragment could not be completed
	// before the end of the run. It is written as a non-duplicate.
	Unclear
	// Candidate means the fragment might become a duplicate once its
	// missing mate arrives.
	Candidate
	// Primary is the representative member of a duplicate group.
	Primary
	// Duplicate is a non-representative member of a duplicate group.
	Duplicate
	// Supplementary is the status of a piece made only of supplementary
	// alignments whose owner has not been seen.
	Supplementary
)

var statusNames = [...]string{"Unset", "None", "Unclear", "Candidate", "Primary", "Duplicate", "Supplementary"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Terminal returns true for None, Primary and Duplicate. A terminal status
// never changes.
func (s Status) Terminal() bool {
	return s == None || s == Primary || s == Duplicate
}

// canTransition returns true if a fragment in status s may move to next.
func (s Status) canTransition(next Status) bool {
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	switch s {
	case Candidate:
		return next.Terminal() || next == Unclear
	case Unclear:
		return next.Terminal()
	}
	return true
}

// Resolution is the classification outcome shared by every read of a
// fragment.
type Resolution struct {
	Status Status
	// GroupID identifies the duplicate group. Zero when the fragment is not
	// part of a group.
	GroupID uint64
	// GroupSize is the number of fragments in the duplicate group, or 0.
	GroupSize int
	// Umi is the anchor UMI of the fragment's UMI group.
	Umi string
}

// IsDuplicate returns true if reads with this resolution must carry the
// duplicate flag.
func (r Resolution) IsDuplicate() bool {
	return r.Status == Duplicate
}
