package umi

import (
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
)

// Clusterer splits a duplicate group into sub-groups of fragments whose
// UMIs, embedded at the end of the read name, are within MaxMismatch
// mismatches of each other.
type Clusterer struct {
	// Delimiter separates the UMI from the rest of the read name. The UMI
	// is the suffix after the last occurrence.
	Delimiter string
	// MaxMismatch is the number of mismatching bases two UMIs of equal
	// length may have and still be merged.
	MaxMismatch int
	// Corrector, when non-nil, snaps every extracted UMI to a known UMI
	// before clustering.
	Corrector *SnapCorrector
}

// Cluster is one UMI sub-group. UMI is the anchor: the UMI of the largest
// exact-match bucket in the cluster.
type Cluster struct {
	UMI string
	// Members are indexes into the slice passed to Cluster, in increasing
	// order.
	Members []int
}

// Extract returns the UMI of a read name, or "" if the name does not
// contain the delimiter.
func (c *Clusterer) Extract(name string) string {
	i := strings.LastIndex(name, c.Delimiter)
	if c.Delimiter == "" || i < 0 {
		return ""
	}
	umi := strings.ToUpper(name[i+len(c.Delimiter):])
	if c.Corrector != nil {
		umi, _, _ = c.Corrector.CorrectUMI(umi)
	}
	return umi
}

// Within returns true if UMIs a and b have the same length and at most
// MaxMismatch mismatches.
func (c *Clusterer) Within(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	d, err := matchr.Hamming(a, b)
	return err == nil && d <= c.MaxMismatch
}

type bucket struct {
	umi     string
	members []int
}

// Cluster groups the given UMIs. Exact matches are bucketed first; buckets
// are then visited from largest to smallest, ties broken by UMI, and each
// is merged into the largest already accepted cluster whose anchor is
// within tolerance, or else starts a new cluster. The resulting partition
// does not depend on the order of umis.
func (c *Clusterer) Cluster(umis []string) []Cluster {
	byUMI := make(map[string]*bucket)
	var buckets []*bucket
	for i, u := range umis {
		b := byUMI[u]
		if b == nil {
			b = &bucket{umi: u}
			byUMI[u] = b
			buckets = append(buckets, b)
		}
		b.members = append(b.members, i)
	}
	sort.Slice(buckets, func(i, j int) bool {
		if len(buckets[i].members) != len(buckets[j].members) {
			return len(buckets[i].members) > len(buckets[j].members)
		}
		return buckets[i].umi < buckets[j].umi
	})

	var clusters []*Cluster
	for _, b := range buckets {
		var best *Cluster
		for _, cl := range clusters {
			if !c.Within(cl.UMI, b.umi) {
				continue
			}
			if best == nil || len(cl.Members) > len(best.Members) {
				best = cl
			}
		}
		if best == nil {
			best = &Cluster{UMI: b.umi}
			clusters = append(clusters, best)
		}
		best.Members = append(best.Members, b.members...)
	}

	result := make([]Cluster, len(clusters))
	for i, cl := range clusters {
		sort.Ints(cl.Members)
		result[i] = *cl
	}
	return result
}
