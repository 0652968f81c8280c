package umi

import (
	"math/rand"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	c := &Clusterer{Delimiter: ":"}
	assert.Equal(t, "ACGT", c.Extract("M01:1:2:acgt"))
	assert.Equal(t, "", c.Extract("M01"))
	assert.Equal(t, "", (&Clusterer{}).Extract("M01:ACGT"))

	corrector, err := NewSnapCorrector([]byte("AAA\nCCC"))
	require.NoError(t, err)
	c = &Clusterer{Delimiter: "_", Corrector: corrector}
	assert.Equal(t, "AAA", c.Extract("read_AAT"))
}

// partition returns the clusters as sorted sets of UMI strings, so that two
// clusterings of differently ordered input can be compared.
func partition(umis []string, clusters []Cluster) []string {
	var sets []string
	for _, cl := range clusters {
		var s []string
		for _, m := range cl.Members {
			s = append(s, umis[m])
		}
		sort.Strings(s)
		sets = append(sets, cl.UMI+"="+strings.Join(s, ","))
	}
	sort.Strings(sets)
	return sets
}

func TestCluster(t *testing.T) {
	c := &Clusterer{MaxMismatch: 1}
	tests := []struct {
		umis []string
		want []string
	}{
		{[]string{"AAAA"}, []string{"AAAA=AAAA"}},
		{[]string{"AAAA", "AAAA", "AAAT"}, []string{"AAAA=AAAA,AAAA,AAAT"}},
		// Different lengths never match.
		{[]string{"AAAA", "AAA"}, []string{"AAA=AAA", "AAAA=AAAA"}},
		// AATT is two mismatches from the anchor AAAA, even though it is one
		// from AAAT.
		{[]string{"AAAA", "AAAA", "AAAT", "AATT"}, []string{"AAAA=AAAA,AAAA,AAAT", "AATT=AATT"}},
		// ACCC matches both anchors; the larger cluster wins.
		{[]string{"CCCC", "AACC", "CCCC", "ACCC", "AACC", "CCCC"},
			[]string{"AACC=AACC,AACC", "CCCC=ACCC,CCCC,CCCC,CCCC"}},
	}
	for i, test := range tests {
		assert.Equal(t, test.want, partition(test.umis, c.Cluster(test.umis)), "test %d", i)
	}
}

func TestClusterMembers(t *testing.T) {
	c := &Clusterer{MaxMismatch: 0}
	clusters := c.Cluster([]string{"GG", "AA", "GG", "AA", "AA"})
	require.Len(t, clusters, 2)
	assert.Equal(t, Cluster{UMI: "AA", Members: []int{1, 3, 4}}, clusters[0])
	assert.Equal(t, Cluster{UMI: "GG", Members: []int{0, 2}}, clusters[1])
}

func TestClusterOrderIndependent(t *testing.T) {
	c := &Clusterer{MaxMismatch: 1}
	umis := []string{
		"ACGT", "ACGT", "ACGA", "ACGA", "TCGA", "TCGT", "GGGG", "GGGC", "GGCC",
		"ACGT", "TTTT", "TTTA", "CCGA", "", "",
	}
	want := partition(umis, c.Cluster(umis))
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		shuffled := append([]string(nil), umis...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		assert.Equal(t, want, partition(shuffled, c.Cluster(shuffled)))
	}
}
