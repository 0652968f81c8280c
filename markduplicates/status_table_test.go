package markduplicates

import (
	"sort"
	"sync"
	"testing"

	"github.com/grailbio/streamdup/fragment"
	"github.com/stretchr/testify/assert"
)

func TestStatusTable(t *testing.T) {
	st := newStatusTable()
	_, ok := st.Get("a")
	assert.False(t, ok)

	dup := fragment.Resolution{Status: fragment.Duplicate, GroupID: 7, GroupSize: 3}
	st.WriteStatus("a", fragment.Resolution{Status: fragment.Supplementary}, 4)
	st.WriteStatus("a", dup, 4)
	res, ok := st.Get("a")
	assert.True(t, ok)
	assert.Equal(t, dup, res)

	// Terminal resolutions are never replaced.
	st.WriteStatus("a", fragment.Resolution{Status: fragment.Unclear}, 5)
	st.WriteStatus("a", fragment.Resolution{Status: fragment.None}, 5)
	res, _ = st.Get("a")
	assert.Equal(t, dup, res)

	st.WriteStatus("b", fragment.Resolution{Status: fragment.Primary, GroupID: 7, GroupSize: 3}, 1)
	st.WriteStatus("c", fragment.Resolution{Status: fragment.Primary, GroupID: 9, GroupSize: 2}, 1)
	st.WriteStatus("d", fragment.Resolution{Status: fragment.None}, 1)
	assert.Equal(t, 4, st.Len())
	assert.Equal(t, []string{"a", "b", "c", "d"}, st.names())

	sizes := st.groupSizes()
	sort.Float64s(sizes)
	assert.Equal(t, []float64{2, 3}, sizes)
}

func TestStatusTableConcurrent(t *testing.T) {
	st := newStatusTable()
	names := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j, name := range names {
				st.WriteStatus(name, fragment.Resolution{Status: fragment.Unclear}, i)
				st.WriteStatus(name, fragment.Resolution{Status: fragment.Primary, GroupID: uint64(j + 1), GroupSize: 2}, i)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, len(names), st.Len())
	for j, name := range names {
		res, ok := st.Get(name)
		assert.True(t, ok)
		assert.Equal(t, fragment.Primary, res.Status)
		assert.Equal(t, uint64(j+1), res.GroupID)
	}
	assert.Len(t, st.groupSizes(), len(names))
}
