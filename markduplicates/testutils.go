package markduplicates

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/dgryski/go-farm"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/streamdup/encoding/bamprovider"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type TestRecord struct {
	R              *sam.Record
	DupFlag        bool
	ExpectedAuxs   []sam.Aux
	UnexpectedTags []sam.Tag
}

type TestCase struct {
	TRecords []TestRecord
	Opts     Opts
}

func NewRecord(name string, ref *sam.Reference, pos int, flags sam.Flags, matePos int, mateRef *sam.Reference, cigar sam.Cigar) *sam.Record {
	r := sam.GetFromFreePool()
	r.Name = name
	r.Ref = ref
	r.Pos = pos
	r.MatePos = matePos
	r.MateRef = mateRef
	r.Flags = flags
	r.Cigar = cigar
	r.AuxFields = nil
	return r
}

func NewRecordSeq(name string, ref *sam.Reference, pos int, flags sam.Flags, matePos int, mateRef *sam.Reference,
	cigar sam.Cigar, seq, qual string) *sam.Record {
	if len(seq) != len(qual) {
		panic("seq and qual must be equal length")
	}
	r := NewRecord(name, ref, pos, flags, matePos, mateRef, cigar)
	r.Seq = sam.NewSeq([]byte(seq))
	r.Qual = []byte(qual)
	return r
}

func NewRecordAux(name string, ref *sam.Reference, pos int, flags sam.Flags, matePos int, mateRef *sam.Reference,
	cigar sam.Cigar, aux ...sam.Aux) *sam.Record {
	r := NewRecord(name, ref, pos, flags, matePos, mateRef, cigar)
	r.AuxFields = append(r.AuxFields, aux...)
	return r
}

func NewAux(name string, val interface{}) sam.Aux {
	aux, err := sam.NewAux(sam.NewTag(name), val)
	if err != nil {
		panic(fmt.Sprintf("error creating %s %v tag: %v", name, val, err))
	}
	return aux
}

// DI returns the DI tag of a duplicate group whose primary fragment is
// named primary.
func DI(primary string) sam.Aux {
	return NewAux("DI", strconv.FormatUint(farm.Fingerprint64([]byte(primary)), 10))
}

// RunMark marks recs with opts and returns the records written.
func RunMark(t *testing.T, header *sam.Header, recs []*sam.Record, opts Opts, outputPath string) (*MetricsCollection, []*sam.Record) {
	opts.OutputPath = outputPath
	markDuplicates := &MarkDuplicates{
		Provider: bamprovider.NewFakeProvider(header, recs),
		Opts:     &opts,
	}
	metrics, err := markDuplicates.Mark(nil)
	require.NoError(t, err)
	return metrics, ReadRecords(t, outputPath)
}

func RunTestCases(t *testing.T, header *sam.Header, cases []TestCase) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	for testIdx, test := range cases {
		t.Logf("---- starting TestCase[%d] ----", testIdx)
		testrecords := make([]*sam.Record, 0, len(test.TRecords))
		for _, tr := range test.TRecords {
			testrecords = append(testrecords, tr.R)
		}
		for i, r := range testrecords {
			t.Logf("input[%v]: %v begin %d end %d", i, r, r.Start(), r.End())
		}

		_, actualRecords := RunMark(t, header, testrecords, test.Opts, NewTestOutput(tempDir, testIdx))
		require.Equal(t, len(test.TRecords), len(actualRecords))
		for i, r := range actualRecords {
			t.Logf("output[%v]: %v", i, r)
			assert.Equal(t, test.TRecords[i].R.Name, r.Name, "case %d record %d", testIdx, i)
			assert.Equal(t, test.TRecords[i].DupFlag, r.Flags&sam.Duplicate != 0,
				"case %d: duplicate flag of %s is wrong", testIdx, r.Name)

			// Verify that exactly one of each expected tag exists, and has the right value.
			for _, expectedAux := range test.TRecords[i].ExpectedAuxs {
				found := 0
				for _, aux := range r.AuxFields {
					if aux[0] == expectedAux.Tag()[0] && aux[1] == expectedAux.Tag()[1] {
						assert.Equal(t, expectedAux, aux, "case %d: %s", testIdx, r.Name)
						found++
					}
				}
				assert.Equal(t, 1, found, "case %d: incorrect number of %s tags on %s, expected 1, got %d",
					testIdx, expectedAux.Tag(), r.Name, found)
			}
			// Verify that these tags do not exist.
			for _, negTag := range test.TRecords[i].UnexpectedTags {
				actual, ok := r.Tag([]byte{negTag[0], negTag[1]})
				assert.False(t, ok, "case %d: expected tag to be absent on %s, but it exists: %v", testIdx, r.Name, actual)
			}
		}
	}
}

// NewTestOutput returns the output path of the index'th test case.
func NewTestOutput(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("%d.bam", index))
}

// ReadRecords reads the records from path and returns them as a slice, in order.
func ReadRecords(t *testing.T, path string) []*sam.Record {
	// BAM files produced by this test don't have indexes, so read them using
	// the raw reader.
	in, err := os.Open(path)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, in.Close())
	}()
	reader, err := bam.NewReader(in, 1)
	require.NoError(t, err)
	records := make([]*sam.Record, 0)
	for {
		r, err := reader.Read()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		records = append(records, r)
	}
	return records
}
