package sqlutil

import (
	"testing"
)

type intChunker []int

func (c intChunker) Len() int {
	return len(c)
}

func (c intChunker) Subslice(i, j int) Chunker {
	return c[i:j]
}

func TestChunkify(t *testing.T) {
	testCases := []struct {
		name           string
		numParams      int
		maxParams      int
		input          intChunker
		wantChunkSizes []int
	}{
		{
			name:           "fits in one chunk",
			numParams:      5,
			maxParams:      100,
			input:          make(intChunker, 20),
			wantChunkSizes: []int{20},
		},
		{
			name:           "splits evenly",
			numParams:      5,
			maxParams:      50,
			input:          make(intChunker, 30),
			wantChunkSizes: []int{10, 10, 10},
		},
		{
			name:           "remainder in last chunk",
			numParams:      5,
			maxParams:      50,
			input:          make(intChunker, 25),
			wantChunkSizes: []int{10, 10, 5},
		},
		{
			name:           "row bigger than limit still makes progress",
			numParams:      10,
			maxParams:      5,
			input:          make(intChunker, 3),
			wantChunkSizes: []int{1, 1, 1},
		},
	}
	for _, tc := range testCases {
		chunks := Chunkify(tc.numParams, tc.maxParams, tc.input)
		if len(chunks) != len(tc.wantChunkSizes) {
			t.Fatalf("%s: got %d chunks want %d", tc.name, len(chunks), len(tc.wantChunkSizes))
		}
		total := 0
		for i, c := range chunks {
			if c.Len() != tc.wantChunkSizes[i] {
				t.Errorf("%s: chunk %d got len %d want %d", tc.name, i, c.Len(), tc.wantChunkSizes[i])
			}
			total += c.Len()
		}
		if total != tc.input.Len() {
			t.Errorf("%s: chunks hold %d entries, want %d", tc.name, total, tc.input.Len())
		}
	}
}
