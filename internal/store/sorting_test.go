package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortedCopy_SortsAscendingAndDoesNotMutateInput(t *testing.T) {
	input := []int64{5, 1, 3, 2, 4}
	out := sortedCopy(input)

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, out)
	assert.Equal(t, []int64{5, 1, 3, 2, 4}, input, "input slice must not be mutated")
}

func TestSortedCopy_Empty(t *testing.T) {
	out := sortedCopy(nil)
	assert.Empty(t, out)
}
