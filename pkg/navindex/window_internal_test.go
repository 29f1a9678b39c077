package navindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWindowBoundsCentering(t *testing.T) {
	t.Parallel()

	const (
		total    = int64(24424)
		pageSize = int64(20)
	)

	tests := []struct {
		name      string
		pos       int64
		wantStart int64
		wantEnd   int64
	}{
		{name: "deep in the middle", pos: 24339, wantStart: 24329, wantEnd: 24349},
		{name: "near the head shifts right", pos: 5, wantStart: 0, wantEnd: 20},
		{name: "at the tail shifts left", pos: 24423, wantStart: 24403, wantEnd: 24423},
		{name: "first element", pos: 0, wantStart: 0, wantEnd: 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			start, end := windowBounds(tt.pos, total, pageSize)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantEnd, end)

			// The window always spans min(pageSize+1, total) ranks and
			// contains the requested position.
			assert.Equal(t, pageSize+1, end-start+1)
			assert.GreaterOrEqual(t, tt.pos, start)
			assert.LessOrEqual(t, tt.pos, end)
		})
	}
}

func TestWindowBoundsSmallSets(t *testing.T) {
	t.Parallel()

	// Fewer elements than the window: the whole set is returned.
	start, end := windowBounds(2, 5, 20)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(4), end)

	// Empty set yields an empty window.
	start, end = windowBounds(0, 0, 20)
	assert.Greater(t, start, end)
}

func TestNameScoreOrdersPrefixes(t *testing.T) {
	t.Parallel()

	assert.Less(t, nameScore("alpha"), nameScore("beta"))
	assert.Less(t, nameScore("Alpha"), nameScore("beta")) // Case-insensitive.
	assert.Equal(t, nameScore("longnameA"), nameScore("longnameB")) // Prefix ties resolve by id.
}
