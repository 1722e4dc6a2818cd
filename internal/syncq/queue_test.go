package syncq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueReplay(t *testing.T) {
	q, err := Open(t.TempDir())
	require.NoError(t, err)

	empty, err := q.Load()
	require.NoError(t, err)
	assert.Empty(t, empty)

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, q.Push(Command{Method: "POST", Path: "/v1/orders/buy", IdempotencyKey: key}))
	}

	outcomes := map[string]Outcome{"a": Applied, "b": Retry, "c": Rejected}
	var seen []string
	res, err := q.Replay(func(c Command) Outcome {
		seen = append(seen, c.IdempotencyKey)
		return outcomes[c.IdempotencyKey]
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, seen, "replay keeps queue order")
	assert.Equal(t, ReplayResult{Applied: 1, Rejected: 1, Remaining: 1}, res)

	left, err := q.Load()
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "b", left[0].IdempotencyKey)
}
