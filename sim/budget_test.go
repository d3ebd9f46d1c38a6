package sim

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSchedulingBudget_AddTokens_IsIdempotentPerRequestID(t *testing.T) {
	b := NewSchedulingBudget(100, 10)

	b.AddTokens("req-1", 20)
	b.AddTokens("req-1", 20) // second add for the same id must be a no-op

	require.Equal(t, int64(20), b.NumBatchedTokens())
	require.Equal(t, int64(80), b.RemainingTokenBudget())
}

func TestSchedulingBudget_SubtractTokens_UndoesOnlyWhatWasCounted(t *testing.T) {
	b := NewSchedulingBudget(100, 10)
	b.AddTokens("req-1", 20)

	b.SubtractTokens("req-2", 999) // never added; must be a no-op
	b.SubtractTokens("req-1", 20)

	require.Equal(t, int64(0), b.NumBatchedTokens())
}

func TestSchedulingBudget_CanSchedule_RespectsBothCaps(t *testing.T) {
	b := NewSchedulingBudget(100, 2)
	b.AddTokens("req-1", 90)
	b.AddSeqs("req-1", 2)

	require.False(t, b.CanSchedule(20, 0), "token cap exceeded")
	require.True(t, b.CanSchedule(10, 0))
	require.False(t, b.CanSchedule(0, 1), "seq cap exceeded")
}

func TestPartialSwapTable_SmallestSetAtLeast_FindsMinimalPrefix(t *testing.T) {
	table := NewPartialSwapTable()
	table.Insert("a", 4, &SequenceGroup{RequestID: "a"})
	table.Insert("b", 2, &SequenceGroup{RequestID: "b"})
	table.Insert("c", 5, &SequenceGroup{RequestID: "c"})

	// sorted ascending: b(2), a(4), c(5); prefix sums: 2, 6, 11
	set := table.SmallestSetAtLeast(5)

	require.Len(t, set, 2)
	require.Equal(t, "b", set[0].RequestID)
	require.Equal(t, "a", set[1].RequestID)
}

func TestPartialSwapTable_SmallestSetAtLeast_NilWhenUnreachable(t *testing.T) {
	table := NewPartialSwapTable()
	table.Insert("a", 1, &SequenceGroup{RequestID: "a"})

	require.Nil(t, table.SmallestSetAtLeast(100))
}

func TestPartialSwapTable_RemoveThenQuery_ExcludesRemoved(t *testing.T) {
	table := NewPartialSwapTable()
	table.Insert("a", 4, &SequenceGroup{RequestID: "a"})
	table.Insert("b", 4, &SequenceGroup{RequestID: "b"})

	table.Remove("a")

	set := table.SmallestSetAtLeast(4)
	require.Len(t, set, 1)
	require.Equal(t, "b", set[0].RequestID)
}
