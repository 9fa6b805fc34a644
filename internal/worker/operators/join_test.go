package operators

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/brewflow/internal/domain"
	"github.com/fairyhunter13/brewflow/internal/protocol"
	"github.com/fairyhunter13/brewflow/internal/worker"
)

func TestJoinMenuItemsAttachesNames(t *testing.T) {
	op := newJoinMenuItems().(worker.ReferenceOperator)
	s := newOpSession(t, op, "s1")

	assert.False(t, op.ReferenceReady(s))
	require.NoError(t, op.OnReferenceBatch(batchOf(t,
		domain.MenuItem{ItemID: 1, ItemName: "Latte"},
		domain.MenuItem{ItemID: 2, ItemName: "Espresso"},
	), s))
	assert.False(t, op.ReferenceReady(s), "table alone does not complete the reference")
	require.NoError(t, op.OnReferenceBatch(protocol.EOFBatch(), s))
	assert.True(t, op.ReferenceReady(s))

	em := newStubEmitter()
	require.NoError(t, op.OnBatch(batchOf(t, domain.TransactionItemsByPeriod{
		"2024-01": {1: {Quantity: 3, Amount: 30}, 2: {Quantity: 1, Amount: 100}},
	}), s, em))
	require.Len(t, em.rows, 1)

	out, err := protocol.Rows[domain.TransactionItemsByPeriod](protocol.Batch{Rows: em.rows})
	require.NoError(t, err)
	assert.Equal(t, "Latte", out[0]["2024-01"][1].ItemName)
	assert.Equal(t, "Espresso", out[0]["2024-01"][2].ItemName)
}

func TestJoinStoresReplaySurvivesRecovery(t *testing.T) {
	op := newJoinStores().(worker.ReferenceOperator)
	s := newOpSession(t, op, "s1")
	require.NoError(t, op.OnReferenceBatch(batchOf(t, domain.Store{StoreID: 7, StoreName: "S7"}), s))
	require.NoError(t, op.OnReferenceBatch(protocol.EOFBatch(), s))

	replayed := replaySession(t, op, s)
	assert.True(t, op.ReferenceReady(replayed))

	em := newStubEmitter()
	require.NoError(t, op.OnBatch(batchOf(t, domain.SemesterTPVByStore{
		"2024-H1": {7: {Amount: 100}},
	}), replayed, em))
	out, err := protocol.Rows[domain.SemesterTPVByStore](protocol.Batch{Rows: em.rows})
	require.NoError(t, err)
	assert.Equal(t, "S7", out[0]["2024-H1"][7].StoreName)
}

func TestEnrichUsersRecordsOnlyRequiredUsers(t *testing.T) {
	op := newEnrichUsers().(worker.ReferenceOperator)
	s := newOpSession(t, op, "s1")

	// reference stream: the aggregated purchase counts
	require.NoError(t, op.OnReferenceBatch(batchOf(t, domain.UserPurchasesByStore{
		1: {42: {Purchases: 5}},
	}), s))
	require.NoError(t, op.OnReferenceBatch(protocol.EOFBatch(), s))
	require.True(t, op.ReferenceReady(s))

	// main stream: the full users table
	require.NoError(t, op.OnBatch(batchOf(t,
		domain.User{UserID: 42, Birthdate: "1990-05-01"},
		domain.User{UserID: 999, Birthdate: "2000-01-01"},
	), s, newStubEmitter()))

	st := s.Storage.(*enrichState)
	assert.Equal(t, "1990-05-01", st.Purchases[1][42].Birthdate)

	// only the required user produced a WAL op besides the reference ops
	attached := 0
	for _, staged := range s.PendingOps {
		if staged.Type() == opAttachBirth {
			attached++
		}
	}
	assert.Equal(t, 1, attached)
}

func TestEnrichUsersEmitsEnrichedAggregateAtEnd(t *testing.T) {
	op := newEnrichUsers().(worker.ReferenceOperator)
	s := newOpSession(t, op, "s1")
	require.NoError(t, op.OnReferenceBatch(batchOf(t, domain.UserPurchasesByStore{
		1: {42: {Purchases: 5}, 43: {Purchases: 2}},
	}), s))
	require.NoError(t, op.OnReferenceBatch(protocol.EOFBatch(), s))
	require.NoError(t, op.OnBatch(batchOf(t,
		domain.User{UserID: 42, Birthdate: "1990-05-01"},
		domain.User{UserID: 43, Birthdate: "1985-02-10"},
	), s, newStubEmitter()))

	em := newStubEmitter()
	require.NoError(t, op.EndOfSession(s, em))
	require.Len(t, em.rows, 1)

	out, err := protocol.Rows[domain.UserPurchasesByStore](protocol.Batch{Rows: em.rows})
	require.NoError(t, err)
	assert.Equal(t, "1990-05-01", out[0][1][42].Birthdate)
	assert.Equal(t, int64(5), out[0][1][42].Purchases)
	assert.Equal(t, "1985-02-10", out[0][1][43].Birthdate)
}

func TestEnrichUsersReplayRebuildsIndex(t *testing.T) {
	op := newEnrichUsers().(worker.ReferenceOperator)
	s := newOpSession(t, op, "s1")
	require.NoError(t, op.OnReferenceBatch(batchOf(t, domain.UserPurchasesByStore{
		1: {42: {Purchases: 5}},
	}), s))

	replayed := replaySession(t, op, s)
	require.NoError(t, op.OnBatch(batchOf(t,
		domain.User{UserID: 42, Birthdate: "1990-05-01"},
	), replayed, newStubEmitter()))

	st := replayed.Storage.(*enrichState)
	assert.Equal(t, "1990-05-01", st.Purchases[1][42].Birthdate)
}
