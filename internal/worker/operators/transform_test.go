package operators

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/brewflow/internal/domain"
	"github.com/fairyhunter13/brewflow/internal/protocol"
)

func TestTransformTransactions(t *testing.T) {
	op := newTransformTransactions()
	s := newOpSession(t, op, "s1")
	em := newStubEmitter()

	b := batchOf(t,
		rawRow{"transaction_id": "t1", "store_id": "7", "user_id": "42", "final_amount": "80.5", "created_at": "2024-01-10 12:00:00"},
		rawRow{"transaction_id": "t2", "store_id": "7", "user_id": "", "final_amount": "10", "created_at": "2024-01-10T13:00:00"},
	)
	require.NoError(t, op.OnBatch(b, s, em))
	require.Len(t, em.rows, 2)

	txs, err := protocol.Rows[domain.Transaction](protocol.Batch{Rows: em.rows})
	require.NoError(t, err)

	require.NotNil(t, txs[0].UserID)
	assert.Equal(t, int64(42), *txs[0].UserID)
	assert.Equal(t, 80.5, txs[0].FinalAmount)
	assert.Equal(t, 12, txs[0].CreatedAt.Hour())

	assert.Nil(t, txs[1].UserID, "blank user_id marks an anonymous purchase")
}

func TestTransformTransactionsRejectsMissingID(t *testing.T) {
	op := newTransformTransactions()
	s := newOpSession(t, op, "s1")

	b := batchOf(t, rawRow{"transaction_id": " ", "store_id": "7", "final_amount": "80", "created_at": "2024-01-10 12:00:00"})
	err := op.OnBatch(b, s, newStubEmitter())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrBadPayload))
}

func TestTransformTransactionsRejectsBadAmount(t *testing.T) {
	op := newTransformTransactions()
	s := newOpSession(t, op, "s1")

	b := batchOf(t, rawRow{"transaction_id": "t1", "store_id": "7", "final_amount": "lots", "created_at": "2024-01-10 12:00:00"})
	err := op.OnBatch(b, s, newStubEmitter())
	assert.True(t, errors.Is(err, domain.ErrBadPayload))
}

func TestParseTimeLayouts(t *testing.T) {
	for _, in := range []string{
		"2024-01-10T12:00:00Z",
		"2024-01-10 12:00:00",
		"2024-01-10T12:00:00",
	} {
		ts, err := parseTime(in)
		require.NoError(t, err, in)
		assert.Equal(t, 12, ts.Hour(), in)
	}

	ts, err := parseTime("2024-01-10")
	require.NoError(t, err)
	assert.Equal(t, "2024-01", domain.PeriodOf(ts))

	_, err = parseTime("10/01/2024")
	assert.True(t, errors.Is(err, domain.ErrBadPayload))
}

func TestTransformStoresAndMenuItems(t *testing.T) {
	stores := newTransformStores()
	s := newOpSession(t, stores, "s1")
	em := newStubEmitter()
	require.NoError(t, stores.OnBatch(batchOf(t, rawRow{"store_id": "7", "store_name": "S7"}), s, em))

	parsed, err := protocol.Rows[domain.Store](protocol.Batch{Rows: em.rows})
	require.NoError(t, err)
	assert.Equal(t, domain.Store{StoreID: 7, StoreName: "S7"}, parsed[0])

	menu := newTransformMenuItems()
	s2 := newOpSession(t, menu, "s1")
	em2 := newStubEmitter()
	require.NoError(t, menu.OnBatch(batchOf(t, rawRow{"item_id": "1", "item_name": "Latte"}), s2, em2))

	items, err := protocol.Rows[domain.MenuItem](protocol.Batch{Rows: em2.rows})
	require.NoError(t, err)
	assert.Equal(t, domain.MenuItem{ItemID: 1, ItemName: "Latte"}, items[0])
}
