package operators

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/brewflow/internal/domain"
)

func TestSinkQ1EmitsBareArray(t *testing.T) {
	op := newSinkQ1()
	s := newOpSession(t, op, "s1")

	require.NoError(t, op.OnBatch(batchOf(t,
		tx("t1", 80.0, "2024-01-10T12:00"),
	), s, newStubEmitter()))

	em := newStubEmitter()
	require.NoError(t, op.EndOfSession(s, em))
	require.Contains(t, em.docs, "q1")

	var rows []q1Row
	require.NoError(t, json.Unmarshal(em.docs["q1"], &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, q1Row{TransactionID: "t1", FinalAmount: 80.0}, rows[0])
}

func TestSinkQ1ReplayEqualsOriginal(t *testing.T) {
	op := newSinkQ1()
	s := newOpSession(t, op, "s1")
	require.NoError(t, op.OnBatch(batchOf(t,
		tx("t1", 80.0, "2024-01-10T12:00"),
		tx("t2", 90.0, "2024-01-11T12:00"),
	), s, newStubEmitter()))

	replayed := replaySession(t, op, s)
	assert.Equal(t, s.Storage, replayed.Storage)
}

func TestSinkQ2PicksBestSellerAndTopEarner(t *testing.T) {
	op := newSinkQ2()
	s := newOpSession(t, op, "s1")

	require.NoError(t, op.OnBatch(batchOf(t, domain.TransactionItemsByPeriod{
		"2024-01": {
			1: {Quantity: 3, Amount: 30, ItemName: "Latte"},
			2: {Quantity: 1, Amount: 100, ItemName: "Espresso"},
		},
	}), s, newStubEmitter()))

	em := newStubEmitter()
	require.NoError(t, op.EndOfSession(s, em))
	require.Contains(t, em.docs, "q2")

	var doc struct {
		Query   string  `json:"query"`
		Results []q2Row `json:"results"`
	}
	require.NoError(t, json.Unmarshal(em.docs["q2"], &doc))
	assert.Equal(t, "q2", doc.Query)
	require.Len(t, doc.Results, 1)

	row := doc.Results[0]
	assert.Equal(t, "2024-01", row.Period)
	assert.Equal(t, int64(1), row.MostSoldProduct.ItemID)
	assert.Equal(t, "Latte", row.MostSoldProduct.ItemName)
	assert.Equal(t, int64(3), row.MostSoldProduct.Quantity)
	assert.Equal(t, int64(2), row.HighestRevenueProduct.ItemID)
	assert.Equal(t, "Espresso", row.HighestRevenueProduct.ItemName)
	assert.Equal(t, 100.0, row.HighestRevenueProduct.Revenue)
}

func TestSinkQ2TieGoesToLowestItemID(t *testing.T) {
	op := newSinkQ2()
	s := newOpSession(t, op, "s1")
	require.NoError(t, op.OnBatch(batchOf(t, domain.TransactionItemsByPeriod{
		"2024-01": {
			5: {Quantity: 3, Amount: 30, ItemName: "Mocha"},
			2: {Quantity: 3, Amount: 30, ItemName: "Espresso"},
		},
	}), s, newStubEmitter()))

	em := newStubEmitter()
	require.NoError(t, op.EndOfSession(s, em))
	var doc struct {
		Results []q2Row `json:"results"`
	}
	require.NoError(t, json.Unmarshal(em.docs["q2"], &doc))
	assert.Equal(t, int64(2), doc.Results[0].MostSoldProduct.ItemID)
	assert.Equal(t, int64(2), doc.Results[0].HighestRevenueProduct.ItemID)
}

func TestSinkQ2KeepsZeroQuantityAndRevenueOnTheWire(t *testing.T) {
	op := newSinkQ2()
	s := newOpSession(t, op, "s1")
	require.NoError(t, op.OnBatch(batchOf(t, domain.TransactionItemsByPeriod{
		"2024-01": {1: {Quantity: 2, Amount: 0, ItemName: "Water"}},
	}), s, newStubEmitter()))

	em := newStubEmitter()
	require.NoError(t, op.EndOfSession(s, em))

	// each product block carries only its own measure; the other stays an
	// explicit zero instead of disappearing from the document
	doc := string(em.docs["q2"])
	assert.Contains(t, doc, `"quantity":0`)
	assert.Contains(t, doc, `"revenue":0`)
}

func TestSinkQ3SortsBySemesterThenStoreName(t *testing.T) {
	op := newSinkQ3()
	s := newOpSession(t, op, "s1")

	require.NoError(t, op.OnBatch(batchOf(t, domain.SemesterTPVByStore{
		"2024-H2": {7: {StoreName: "S7", Amount: 250}},
		"2024-H1": {7: {StoreName: "S7", Amount: 100}},
	}), s, newStubEmitter()))

	em := newStubEmitter()
	require.NoError(t, op.EndOfSession(s, em))
	var doc struct {
		Results []q3Row `json:"results"`
	}
	require.NoError(t, json.Unmarshal(em.docs["q3"], &doc))
	require.Len(t, doc.Results, 2)
	assert.Equal(t, q3Row{Semester: "2024-H1", StoreID: 7, StoreName: "S7", TPV: 100.0}, doc.Results[0])
	assert.Equal(t, q3Row{Semester: "2024-H2", StoreID: 7, StoreName: "S7", TPV: 250.0}, doc.Results[1])
}

func TestSinkQ4TopThreeWithBirthdateTieBreak(t *testing.T) {
	op := newSinkQ4()
	s := newOpSession(t, op, "s1")

	// A 5, D 4, B and C tie at 3; B's birthdate is earlier
	require.NoError(t, op.OnBatch(batchOf(t, domain.UserPurchasesByStore{
		1: {
			100: {Purchases: 5, Birthdate: "1990-05-01", StoreName: "S1"},
			200: {Purchases: 3, Birthdate: "1985-02-10", StoreName: "S1"},
			300: {Purchases: 3, Birthdate: "1992-11-30", StoreName: "S1"},
			400: {Purchases: 4, Birthdate: "1988-07-04", StoreName: "S1"},
		},
	}), s, newStubEmitter()))

	em := newStubEmitter()
	require.NoError(t, op.EndOfSession(s, em))
	var doc struct {
		Results []q4Row `json:"results"`
	}
	require.NoError(t, json.Unmarshal(em.docs["q4"], &doc))
	require.Len(t, doc.Results, 3)
	assert.Equal(t, q4Row{StoreName: "S1", Birthdate: "1990-05-01", PurchasesQty: 5}, doc.Results[0])
	assert.Equal(t, q4Row{StoreName: "S1", Birthdate: "1988-07-04", PurchasesQty: 4}, doc.Results[1])
	assert.Equal(t, q4Row{StoreName: "S1", Birthdate: "1985-02-10", PurchasesQty: 3}, doc.Results[2],
		"third row is B, whose birthdate sorts first")
}

func TestSinkQ4SortsAcrossStores(t *testing.T) {
	op := newSinkQ4()
	s := newOpSession(t, op, "s1")
	require.NoError(t, op.OnBatch(batchOf(t, domain.UserPurchasesByStore{
		1: {100: {Purchases: 5, Birthdate: "1990-05-01", StoreName: "Centro"}},
		2: {200: {Purchases: 9, Birthdate: "1985-02-10", StoreName: "Avenida"}},
	}), s, newStubEmitter()))

	em := newStubEmitter()
	require.NoError(t, op.EndOfSession(s, em))
	var doc struct {
		Results []q4Row `json:"results"`
	}
	require.NoError(t, json.Unmarshal(em.docs["q4"], &doc))
	require.Len(t, doc.Results, 2)
	assert.Equal(t, "Avenida", doc.Results[0].StoreName, "store name ascends first")
}

func TestRegistryKnowsEveryModule(t *testing.T) {
	for _, name := range []string{
		"transform_transactions", "filter_amount", "router_tx",
		"agg_user_purchases", "merge_top3", "join_menu_items",
		"enrich_users", "sink_q4",
	} {
		op, err := New(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, op.Name())
	}

	_, err := New("grind_beans")
	assert.Error(t, err)
}
