package operators

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fairyhunter13/brewflow/internal/domain"
	"github.com/fairyhunter13/brewflow/internal/protocol"
	"github.com/fairyhunter13/brewflow/internal/session"
	"github.com/fairyhunter13/brewflow/internal/worker"
)

const opCollectTx = "collect_tx"

// queryDoc is the envelope of the Q2/Q3/Q4 artifacts. Q1 ships a bare
// array.
type queryDoc struct {
	Query       string `json:"query"`
	Description string `json:"description"`
	Results     any    `json:"results"`
}

// sink folds final per-session payloads and, on flush, formats the query
// artifact and publishes it atomically on the results exchange under the
// query name.
type sink struct {
	name        string
	query       string
	description string
	handler     session.StateHandler
	collect     func(b protocol.Batch, s *session.Session, h session.StateHandler) error
	format      func(state any) (any, error)
}

func (k *sink) Name() string                      { return k.name }
func (k *sink) Handler() session.StateHandler     { return k.handler }
func (k *sink) StartOfSession(_ *session.Session) {}

func (k *sink) OnBatch(b protocol.Batch, s *session.Session, _ worker.Emitter) error {
	return k.collect(b, s, k.handler)
}

func (k *sink) EndOfSession(s *session.Session, em worker.Emitter) error {
	results, err := k.format(s.Storage)
	if err != nil {
		return err
	}
	var doc []byte
	if k.description == "" {
		doc, err = json.Marshal(results)
	} else {
		doc, err = json.Marshal(queryDoc{Query: k.query, Description: k.description, Results: results})
	}
	if err != nil {
		return fmt.Errorf("marshal %s artifact: %w", k.query, err)
	}
	return em.EmitDocument(k.query, doc)
}

// collectMerge records each incoming row as one merge op against the
// sink's accumulator handler.
func collectMerge(opType string) func(protocol.Batch, *session.Session, session.StateHandler) error {
	return func(b protocol.Batch, s *session.Session, h session.StateHandler) error {
		for _, row := range b.Rows {
			var payload any
			if err := json.Unmarshal(row, &payload); err != nil {
				return fmt.Errorf("%w: accumulator: %v", domain.ErrBadPayload, err)
			}
			if err := s.Apply(h, session.Op{"type": opType, "payload": payload}); err != nil {
				return err
			}
		}
		return nil
	}
}

// q1Row is one Q1 result line.
type q1Row struct {
	TransactionID string  `json:"transaction_id"`
	FinalAmount   float64 `json:"final_amount"`
}

type q1State struct{}

func (q1State) NewState() any { return []q1Row{} }

func (q1State) Reduce(state any, op session.Op) (any, error) {
	rows, ok := state.([]q1Row)
	if !ok {
		return state, fmt.Errorf("%w: unexpected state %T", domain.ErrInternal, state)
	}
	if op.Type() != opCollectTx {
		return state, fmt.Errorf("%w: op %s", domain.ErrInvalidArgument, op.Type())
	}
	more, err := decodeInto[[]q1Row](op["payload"])
	if err != nil {
		return state, err
	}
	return append(rows, more...), nil
}

func (q1State) DecodeState(raw json.RawMessage) (any, error) {
	var rows []q1Row
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []q1Row{}
	}
	return rows, nil
}

// newSinkQ1 collects the surviving transactions and ships them as a bare
// array of {transaction_id, final_amount}.
func newSinkQ1() worker.Operator {
	return &sink{
		name:    "sink_q1",
		query:   "q1",
		handler: q1State{},
		collect: func(b protocol.Batch, s *session.Session, h session.StateHandler) error {
			txs, err := protocol.Rows[domain.Transaction](b)
			if err != nil {
				return err
			}
			rows := make([]q1Row, 0, len(txs))
			for _, tx := range txs {
				rows = append(rows, q1Row{TransactionID: tx.ID, FinalAmount: tx.FinalAmount})
			}
			return s.Apply(h, session.Op{"type": opCollectTx, "payload": rows})
		},
		format: func(state any) (any, error) {
			rows, ok := state.([]q1Row)
			if !ok {
				return nil, fmt.Errorf("%w: unexpected state %T", domain.ErrInternal, state)
			}
			return rows, nil
		},
	}
}

type q2Product struct {
	ItemID   int64   `json:"item_id"`
	ItemName string  `json:"item_name"`
	Quantity int64   `json:"quantity"`
	Revenue  float64 `json:"revenue"`
}

type q2Row struct {
	Period                string    `json:"period"`
	MostSoldProduct       q2Product `json:"most_sold_product"`
	HighestRevenueProduct q2Product `json:"highest_revenue_product"`
}

// newSinkQ2 picks, per year-month, the best seller by quantity and the top
// earner by revenue. Ties go to the lowest item_id.
func newSinkQ2() worker.Operator {
	return &sink{
		name:        "sink_q2",
		query:       "q2",
		description: "Best selling and highest grossing product per month, 2024-2025",
		handler:     periodItemMergeState{},
		collect:     collectMerge(opMergePeriodItems),
		format: func(state any) (any, error) {
			acc, ok := state.(domain.TransactionItemsByPeriod)
			if !ok {
				return nil, fmt.Errorf("%w: unexpected state %T", domain.ErrInternal, state)
			}
			periods := make([]string, 0, len(acc))
			for period := range acc {
				periods = append(periods, period)
			}
			sort.Strings(periods)
			rows := make([]q2Row, 0, len(periods))
			for _, period := range periods {
				items := acc[period]
				ids := make([]int64, 0, len(items))
				for id := range items {
					ids = append(ids, id)
				}
				sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
				row := q2Row{Period: period}
				var bestQty int64 = -1
				bestRev := -1.0
				for _, id := range ids {
					st := items[id]
					if st.Quantity > bestQty {
						bestQty = st.Quantity
						row.MostSoldProduct = q2Product{ItemID: id, ItemName: st.ItemName, Quantity: st.Quantity}
					}
					if st.Amount > bestRev {
						bestRev = st.Amount
						row.HighestRevenueProduct = q2Product{ItemID: id, ItemName: st.ItemName, Revenue: st.Amount}
					}
				}
				rows = append(rows, row)
			}
			return rows, nil
		},
	}
}

type q3Row struct {
	Semester  string  `json:"semester"`
	StoreID   int64   `json:"store_id"`
	StoreName string  `json:"store_name"`
	TPV       float64 `json:"tpv"`
}

// newSinkQ3 lists per-semester total payment value per store, sorted by
// semester then store name.
func newSinkQ3() worker.Operator {
	return &sink{
		name:        "sink_q3",
		query:       "q3",
		description: "Total payment value per store per half-year, 2024-2025",
		handler:     semesterMergeState{},
		collect:     collectMerge(opMergeSemesterTPV),
		format: func(state any) (any, error) {
			acc, ok := state.(domain.SemesterTPVByStore)
			if !ok {
				return nil, fmt.Errorf("%w: unexpected state %T", domain.ErrInternal, state)
			}
			rows := make([]q3Row, 0)
			for semester, stores := range acc {
				for storeID, tpv := range stores {
					rows = append(rows, q3Row{Semester: semester, StoreID: storeID, StoreName: tpv.StoreName, TPV: tpv.Amount})
				}
			}
			sort.Slice(rows, func(i, j int) bool {
				if rows[i].Semester != rows[j].Semester {
					return rows[i].Semester < rows[j].Semester
				}
				return rows[i].StoreName < rows[j].StoreName
			})
			return rows, nil
		},
	}
}

type q4Row struct {
	StoreName    string `json:"store_name"`
	Birthdate    string `json:"birthdate"`
	PurchasesQty int64  `json:"purchases_qty"`
}

// newSinkQ4 lists the top three buyers per store with their birthdays.
// Sort is store name asc, purchases desc, birthdate asc.
func newSinkQ4() worker.Operator {
	return &sink{
		name:        "sink_q4",
		query:       "q4",
		description: "Top 3 customers by purchase count per store, 2024-2025",
		handler:     userPurchasesMergeState{},
		collect:     collectMerge(opMergeUserPurchase),
		format: func(state any) (any, error) {
			acc, ok := state.(domain.UserPurchasesByStore)
			if !ok {
				return nil, fmt.Errorf("%w: unexpected state %T", domain.ErrInternal, state)
			}
			rows := make([]q4Row, 0)
			for _, users := range acc {
				for _, up := range top3Users(users) {
					rows = append(rows, q4Row{StoreName: up.StoreName, Birthdate: up.Birthdate, PurchasesQty: up.Purchases})
				}
			}
			sort.Slice(rows, func(i, j int) bool {
				if rows[i].StoreName != rows[j].StoreName {
					return rows[i].StoreName < rows[j].StoreName
				}
				if rows[i].PurchasesQty != rows[j].PurchasesQty {
					return rows[i].PurchasesQty > rows[j].PurchasesQty
				}
				return rows[i].Birthdate < rows[j].Birthdate
			})
			return rows, nil
		},
	}
}
