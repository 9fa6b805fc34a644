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

// WAL op tags of the mergers. Each op carries one upstream partial
// accumulator; the reducer folds it into the session accumulator.
const (
	opMergePeriodItems  = "merge_period_items"
	opMergeSemesterTPV  = "merge_semester_tpv"
	opMergeUserPurchase = "merge_user_purchases"
)

// mergePeriodItems folds a partial per-period accumulator into dst. Item
// names win over blanks so enriched partials survive merging with raw ones.
func mergePeriodItems(dst, src domain.TransactionItemsByPeriod) {
	for period, items := range src {
		acc := dst[period]
		if acc == nil {
			acc = make(map[int64]*domain.ItemPeriodStats)
			dst[period] = acc
		}
		for itemID, st := range items {
			cur := acc[itemID]
			if cur == nil {
				cur = &domain.ItemPeriodStats{}
				acc[itemID] = cur
			}
			cur.Quantity += st.Quantity
			cur.Amount += st.Amount
			if st.ItemName != "" {
				cur.ItemName = st.ItemName
			}
		}
	}
}

func mergeSemesterTPV(dst, src domain.SemesterTPVByStore) {
	for semester, stores := range src {
		acc := dst[semester]
		if acc == nil {
			acc = make(map[int64]*domain.StoreTPV)
			dst[semester] = acc
		}
		for storeID, tpv := range stores {
			cur := acc[storeID]
			if cur == nil {
				cur = &domain.StoreTPV{}
				acc[storeID] = cur
			}
			cur.Amount += tpv.Amount
			if tpv.StoreName != "" {
				cur.StoreName = tpv.StoreName
			}
		}
	}
}

// mergeUserPurchases folds a partial purchase-count accumulator into dst.
// The tx_router keeps (user, store) pairs disjoint across upstreams, so
// summing counts never double-counts.
func mergeUserPurchases(dst, src domain.UserPurchasesByStore) {
	for storeID, users := range src {
		acc := dst[storeID]
		if acc == nil {
			acc = make(map[int64]*domain.UserPurchases)
			dst[storeID] = acc
		}
		for userID, up := range users {
			cur := acc[userID]
			if cur == nil {
				cur = &domain.UserPurchases{}
				acc[userID] = cur
			}
			cur.Purchases += up.Purchases
			if up.Birthdate != "" {
				cur.Birthdate = up.Birthdate
			}
			if up.StoreName != "" {
				cur.StoreName = up.StoreName
			}
		}
	}
}

// merger folds whole upstream accumulators and re-emits the merged one at
// end of session. The fold itself lives in the state handler so WAL replay
// reproduces it exactly.
type merger struct {
	name    string
	handler session.StateHandler
	opType  string
	finish  func(state any) (json.RawMessage, error)
}

func (m *merger) Name() string                      { return m.name }
func (m *merger) Handler() session.StateHandler     { return m.handler }
func (m *merger) StartOfSession(_ *session.Session) {}

func (m *merger) OnBatch(b protocol.Batch, s *session.Session, _ worker.Emitter) error {
	for _, row := range b.Rows {
		var payload any
		if err := json.Unmarshal(row, &payload); err != nil {
			return fmt.Errorf("%w: partial accumulator: %v", domain.ErrBadPayload, err)
		}
		if err := s.Apply(m.handler, session.Op{"type": m.opType, "payload": payload}); err != nil {
			return err
		}
	}
	return nil
}

func (m *merger) EndOfSession(s *session.Session, em worker.Emitter) error {
	row, err := m.finish(s.Storage)
	if err != nil {
		return err
	}
	em.Emit(row)
	return nil
}

func newMergePeriodItem() worker.Operator {
	return &merger{
		name:    "merge_period_item",
		handler: periodItemMergeState{},
		opType:  opMergePeriodItems,
		finish: func(state any) (json.RawMessage, error) {
			return protocol.MarshalRow(state)
		},
	}
}

func newMergeSemesterTPV() worker.Operator {
	return &merger{
		name:    "merge_semester_tpv",
		handler: semesterMergeState{},
		opType:  opMergeSemesterTPV,
		finish: func(state any) (json.RawMessage, error) {
			return protocol.MarshalRow(state)
		},
	}
}

// newMergeTop3 merges enriched candidate sets and cuts the final top 3 per
// store: purchases desc, birthdate asc, then user_id.
func newMergeTop3() worker.Operator {
	return &merger{
		name:    "merge_top3",
		handler: userPurchasesMergeState{},
		opType:  opMergeUserPurchase,
		finish: func(state any) (json.RawMessage, error) {
			acc, ok := state.(domain.UserPurchasesByStore)
			if !ok {
				return nil, fmt.Errorf("%w: unexpected state %T", domain.ErrInternal, state)
			}
			out := make(domain.UserPurchasesByStore, len(acc))
			for storeID, users := range acc {
				out[storeID] = top3Users(users)
			}
			return protocol.MarshalRow(out)
		},
	}
}

func top3Users(users map[int64]*domain.UserPurchases) map[int64]*domain.UserPurchases {
	if len(users) <= 3 {
		return users
	}
	ids := make([]int64, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := users[ids[i]], users[ids[j]]
		if a.Purchases != b.Purchases {
			return a.Purchases > b.Purchases
		}
		if a.Birthdate != b.Birthdate {
			return a.Birthdate < b.Birthdate
		}
		return ids[i] < ids[j]
	})
	out := make(map[int64]*domain.UserPurchases, 3)
	for _, id := range ids[:3] {
		out[id] = users[id]
	}
	return out
}

type periodItemMergeState struct{ periodItemState }

func (periodItemMergeState) Reduce(state any, op session.Op) (any, error) {
	acc, ok := state.(domain.TransactionItemsByPeriod)
	if !ok {
		return state, fmt.Errorf("%w: unexpected state %T", domain.ErrInternal, state)
	}
	if op.Type() != opMergePeriodItems {
		return state, fmt.Errorf("%w: op %s", domain.ErrInvalidArgument, op.Type())
	}
	partial, err := decodeInto[domain.TransactionItemsByPeriod](op["payload"])
	if err != nil {
		return state, err
	}
	mergePeriodItems(acc, partial)
	return acc, nil
}

type semesterMergeState struct{ semesterState }

func (semesterMergeState) Reduce(state any, op session.Op) (any, error) {
	acc, ok := state.(domain.SemesterTPVByStore)
	if !ok {
		return state, fmt.Errorf("%w: unexpected state %T", domain.ErrInternal, state)
	}
	if op.Type() != opMergeSemesterTPV {
		return state, fmt.Errorf("%w: op %s", domain.ErrInvalidArgument, op.Type())
	}
	partial, err := decodeInto[domain.SemesterTPVByStore](op["payload"])
	if err != nil {
		return state, err
	}
	mergeSemesterTPV(acc, partial)
	return acc, nil
}

type userPurchasesMergeState struct{ userPurchasesState }

func (userPurchasesMergeState) Reduce(state any, op session.Op) (any, error) {
	acc, ok := state.(domain.UserPurchasesByStore)
	if !ok {
		return state, fmt.Errorf("%w: unexpected state %T", domain.ErrInternal, state)
	}
	if op.Type() != opMergeUserPurchase {
		return state, fmt.Errorf("%w: op %s", domain.ErrInvalidArgument, op.Type())
	}
	partial, err := decodeInto[domain.UserPurchasesByStore](op["payload"])
	if err != nil {
		return state, err
	}
	mergeUserPurchases(acc, partial)
	return acc, nil
}
