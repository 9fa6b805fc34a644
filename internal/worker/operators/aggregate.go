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

// WAL op tags of the aggregators.
const (
	opAggregateItem     = "aggregate_item"
	opAggregateSemester = "aggregate_semester"
	opIncrementPurchase = "increment_user_purchase"
)

// topCandidates bounds the per-store candidate set the purchase aggregator
// ships to the merger; the merger cuts the final top 3. Generously above 3
// so cross-shard ties survive the first cut.
const topCandidates = 35

// decodeInto re-marshals a reduced op payload into its typed form.
func decodeInto[T any](v any) (T, error) {
	var out T
	raw, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: payload: %v", domain.ErrBadPayload, err)
	}
	return out, nil
}

// aggPeriodItem folds transaction items into per-period per-item quantity
// and revenue; one message with the whole accumulator leaves at end of
// session.
type aggPeriodItem struct{}

func newAggPeriodItem() worker.Operator { return aggPeriodItem{} }

func (aggPeriodItem) Name() string                      { return "agg_period_item" }
func (aggPeriodItem) Handler() session.StateHandler     { return periodItemState{} }
func (aggPeriodItem) StartOfSession(_ *session.Session) {}

func (a aggPeriodItem) OnBatch(b protocol.Batch, s *session.Session, _ worker.Emitter) error {
	items, err := protocol.Rows[domain.TransactionItem](b)
	if err != nil {
		return err
	}
	for _, it := range items {
		op := session.Op{
			"type":      opAggregateItem,
			"period":    domain.PeriodOf(it.CreatedAt),
			"item_id":   it.ItemID,
			"qty_delta": it.Quantity,
			"amt_delta": it.Subtotal,
		}
		if err := s.Apply(a.Handler(), op); err != nil {
			return err
		}
	}
	return nil
}

func (a aggPeriodItem) EndOfSession(s *session.Session, em worker.Emitter) error {
	row, err := protocol.MarshalRow(s.Storage)
	if err != nil {
		return err
	}
	em.Emit(row)
	return nil
}

type periodItemState struct{}

func (periodItemState) NewState() any { return domain.TransactionItemsByPeriod{} }

func (periodItemState) Reduce(state any, op session.Op) (any, error) {
	acc, ok := state.(domain.TransactionItemsByPeriod)
	if !ok {
		return state, fmt.Errorf("%w: unexpected state %T", domain.ErrInternal, state)
	}
	if op.Type() != opAggregateItem {
		return state, fmt.Errorf("%w: op %s", domain.ErrInvalidArgument, op.Type())
	}
	period, itemID := op.Str("period"), op.Int64("item_id")
	items := acc[period]
	if items == nil {
		items = make(map[int64]*domain.ItemPeriodStats)
		acc[period] = items
	}
	st := items[itemID]
	if st == nil {
		st = &domain.ItemPeriodStats{}
		items[itemID] = st
	}
	st.Quantity += op.Int64("qty_delta")
	st.Amount += op.Float("amt_delta")
	return acc, nil
}

func (periodItemState) DecodeState(raw json.RawMessage) (any, error) {
	var acc domain.TransactionItemsByPeriod
	if err := json.Unmarshal(raw, &acc); err != nil {
		return nil, err
	}
	if acc == nil {
		acc = domain.TransactionItemsByPeriod{}
	}
	return acc, nil
}

// aggSemesterTPV folds transactions into per-semester per-store total
// payment value.
type aggSemesterTPV struct{}

func newAggSemesterTPV() worker.Operator { return aggSemesterTPV{} }

func (aggSemesterTPV) Name() string                      { return "agg_semester_tpv" }
func (aggSemesterTPV) Handler() session.StateHandler     { return semesterState{} }
func (aggSemesterTPV) StartOfSession(_ *session.Session) {}

func (a aggSemesterTPV) OnBatch(b protocol.Batch, s *session.Session, _ worker.Emitter) error {
	txs, err := protocol.Rows[domain.Transaction](b)
	if err != nil {
		return err
	}
	for _, tx := range txs {
		op := session.Op{
			"type":      opAggregateSemester,
			"semester":  domain.SemesterOf(tx.CreatedAt),
			"store_id":  tx.StoreID,
			"amt_delta": tx.FinalAmount,
		}
		if err := s.Apply(a.Handler(), op); err != nil {
			return err
		}
	}
	return nil
}

func (a aggSemesterTPV) EndOfSession(s *session.Session, em worker.Emitter) error {
	row, err := protocol.MarshalRow(s.Storage)
	if err != nil {
		return err
	}
	em.Emit(row)
	return nil
}

type semesterState struct{}

func (semesterState) NewState() any { return domain.SemesterTPVByStore{} }

func (semesterState) Reduce(state any, op session.Op) (any, error) {
	acc, ok := state.(domain.SemesterTPVByStore)
	if !ok {
		return state, fmt.Errorf("%w: unexpected state %T", domain.ErrInternal, state)
	}
	if op.Type() != opAggregateSemester {
		return state, fmt.Errorf("%w: op %s", domain.ErrInvalidArgument, op.Type())
	}
	semester, storeID := op.Str("semester"), op.Int64("store_id")
	stores := acc[semester]
	if stores == nil {
		stores = make(map[int64]*domain.StoreTPV)
		acc[semester] = stores
	}
	tpv := stores[storeID]
	if tpv == nil {
		tpv = &domain.StoreTPV{}
		stores[storeID] = tpv
	}
	tpv.Amount += op.Float("amt_delta")
	return acc, nil
}

func (semesterState) DecodeState(raw json.RawMessage) (any, error) {
	var acc domain.SemesterTPVByStore
	if err := json.Unmarshal(raw, &acc); err != nil {
		return nil, err
	}
	if acc == nil {
		acc = domain.SemesterTPVByStore{}
	}
	return acc, nil
}

// aggUserPurchases counts purchases per (store, user). The tx_router pins
// each (user, store) pair to one replica, so counts never split across
// shards. Anonymous transactions are skipped.
type aggUserPurchases struct{}

func newAggUserPurchases() worker.Operator { return aggUserPurchases{} }

func (aggUserPurchases) Name() string                      { return "agg_user_purchases" }
func (aggUserPurchases) Handler() session.StateHandler     { return userPurchasesState{} }
func (aggUserPurchases) StartOfSession(_ *session.Session) {}

func (a aggUserPurchases) OnBatch(b protocol.Batch, s *session.Session, _ worker.Emitter) error {
	txs, err := protocol.Rows[domain.Transaction](b)
	if err != nil {
		return err
	}
	for _, tx := range txs {
		if tx.UserID == nil {
			continue
		}
		op := session.Op{
			"type":     opIncrementPurchase,
			"store_id": tx.StoreID,
			"user_id":  *tx.UserID,
		}
		if err := s.Apply(a.Handler(), op); err != nil {
			return err
		}
	}
	return nil
}

// EndOfSession ships only the per-store candidate set: the merger computes
// the final top 3 after birthdays are attached.
func (a aggUserPurchases) EndOfSession(s *session.Session, em worker.Emitter) error {
	acc, ok := s.Storage.(domain.UserPurchasesByStore)
	if !ok {
		return fmt.Errorf("%w: unexpected state %T", domain.ErrInternal, s.Storage)
	}
	trimmed := make(domain.UserPurchasesByStore, len(acc))
	for storeID, users := range acc {
		trimmed[storeID] = topUsers(users, topCandidates)
	}
	row, err := protocol.MarshalRow(trimmed)
	if err != nil {
		return err
	}
	em.Emit(row)
	return nil
}

// topUsers keeps the n best users by purchases, ties broken by lowest
// user_id for determinism.
func topUsers(users map[int64]*domain.UserPurchases, n int) map[int64]*domain.UserPurchases {
	if len(users) <= n {
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
		return ids[i] < ids[j]
	})
	out := make(map[int64]*domain.UserPurchases, n)
	for _, id := range ids[:n] {
		out[id] = users[id]
	}
	return out
}

type userPurchasesState struct{}

func (userPurchasesState) NewState() any { return domain.UserPurchasesByStore{} }

func (userPurchasesState) Reduce(state any, op session.Op) (any, error) {
	acc, ok := state.(domain.UserPurchasesByStore)
	if !ok {
		return state, fmt.Errorf("%w: unexpected state %T", domain.ErrInternal, state)
	}
	if op.Type() != opIncrementPurchase {
		return state, fmt.Errorf("%w: op %s", domain.ErrInvalidArgument, op.Type())
	}
	storeID, userID := op.Int64("store_id"), op.Int64("user_id")
	users := acc[storeID]
	if users == nil {
		users = make(map[int64]*domain.UserPurchases)
		acc[storeID] = users
	}
	up := users[userID]
	if up == nil {
		up = &domain.UserPurchases{}
		users[userID] = up
	}
	up.Purchases++
	return acc, nil
}

func (userPurchasesState) DecodeState(raw json.RawMessage) (any, error) {
	var acc domain.UserPurchasesByStore
	if err := json.Unmarshal(raw, &acc); err != nil {
		return nil, err
	}
	if acc == nil {
		acc = domain.UserPurchasesByStore{}
	}
	return acc, nil
}
