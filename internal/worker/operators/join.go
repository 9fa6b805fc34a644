package operators

import (
	"encoding/json"
	"fmt"

	"github.com/fairyhunter13/brewflow/internal/domain"
	"github.com/fairyhunter13/brewflow/internal/protocol"
	"github.com/fairyhunter13/brewflow/internal/session"
	"github.com/fairyhunter13/brewflow/internal/worker"
)

// WAL op tags of the reference consumers.
const (
	opRefDim       = "ref_dim"
	opRefEOF       = "ref_eof"
	opRefPurchases = "ref_purchases"
	opAttachBirth  = "attach_birthdate"
)

// refNames is the session state of the small-dimension joiners: the full
// id-to-name table plus the reference end-of-stream flag. Main data stays
// diverted until RefEOF is set.
type refNames struct {
	Names  map[int64]string `json:"names"`
	RefEOF bool             `json:"ref_eof"`
}

type refNamesHandler struct{}

func (refNamesHandler) NewState() any { return &refNames{Names: map[int64]string{}} }

func (refNamesHandler) Reduce(state any, op session.Op) (any, error) {
	st, ok := state.(*refNames)
	if !ok {
		return state, fmt.Errorf("%w: unexpected state %T", domain.ErrInternal, state)
	}
	switch op.Type() {
	case opRefEOF:
		st.RefEOF = true
	case opRefDim:
		dims, err := decodeInto[map[int64]string](op["payload"])
		if err != nil {
			return state, err
		}
		for id, name := range dims {
			st.Names[id] = name
		}
	default:
		return state, fmt.Errorf("%w: op %s", domain.ErrInvalidArgument, op.Type())
	}
	return st, nil
}

func (refNamesHandler) DecodeState(raw json.RawMessage) (any, error) {
	st := &refNames{}
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, err
	}
	if st.Names == nil {
		st.Names = map[int64]string{}
	}
	return st, nil
}

// joiner attaches a small reference dimension to streaming accumulators.
// The whole table fans out to every replica, so enrichment is a local map
// lookup and the main path stays stateless.
type joiner struct {
	name string
	// dims extracts the id-to-name pairs from one reference batch.
	dims func(b protocol.Batch) (map[int64]string, error)
	// attach rewrites one main row with names applied.
	attach func(names map[int64]string, row json.RawMessage) (json.RawMessage, error)
}

func (j *joiner) Name() string                                             { return j.name }
func (j *joiner) Handler() session.StateHandler                            { return refNamesHandler{} }
func (j *joiner) StartOfSession(_ *session.Session)                        {}
func (j *joiner) EndOfSession(_ *session.Session, _ worker.Emitter) error  { return nil }

func (j *joiner) OnBatch(b protocol.Batch, s *session.Session, em worker.Emitter) error {
	st, ok := s.Storage.(*refNames)
	if !ok {
		return fmt.Errorf("%w: unexpected state %T", domain.ErrInternal, s.Storage)
	}
	for _, row := range b.Rows {
		enriched, err := j.attach(st.Names, row)
		if err != nil {
			return err
		}
		em.Emit(enriched)
	}
	return nil
}

func (j *joiner) OnReferenceBatch(b protocol.Batch, s *session.Session) error {
	if b.EOF {
		return s.Apply(j.Handler(), session.Op{"type": opRefEOF})
	}
	dims, err := j.dims(b)
	if err != nil {
		return err
	}
	return s.Apply(j.Handler(), session.Op{"type": opRefDim, "payload": dims})
}

func (j *joiner) ReferenceReady(s *session.Session) bool {
	st, ok := s.Storage.(*refNames)
	return ok && st.RefEOF
}

func menuItemDims(b protocol.Batch) (map[int64]string, error) {
	items, err := protocol.Rows[domain.MenuItem](b)
	if err != nil {
		return nil, err
	}
	dims := make(map[int64]string, len(items))
	for _, it := range items {
		dims[it.ItemID] = it.ItemName
	}
	return dims, nil
}

func storeDims(b protocol.Batch) (map[int64]string, error) {
	stores, err := protocol.Rows[domain.Store](b)
	if err != nil {
		return nil, err
	}
	dims := make(map[int64]string, len(stores))
	for _, st := range stores {
		dims[st.StoreID] = st.StoreName
	}
	return dims, nil
}

// newJoinMenuItems attaches item names to merged per-period item stats.
func newJoinMenuItems() worker.Operator {
	return &joiner{
		name: "join_menu_items",
		dims: menuItemDims,
		attach: func(names map[int64]string, row json.RawMessage) (json.RawMessage, error) {
			var acc domain.TransactionItemsByPeriod
			if err := json.Unmarshal(row, &acc); err != nil {
				return nil, fmt.Errorf("%w: period accumulator: %v", domain.ErrBadPayload, err)
			}
			for _, items := range acc {
				for itemID, st := range items {
					if name, ok := names[itemID]; ok {
						st.ItemName = name
					}
				}
			}
			return protocol.MarshalRow(acc)
		},
	}
}

// newJoinStores attaches store names to merged semester TPV accumulators.
func newJoinStores() worker.Operator {
	return &joiner{
		name: "join_stores",
		dims: storeDims,
		attach: func(names map[int64]string, row json.RawMessage) (json.RawMessage, error) {
			var acc domain.SemesterTPVByStore
			if err := json.Unmarshal(row, &acc); err != nil {
				return nil, fmt.Errorf("%w: semester accumulator: %v", domain.ErrBadPayload, err)
			}
			for _, stores := range acc {
				for storeID, tpv := range stores {
					if name, ok := names[storeID]; ok {
						tpv.StoreName = name
					}
				}
			}
			return protocol.MarshalRow(acc)
		},
	}
}

// newJoinStoresUsers attaches store names to merged top-3 purchase counts.
func newJoinStoresUsers() worker.Operator {
	return &joiner{
		name: "join_stores_users",
		dims: storeDims,
		attach: func(names map[int64]string, row json.RawMessage) (json.RawMessage, error) {
			var acc domain.UserPurchasesByStore
			if err := json.Unmarshal(row, &acc); err != nil {
				return nil, fmt.Errorf("%w: purchases accumulator: %v", domain.ErrBadPayload, err)
			}
			for storeID, users := range acc {
				name, ok := names[storeID]
				if !ok {
					continue
				}
				for _, up := range users {
					up.StoreName = name
				}
			}
			return protocol.MarshalRow(acc)
		},
	}
}

// enrichState is the session state of the user enricher. The reference
// stream is the aggregated purchase counts; the main stream is the full
// users table. Index maps user to the stores that need a birthdate and is
// rebuilt from Purchases, never serialized.
type enrichState struct {
	Purchases domain.UserPurchasesByStore `json:"purchases"`
	RefEOF    bool                        `json:"ref_eof"`

	Index map[int64][]int64 `json:"-"`
}

func (st *enrichState) reindex() {
	st.Index = make(map[int64][]int64)
	for storeID, users := range st.Purchases {
		for userID := range users {
			st.Index[userID] = append(st.Index[userID], storeID)
		}
	}
}

type enrichHandler struct{}

func (enrichHandler) NewState() any {
	return &enrichState{Purchases: domain.UserPurchasesByStore{}, Index: map[int64][]int64{}}
}

func (enrichHandler) Reduce(state any, op session.Op) (any, error) {
	st, ok := state.(*enrichState)
	if !ok {
		return state, fmt.Errorf("%w: unexpected state %T", domain.ErrInternal, state)
	}
	switch op.Type() {
	case opRefEOF:
		st.RefEOF = true
	case opRefPurchases:
		partial, err := decodeInto[domain.UserPurchasesByStore](op["payload"])
		if err != nil {
			return state, err
		}
		mergeUserPurchases(st.Purchases, partial)
		for storeID, users := range partial {
			for userID := range users {
				st.Index[userID] = append(st.Index[userID], storeID)
			}
		}
	case opAttachBirth:
		userID, birth := op.Int64("user_id"), op.Str("birthdate")
		for _, storeID := range st.Index[userID] {
			if up := st.Purchases[storeID][userID]; up != nil {
				up.Birthdate = birth
			}
		}
	default:
		return state, fmt.Errorf("%w: op %s", domain.ErrInvalidArgument, op.Type())
	}
	return st, nil
}

func (enrichHandler) DecodeState(raw json.RawMessage) (any, error) {
	st := &enrichState{}
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, err
	}
	if st.Purchases == nil {
		st.Purchases = domain.UserPurchasesByStore{}
	}
	st.reindex()
	return st, nil
}

// enrichUsers attaches birthdays to the aggregated purchase counts. The
// reference input (the aggregate) is small next to the users table, so the
// users stream is the diverted main input and only users present in the
// aggregate are recorded.
type enrichUsers struct{}

func newEnrichUsers() worker.Operator { return enrichUsers{} }

func (enrichUsers) Name() string                      { return "enrich_users" }
func (enrichUsers) Handler() session.StateHandler     { return enrichHandler{} }
func (enrichUsers) StartOfSession(_ *session.Session) {}

func (e enrichUsers) OnBatch(b protocol.Batch, s *session.Session, _ worker.Emitter) error {
	st, ok := s.Storage.(*enrichState)
	if !ok {
		return fmt.Errorf("%w: unexpected state %T", domain.ErrInternal, s.Storage)
	}
	users, err := protocol.Rows[domain.User](b)
	if err != nil {
		return err
	}
	for _, u := range users {
		if len(st.Index[u.UserID]) == 0 {
			continue
		}
		op := session.Op{"type": opAttachBirth, "user_id": u.UserID, "birthdate": u.Birthdate}
		if err := s.Apply(e.Handler(), op); err != nil {
			return err
		}
	}
	return nil
}

func (e enrichUsers) OnReferenceBatch(b protocol.Batch, s *session.Session) error {
	if b.EOF {
		return s.Apply(e.Handler(), session.Op{"type": opRefEOF})
	}
	for _, row := range b.Rows {
		var payload any
		if err := json.Unmarshal(row, &payload); err != nil {
			return fmt.Errorf("%w: purchases accumulator: %v", domain.ErrBadPayload, err)
		}
		if err := s.Apply(e.Handler(), session.Op{"type": opRefPurchases, "payload": payload}); err != nil {
			return err
		}
	}
	return nil
}

func (enrichUsers) ReferenceReady(s *session.Session) bool {
	st, ok := s.Storage.(*enrichState)
	return ok && st.RefEOF
}

func (enrichUsers) EndOfSession(s *session.Session, em worker.Emitter) error {
	st, ok := s.Storage.(*enrichState)
	if !ok {
		return fmt.Errorf("%w: unexpected state %T", domain.ErrInternal, s.Storage)
	}
	row, err := protocol.MarshalRow(st.Purchases)
	if err != nil {
		return err
	}
	em.Emit(row)
	return nil
}
