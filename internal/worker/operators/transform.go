// Package operators implements the pluggable stage strategies: transformers,
// filters, routers, aggregators, mergers, joiners and sinks. Operators are
// CPU-only; the worker runtime owns all I/O.
package operators

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fairyhunter13/brewflow/internal/domain"
	"github.com/fairyhunter13/brewflow/internal/protocol"
	"github.com/fairyhunter13/brewflow/internal/session"
	"github.com/fairyhunter13/brewflow/internal/worker"
)

// rawRow is one CSV-derived record as shipped by the gateway: column name to
// string value.
type rawRow map[string]string

// timeLayouts are accepted for CSV timestamps; transformers normalize
// everything downstream to RFC 3339.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: timestamp %q", domain.ErrBadPayload, s)
}

func parseInt(row rawRow, key string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(row[key]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", domain.ErrBadPayload, key, row[key])
	}
	return v, nil
}

func parseFloat(row rawRow, key string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(row[key]), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", domain.ErrBadPayload, key, row[key])
	}
	return v, nil
}

// transformer parses raw CSV rows into one typed entity stream. It keeps no
// state beyond the runtime's output buffer.
type transformer struct {
	name  string
	parse func(rawRow) (json.RawMessage, error)
}

func (t *transformer) Name() string                        { return t.name }
func (t *transformer) Handler() session.StateHandler       { return worker.NoState }
func (t *transformer) StartOfSession(_ *session.Session)   {}
func (t *transformer) EndOfSession(_ *session.Session, _ worker.Emitter) error { return nil }

func (t *transformer) OnBatch(b protocol.Batch, _ *session.Session, em worker.Emitter) error {
	rows, err := protocol.Rows[rawRow](b)
	if err != nil {
		return err
	}
	out := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		typed, err := t.parse(row)
		if err != nil {
			return err
		}
		out = append(out, typed)
	}
	em.Emit(out...)
	return nil
}

func newTransformStores() worker.Operator {
	return &transformer{name: "transform_stores", parse: func(row rawRow) (json.RawMessage, error) {
		id, err := parseInt(row, "store_id")
		if err != nil {
			return nil, err
		}
		return protocol.MarshalRow(domain.Store{StoreID: id, StoreName: row["store_name"]})
	}}
}

func newTransformUsers() worker.Operator {
	return &transformer{name: "transform_users", parse: func(row rawRow) (json.RawMessage, error) {
		id, err := parseInt(row, "user_id")
		if err != nil {
			return nil, err
		}
		return protocol.MarshalRow(domain.User{UserID: id, Birthdate: strings.TrimSpace(row["birthdate"])})
	}}
}

func newTransformMenuItems() worker.Operator {
	return &transformer{name: "transform_menu_items", parse: func(row rawRow) (json.RawMessage, error) {
		id, err := parseInt(row, "item_id")
		if err != nil {
			return nil, err
		}
		return protocol.MarshalRow(domain.MenuItem{ItemID: id, ItemName: row["item_name"]})
	}}
}

func newTransformTransactions() worker.Operator {
	return &transformer{name: "transform_transactions", parse: func(row rawRow) (json.RawMessage, error) {
		storeID, err := parseInt(row, "store_id")
		if err != nil {
			return nil, err
		}
		amount, err := parseFloat(row, "final_amount")
		if err != nil {
			return nil, err
		}
		createdAt, err := parseTime(row["created_at"])
		if err != nil {
			return nil, err
		}
		tx := domain.Transaction{
			ID:          strings.TrimSpace(row["transaction_id"]),
			StoreID:     storeID,
			FinalAmount: amount,
			CreatedAt:   createdAt,
		}
		if tx.ID == "" {
			return nil, fmt.Errorf("%w: transaction without id", domain.ErrBadPayload)
		}
		// empty user_id marks an anonymous purchase
		if v := strings.TrimSpace(row["user_id"]); v != "" {
			uid, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: user_id=%q", domain.ErrBadPayload, v)
			}
			tx.UserID = &uid
		}
		return protocol.MarshalRow(tx)
	}}
}

func newTransformTransactionItems() worker.Operator {
	return &transformer{name: "transform_transaction_items", parse: func(row rawRow) (json.RawMessage, error) {
		itemID, err := parseInt(row, "item_id")
		if err != nil {
			return nil, err
		}
		qty, err := parseInt(row, "quantity")
		if err != nil {
			return nil, err
		}
		subtotal, err := parseFloat(row, "subtotal")
		if err != nil {
			return nil, err
		}
		createdAt, err := parseTime(row["created_at"])
		if err != nil {
			return nil, err
		}
		return protocol.MarshalRow(domain.TransactionItem{
			ItemID:    itemID,
			Quantity:  qty,
			Subtotal:  subtotal,
			CreatedAt: createdAt,
		})
	}}
}
