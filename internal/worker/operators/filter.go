package operators

import (
	"encoding/json"
	"time"

	"github.com/fairyhunter13/brewflow/internal/protocol"
	"github.com/fairyhunter13/brewflow/internal/session"
	"github.com/fairyhunter13/brewflow/internal/worker"
)

// probe is the minimal decode filters need; rows pass through untouched so a
// filter works on any entity carrying the probed fields.
type probe struct {
	FinalAmount float64   `json:"final_amount"`
	CreatedAt   time.Time `json:"created_at"`
}

// filter passes rows matching a boolean predicate.
type filter struct {
	name string
	pred func(probe) bool
}

func (f *filter) Name() string                        { return f.name }
func (f *filter) Handler() session.StateHandler       { return worker.NoState }
func (f *filter) StartOfSession(_ *session.Session)   {}
func (f *filter) EndOfSession(_ *session.Session, _ worker.Emitter) error { return nil }

func (f *filter) OnBatch(b protocol.Batch, _ *session.Session, em worker.Emitter) error {
	probes, err := protocol.Rows[probe](b)
	if err != nil {
		return err
	}
	out := make([]json.RawMessage, 0, len(b.Rows))
	for i, p := range probes {
		if f.pred(p) {
			out = append(out, b.Rows[i])
		}
	}
	if len(out) > 0 {
		em.Emit(out...)
	}
	return nil
}

// newFilterYear keeps 2024 and 2025 records.
func newFilterYear() worker.Operator {
	return &filter{name: "filter_year", pred: func(p probe) bool {
		y := p.CreatedAt.Year()
		return y == 2024 || y == 2025
	}}
}

// newFilterHour keeps records created between 06:00 and 23:59, both hour
// bounds inclusive.
func newFilterHour() worker.Operator {
	return &filter{name: "filter_hour", pred: func(p probe) bool {
		h := p.CreatedAt.Hour()
		return h >= 6 && h <= 23
	}}
}

// newFilterAmount keeps transactions of at least 75, cutoff inclusive.
func newFilterAmount() worker.Operator {
	return &filter{name: "filter_amount", pred: func(p probe) bool {
		return p.FinalAmount >= 75
	}}
}

// router repartitions rows to downstream siblings; the partitioning itself
// is the output's routing function, so the operator is a passthrough.
type router struct{ name string }

func (r *router) Name() string                        { return r.name }
func (r *router) Handler() session.StateHandler       { return worker.NoState }
func (r *router) StartOfSession(_ *session.Session)   {}
func (r *router) EndOfSession(_ *session.Session, _ worker.Emitter) error { return nil }

func (r *router) OnBatch(b protocol.Batch, _ *session.Session, em worker.Emitter) error {
	if len(b.Rows) > 0 {
		em.Emit(b.Rows...)
	}
	return nil
}

func newRouterTx() worker.Operator { return &router{name: "router_tx"} }
