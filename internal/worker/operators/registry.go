package operators

import (
	"fmt"

	"github.com/fairyhunter13/brewflow/internal/domain"
	"github.com/fairyhunter13/brewflow/internal/worker"
)

// registry maps MODULE_NAME values to operator constructors. Stage wiring
// composes these at deployment; the binary is the same for every stage.
var registry = map[string]func() worker.Operator{
	"transform_stores":            newTransformStores,
	"transform_users":             newTransformUsers,
	"transform_menu_items":        newTransformMenuItems,
	"transform_transactions":      newTransformTransactions,
	"transform_transaction_items": newTransformTransactionItems,

	"filter_year":   newFilterYear,
	"filter_hour":   newFilterHour,
	"filter_amount": newFilterAmount,
	"router_tx":     newRouterTx,

	"agg_period_item":    newAggPeriodItem,
	"agg_semester_tpv":   newAggSemesterTPV,
	"agg_user_purchases": newAggUserPurchases,

	"merge_period_item":  newMergePeriodItem,
	"merge_semester_tpv": newMergeSemesterTPV,
	"merge_top3":         newMergeTop3,

	"join_menu_items":   newJoinMenuItems,
	"join_stores":       newJoinStores,
	"join_stores_users": newJoinStoresUsers,
	"enrich_users":      newEnrichUsers,

	"sink_q1": newSinkQ1,
	"sink_q2": newSinkQ2,
	"sink_q3": newSinkQ3,
	"sink_q4": newSinkQ4,
}

// New returns the operator registered under name.
func New(name string) (worker.Operator, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown operator %q", domain.ErrInvalidArgument, name)
	}
	return ctor(), nil
}

// Names lists the registered operator names.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	return out
}
