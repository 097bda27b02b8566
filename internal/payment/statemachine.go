package payment

import (
	"context"
	"fmt"

	paymentmodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/payment"
)

const StateInit = "INIT"

type stateSuffix string

const (
	suffixSuccess stateSuffix = "_SUCCESS"
	suffixFailed  stateSuffix = "_FAILED"
	suffixErrored stateSuffix = "_ERRORED"
	suffixPending stateSuffix = "_PENDING"
)

func StateName(t paymentmodel.TransactionType, s stateSuffix) string {
	return string(t) + string(s)
}

// StateFor is the payment state entered once an attempt of type t ends with status.
func StateFor(t paymentmodel.TransactionType, status paymentmodel.TransactionStatus) string {
	switch status {
	case paymentmodel.StatusSuccess:
		return StateName(t, suffixSuccess)
	case paymentmodel.StatusPaymentFailure:
		return StateName(t, suffixFailed)
	case paymentmodel.StatusPending:
		return StateName(t, suffixPending)
	default:
		return StateName(t, suffixErrored)
	}
}

// hook is one ordered callback of a transition.
type hook func(ctx context.Context, run *operationRun) error

type transition struct {
	from      string
	operation paymentmodel.TransactionType
	leaving   hook
	operate   hook
	entering  hook
}

type transitionKey struct {
	state     string
	operation paymentmodel.TransactionType
}

type stateTable map[transitionKey]*transition

var (
	purchase   = paymentmodel.TransactionTypePurchase
	authorize  = paymentmodel.TransactionTypeAuthorize
	capture    = paymentmodel.TransactionTypeCapture
	refund     = paymentmodel.TransactionTypeRefund
	chargeback = paymentmodel.TransactionTypeChargeback
)

// legalOperations lists, per payment state, the operations that may start a new attempt.
// Pending states accept none: they are resolved by the Janitor.
var legalOperations = map[string][]paymentmodel.TransactionType{
	StateInit: {purchase, authorize},

	StateName(purchase, suffixSuccess): {refund, chargeback},
	StateName(purchase, suffixFailed):  {purchase},
	StateName(purchase, suffixErrored): {purchase},

	StateName(authorize, suffixSuccess): {capture},
	StateName(authorize, suffixFailed):  {authorize},
	StateName(authorize, suffixErrored): {authorize},

	StateName(capture, suffixSuccess): {capture, refund, chargeback},
	StateName(capture, suffixFailed):  {capture},
	StateName(capture, suffixErrored): {capture},

	StateName(refund, suffixSuccess): {refund, chargeback},
	StateName(refund, suffixFailed):  {refund, chargeback},
	StateName(refund, suffixErrored): {refund, chargeback},

	StateName(chargeback, suffixSuccess): {},
	StateName(chargeback, suffixFailed):  {chargeback, refund},
	StateName(chargeback, suffixErrored): {chargeback, refund},
}

func newStateTable(e *Engine) stateTable {
	table := make(stateTable)
	for from, ops := range legalOperations {
		for _, op := range ops {
			table[transitionKey{state: from, operation: op}] = &transition{
				from:      from,
				operation: op,
				leaving:   e.leaving,
				operate:   e.operate,
				entering:  e.entering,
			}
		}
	}
	return table
}

func (t stateTable) lookup(state string, op paymentmodel.TransactionType) (*transition, bool) {
	tr, ok := t[transitionKey{state: state, operation: op}]
	return tr, ok
}

// run executes the three hooks in order; the operate hook never fails the run.
func (tr *transition) run(ctx context.Context, r *operationRun) error {
	if err := tr.leaving(ctx, r); err != nil {
		return fmt.Errorf("leaving %s: %w", tr.from, err)
	}
	if err := tr.operate(ctx, r); err != nil {
		return fmt.Errorf("operation %s: %w", tr.operation, err)
	}
	if err := tr.entering(ctx, r); err != nil {
		return fmt.Errorf("entering %s: %w", StateFor(tr.operation, r.result.Status), err)
	}
	return nil
}
