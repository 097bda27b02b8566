package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	errs "github.com/frahmantamala/payment-engine/internal"
	paymentmodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/payment"
	"github.com/frahmantamala/payment-engine/internal/core/events"
	"github.com/frahmantamala/payment-engine/internal/lock"
	"github.com/frahmantamala/payment-engine/pkg/logger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Dependencies struct {
	Repository     Repository
	Gateway        Gateway
	Control        ControlPlugin
	Retries        RetryScheduler
	Locker         lock.Locker
	Events         EventPublisher
	GatewayTimeout time.Duration
}

// Engine drives payment transactions through the state table. All work on one account
// is serialized by the locker.
type Engine struct {
	repo           Repository
	gateway        Gateway
	control        ControlPlugin
	retries        RetryScheduler
	locker         lock.Locker
	events         EventPublisher
	gatewayTimeout time.Duration
	table          stateTable
	logger         *slog.Logger
	now            func() time.Time
}

func NewEngine(deps Dependencies, logger *slog.Logger) *Engine {
	e := &Engine{
		repo:           deps.Repository,
		gateway:        deps.Gateway,
		control:        deps.Control,
		retries:        deps.Retries,
		locker:         deps.Locker,
		events:         deps.Events,
		gatewayTimeout: deps.GatewayTimeout,
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
	}
	if e.locker == nil {
		e.locker = lock.NewMemoryLocker()
	}
	e.table = newStateTable(e)
	return e
}

type operationRun struct {
	req     OperationRequest
	log     *slog.Logger
	payment *paymentmodel.Payment
	history []*paymentmodel.PaymentTransaction
	amount  decimal.Decimal
	tx      *paymentmodel.PaymentTransaction
	result  *GatewayResult
}

func (e *Engine) ExecuteOperation(ctx context.Context, req OperationRequest) (*TransactionView, error) {
	if appErr := req.Validate(); appErr != nil {
		return nil, appErr
	}

	log := logger.FromOr(ctx, e.logger).With(
		"account_id", req.AccountID,
		"payment_external_key", req.PaymentExternalKey,
		"transaction_external_key", req.TransactionExternalKey,
		"transaction_type", req.TransactionType,
		"api_initiated", req.APIInitiated,
		"initiator", errs.InitiatorFrom(ctx),
	)

	lease, err := e.acquire(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	defer e.release(lease, log)

	run := &operationRun{req: req, log: log}
	view, err := e.resolve(ctx, run)
	if err != nil || view != nil {
		return view, err
	}

	if open := unresolvedAttempt(run.history, req.TransactionType); open != nil {
		log.Warn("previous attempt is unresolved", "transaction_id", open.ID, "status", open.Status)
		return nil, errs.NewOperationError(
			fmt.Sprintf("%s attempt %s is still %s", open.TransactionType, open.ExternalKey, open.Status),
			errs.ErrCodeAttemptUnresolved)
	}

	state := StateInit
	if run.payment != nil {
		state = run.payment.StateName
	}
	tr, ok := e.table.lookup(state, req.TransactionType)
	if !ok {
		log.Warn("illegal state transition", "state", state)
		return nil, errs.NewOperationError(
			fmt.Sprintf("operation %s is not allowed from state %s", req.TransactionType, state),
			errs.ErrCodeIllegalTransition)
	}

	prior, err := e.priorCall(ctx, run)
	if err != nil {
		return nil, err
	}
	if prior.Aborted {
		return e.abort(ctx, run, prior)
	}

	if err := tr.run(ctx, run); err != nil {
		log.Error("state transition failed", "error", err)
		if _, ok := errs.IsAppError(err); ok {
			return nil, err
		}
		return nil, errs.NewOperationError("payment operation failed", errs.ErrCodeOperationFailed).WithCause(err)
	}

	nextRetry, err := e.completeControl(ctx, run.payment, run.tx, log)
	if err != nil {
		// control_state stays PENDING; the incomplete-attempt sweep picks it up
		log.Error("post-call payment control failed", "transaction_id", run.tx.ID, "error", err)
	}
	e.publishOutcome(ctx, run.payment, run.tx)

	log.Info("payment operation completed",
		"payment_id", run.payment.ID,
		"transaction_id", run.tx.ID,
		"status", run.tx.Status,
		"state", run.payment.StateName)

	view = newTransactionView(run.payment, run.tx)
	view.NextRetryAt = nextRetry
	return view, nil
}

// resolve loads the payment and returns the existing attempt when the transaction key was seen before.
func (e *Engine) resolve(ctx context.Context, run *operationRun) (*TransactionView, error) {
	req := run.req

	p, err := e.repo.GetPaymentByExternalKey(ctx, req.AccountID, req.PaymentExternalKey)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, errs.NewInternalError("failed to load payment", err)
	default:
		run.payment = p
	}

	sameKey, err := e.repo.FindTransactionsByAccountAndExternalKey(ctx, req.AccountID, req.TransactionExternalKey)
	if err != nil {
		return nil, errs.NewInternalError("failed to look up transaction external key", err)
	}
	for _, existing := range sameKey {
		if run.payment == nil || existing.PaymentID != run.payment.ID {
			return nil, errs.NewConflictError(
				fmt.Sprintf("transaction external key %s belongs to another payment", req.TransactionExternalKey),
				errs.ErrCodeExternalKeyConflict)
		}
		if existing.TransactionType != req.TransactionType {
			return nil, errs.NewConflictError(
				fmt.Sprintf("transaction external key %s is already used by a %s transaction", req.TransactionExternalKey, existing.TransactionType),
				errs.ErrCodeExternalKeyConflict)
		}

		run.log.Info("returning existing transaction for external key",
			"transaction_id", existing.ID,
			"status", existing.Status)
		view := newTransactionView(run.payment, existing)
		view.Replayed = true
		return view, nil
	}

	if run.payment != nil {
		history, err := e.repo.ListTransactionsByPaymentID(ctx, run.payment.ID)
		if err != nil {
			return nil, errs.NewInternalError("failed to load payment transactions", err)
		}
		run.history = history
	}
	return nil, nil
}

func (e *Engine) priorCall(ctx context.Context, run *operationRun) (*PriorResult, error) {
	req := run.req
	prior := &PriorResult{}

	if e.control != nil {
		cc := &ControlContext{
			AccountID:              req.AccountID,
			PaymentExternalKey:     req.PaymentExternalKey,
			TransactionExternalKey: req.TransactionExternalKey,
			TransactionType:        req.TransactionType,
			Amount:                 req.Amount,
			Currency:               req.Currency,
			APIInitiated:           req.APIInitiated,
			Properties:             req.Properties,
			Transactions:           run.history,
		}
		if run.payment != nil {
			id := run.payment.ID
			cc.PaymentID = &id
		}

		result, err := e.control.PriorCall(ctx, cc)
		if err != nil {
			run.log.Warn("payment control rejected the call", "error", err)
			return nil, err
		}
		if result != nil {
			prior = result
		}
	}
	if prior.Aborted {
		return prior, nil
	}

	switch {
	case prior.AdjustedAmount != nil:
		run.amount = *prior.AdjustedAmount
	case req.Amount != nil:
		run.amount = *req.Amount
	default:
		return nil, errs.NewValidationFieldError("amount", "amount is required", errs.ErrCodeInvalidAmount)
	}
	return prior, nil
}

func (e *Engine) abort(ctx context.Context, run *operationRun, prior *PriorResult) (*TransactionView, error) {
	req := run.req
	run.log.Info("operation aborted by payment control",
		"reason", prior.Reason,
		"deferred", prior.Deferred)

	view := &TransactionView{
		AccountID:              req.AccountID,
		PaymentExternalKey:     req.PaymentExternalKey,
		TransactionExternalKey: req.TransactionExternalKey,
		TransactionType:        req.TransactionType,
		Currency:               req.Currency,
		Aborted:                true,
		Deferred:               prior.Deferred,
	}
	if run.payment != nil {
		view.PaymentID = run.payment.ID
		view.PaymentState = run.payment.StateName
	}
	if prior.AdjustedAmount != nil {
		view.Amount = *prior.AdjustedAmount
	} else if req.Amount != nil {
		view.Amount = *req.Amount
	}

	e.publish(ctx, events.NewTransactionEvent(events.EventTypeTransactionAborted, events.TransactionEventParams{
		AccountID:              req.AccountID.String(),
		PaymentID:              uuidString(view.PaymentID),
		PaymentExternalKey:     req.PaymentExternalKey,
		TransactionExternalKey: req.TransactionExternalKey,
		TransactionType:        string(req.TransactionType),
		Status:                 "ABORTED",
		Amount:                 view.Amount.String(),
		Currency:               req.Currency,
		APIInitiated:           req.APIInitiated,
	}))

	if req.APIInitiated && !prior.Deferred {
		code := errs.ErrCodePaymentAborted
		if req.TransactionType == paymentmodel.TransactionTypeRefund {
			code = errs.ErrCodeRefundAborted
		}
		reason := prior.Reason
		if reason == "" {
			reason = "payment control aborted the operation"
		}
		return nil, errs.NewAbortedError(reason, code)
	}
	return view, nil
}

// leaving persists the UNKNOWN attempt, creating the payment on its first attempt.
func (e *Engine) leaving(ctx context.Context, run *operationRun) error {
	req := run.req
	now := e.now()

	p := run.payment
	created := false
	tx := &paymentmodel.PaymentTransaction{
		ID:              uuid.New(),
		ExternalKey:     req.TransactionExternalKey,
		TransactionType: req.TransactionType,
		Amount:          run.amount,
		Currency:        req.Currency,
		Status:          paymentmodel.StatusUnknown,
		AttemptNumber:   attemptNumber(run.history, req.TransactionType),
		APIInitiated:    req.APIInitiated,
		ControlState:    paymentmodel.ControlStatePending,
		Properties:      datatypes.JSONMap(copyProperties(req.Properties)),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := e.repo.Transaction(ctx, func(repo Repository) error {
		if p == nil {
			p = &paymentmodel.Payment{
				ID:          uuid.New(),
				AccountID:   req.AccountID,
				ExternalKey: req.PaymentExternalKey,
				StateName:   StateInit,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := repo.CreatePayment(ctx, p); err != nil {
				return storeError("create payment", err)
			}
			created = true
		}
		tx.PaymentID = p.ID
		if err := repo.CreateTransaction(ctx, tx); err != nil {
			return storeError("create transaction", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if created {
		run.log.Debug("payment created", "payment_id", p.ID)
	}
	run.payment = p
	run.tx = tx
	return nil
}

func (e *Engine) operate(ctx context.Context, run *operationRun) error {
	req := &GatewayRequest{
		TransactionType:        run.tx.TransactionType,
		PaymentID:              run.payment.ID,
		TransactionID:          run.tx.ID,
		PaymentExternalKey:     run.payment.ExternalKey,
		TransactionExternalKey: run.tx.ExternalKey,
		Amount:                 run.tx.Amount,
		Currency:               run.tx.Currency,
		Properties:             run.tx.Properties,
	}
	run.result = e.callGateway(ctx, req, run.log)
	return nil
}

// callGateway never fails: errors, timeouts and panics become a PLUGIN_FAILURE result.
func (e *Engine) callGateway(ctx context.Context, req *GatewayRequest, log *slog.Logger) (result *GatewayResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("gateway call panicked", "panic", r)
			result = pluginFailure(string(errs.ErrCodeGatewayPanic), fmt.Sprint(r))
		}
	}()

	callCtx, cancel := errs.GatewayContext(ctx, e.gatewayTimeout)
	defer cancel()

	res, err := e.gateway.Execute(callCtx, req)
	if err != nil {
		log.Warn("gateway call failed", "error", err)
		code := string(errs.ErrCodeGatewayUnavailable)
		if errors.Is(err, context.DeadlineExceeded) {
			code = string(errs.ErrCodeGatewayTimeout)
		}
		return pluginFailure(code, err.Error())
	}
	if res == nil {
		return pluginFailure(string(errs.ErrCodeGatewayUnavailable), "gateway returned no result")
	}
	return res
}

func pluginFailure(code, message string) *GatewayResult {
	return &GatewayResult{
		Status:       paymentmodel.StatusPluginFailure,
		ErrorCode:    code,
		ErrorMessage: message,
	}
}

// entering records the gateway outcome and the new payment state in one store transaction.
// Only the payment's latest attempt moves the payment state.
func (e *Engine) entering(ctx context.Context, run *operationRun) error {
	applyResult(run.tx, run.result, e.now())
	p := *run.payment

	err := e.repo.Transaction(ctx, func(repo Repository) error {
		if err := repo.UpdateTransactionResult(ctx, run.tx); err != nil {
			return storeError("update transaction", err)
		}

		history, err := repo.ListTransactionsByPaymentID(ctx, p.ID)
		if err != nil {
			return storeError("load payment transactions", err)
		}
		if latest := history[len(history)-1]; latest.ID != run.tx.ID {
			run.log.Info("newer attempt owns the payment state",
				"latest_transaction_id", latest.ID,
				"state", p.StateName)
			return nil
		}

		p.StateName = StateFor(run.tx.TransactionType, run.tx.Status)
		if run.tx.Status == paymentmodel.StatusSuccess {
			state := p.StateName
			p.LastSuccessStateName = &state
		}
		if err := repo.UpdatePaymentState(ctx, p.ID, p.StateName, p.LastSuccessStateName); err != nil {
			return storeError("update payment state", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	*run.payment = p
	return nil
}

func applyResult(tx *paymentmodel.PaymentTransaction, result *GatewayResult, now time.Time) {
	tx.Status = result.Status
	if tx.Status == "" {
		tx.Status = paymentmodel.StatusUnknown
	}

	if tx.Status == paymentmodel.StatusSuccess || tx.Status == paymentmodel.StatusPending {
		processed := result.ProcessedAmount
		if processed.IsZero() {
			processed = tx.Amount
		}
		tx.ProcessedAmount = decimal.NewNullDecimal(processed)

		currency := result.ProcessedCurrency
		if currency == "" {
			currency = tx.Currency
		}
		tx.ProcessedCurrency = &currency
	}

	if result.ErrorCode != "" {
		code := result.ErrorCode
		tx.GatewayErrorCode = &code
	}
	if result.ErrorMessage != "" {
		msg := result.ErrorMessage
		tx.GatewayErrorMsg = &msg
	}
	tx.UpdatedAt = now
}

// completeControl runs the post-call control hooks for a terminal attempt and marks them done.
func (e *Engine) completeControl(ctx context.Context, p *paymentmodel.Payment, tx *paymentmodel.PaymentTransaction, log *slog.Logger) (*time.Time, error) {
	if !tx.Status.IsTerminal() || tx.ControlState == paymentmodel.ControlStateCompleted {
		return nil, nil
	}

	var nextRetry *time.Time
	if e.control != nil {
		history, err := e.repo.ListTransactionsByPaymentID(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("load payment transactions: %w", err)
		}
		cc := postCallContext(p, tx, history)

		if tx.Status == paymentmodel.StatusSuccess {
			if err := e.control.OnSuccessCall(ctx, cc); err != nil {
				return nil, fmt.Errorf("on success call: %w", err)
			}
		} else {
			at, err := e.control.OnFailureCall(ctx, cc)
			if err != nil {
				return nil, fmt.Errorf("on failure call: %w", err)
			}
			if at != nil && e.retries != nil {
				req := retryRequestFor(p, tx, history)
				if err := e.retries.ScheduleRetry(ctx, req, *at); err != nil {
					return nil, fmt.Errorf("schedule retry: %w", err)
				}
				nextRetry = at
				log.Info("retry scheduled",
					"transaction_id", tx.ID,
					"next_transaction_external_key", req.TransactionExternalKey,
					"retry_at", *at)
				e.publish(ctx, events.NewRetryScheduledEvent(p.AccountID.String(), p.ExternalKey, string(tx.TransactionType), *at))
			}
		}
	}

	if err := e.repo.MarkControlCompleted(ctx, tx.ID); err != nil {
		return nextRetry, fmt.Errorf("mark control completed: %w", err)
	}
	tx.ControlState = paymentmodel.ControlStateCompleted
	return nextRetry, nil
}

func postCallContext(p *paymentmodel.Payment, tx *paymentmodel.PaymentTransaction, history []*paymentmodel.PaymentTransaction) *ControlContext {
	paymentID := p.ID
	amount := tx.Amount
	cc := &ControlContext{
		AccountID:              p.AccountID,
		PaymentID:              &paymentID,
		PaymentExternalKey:     p.ExternalKey,
		TransactionExternalKey: tx.ExternalKey,
		TransactionType:        tx.TransactionType,
		Amount:                 &amount,
		Currency:               tx.Currency,
		APIInitiated:           tx.APIInitiated,
		Properties:             tx.Properties,
		Transactions:           history,
		TransactionID:          tx.ID,
		Status:                 tx.Status,
	}
	if tx.ProcessedAmount.Valid {
		cc.ProcessedAmount = tx.ProcessedAmount.Decimal
	}
	if tx.ProcessedCurrency != nil {
		cc.ProcessedCurrency = *tx.ProcessedCurrency
	}
	return cc
}

func retryRequestFor(p *paymentmodel.Payment, tx *paymentmodel.PaymentTransaction, history []*paymentmodel.PaymentTransaction) RetryRequest {
	amount := tx.Amount
	return RetryRequest{
		AccountID:              p.AccountID,
		PaymentExternalKey:     p.ExternalKey,
		TransactionExternalKey: NextAttemptKey(history, tx),
		TransactionType:        tx.TransactionType,
		Amount:                 &amount,
		Currency:               tx.Currency,
		Properties:             copyProperties(tx.Properties),
	}
}

// NextAttemptKey derives the transaction key of the attempt after tx from the key of the
// first attempt, so redelivered retries of the same attempt share one key.
func NextAttemptKey(history []*paymentmodel.PaymentTransaction, tx *paymentmodel.PaymentTransaction) string {
	root := tx.ExternalKey
	for _, h := range history {
		if h.TransactionType == tx.TransactionType && h.AttemptNumber == 1 {
			root = h.ExternalKey
			break
		}
	}
	return fmt.Sprintf("%s-%d", root, tx.AttemptNumber+1)
}

// unresolvedAttempt returns an attempt of type t whose gateway outcome is not known yet.
func unresolvedAttempt(history []*paymentmodel.PaymentTransaction, t paymentmodel.TransactionType) *paymentmodel.PaymentTransaction {
	for _, h := range history {
		if h.TransactionType == t && !h.Status.IsTerminal() {
			return h
		}
	}
	return nil
}

func attemptNumber(history []*paymentmodel.PaymentTransaction, t paymentmodel.TransactionType) int {
	n := 1
	for _, h := range history {
		if h.TransactionType == t {
			n++
		}
	}
	return n
}

// CompleteTransaction forces a non-terminal attempt to the given outcome. It reports false
// when the attempt had already moved on.
func (e *Engine) CompleteTransaction(ctx context.Context, transactionID uuid.UUID, result GatewayResult) (*TransactionView, bool, error) {
	p, tx, lease, err := e.lockTransaction(ctx, transactionID)
	if err != nil {
		return nil, false, err
	}
	log := logger.FromOr(ctx, e.logger).With(
		"payment_id", p.ID,
		"transaction_id", tx.ID,
		"transaction_external_key", tx.ExternalKey,
		"initiator", errs.InitiatorFrom(ctx))
	defer e.release(lease, log)

	if tx.Status.IsTerminal() || tx.Status == result.Status {
		log.Debug("transaction already resolved", "status", tx.Status)
		return newTransactionView(p, tx), false, nil
	}

	previous := tx.Status
	run := &operationRun{log: log, payment: p, tx: tx, result: &result}
	if err := e.entering(ctx, run); err != nil {
		return nil, false, err
	}
	log.Info("transaction completed out of band", "previous_status", previous, "status", tx.Status)

	nextRetry, err := e.completeControl(ctx, p, tx, log)
	if err != nil {
		log.Error("post-call payment control failed", "error", err)
	}
	e.publishOutcome(ctx, p, tx)

	view := newTransactionView(p, tx)
	view.NextRetryAt = nextRetry
	return view, true, nil
}

// ResumeControl re-runs the post-call control hooks of a terminal attempt whose hooks never
// completed. It reports whether anything ran.
func (e *Engine) ResumeControl(ctx context.Context, transactionID uuid.UUID) (bool, error) {
	p, tx, lease, err := e.lockTransaction(ctx, transactionID)
	if err != nil {
		return false, err
	}
	log := logger.FromOr(ctx, e.logger).With("payment_id", p.ID, "transaction_id", tx.ID)
	defer e.release(lease, log)

	if !tx.Status.IsTerminal() || tx.ControlState == paymentmodel.ControlStateCompleted {
		return false, nil
	}

	if _, err := e.completeControl(ctx, p, tx, log); err != nil {
		return false, err
	}
	log.Info("payment control resumed", "status", tx.Status)
	return true, nil
}

// lockTransaction locks the owning account and returns fresh copies read under the lock.
func (e *Engine) lockTransaction(ctx context.Context, transactionID uuid.UUID) (*paymentmodel.Payment, *paymentmodel.PaymentTransaction, lock.Lease, error) {
	tx, err := e.getTransaction(ctx, transactionID)
	if err != nil {
		return nil, nil, nil, err
	}
	p, err := e.getPayment(ctx, tx.PaymentID)
	if err != nil {
		return nil, nil, nil, err
	}

	lease, err := e.acquire(ctx, p.AccountID)
	if err != nil {
		return nil, nil, nil, err
	}

	if tx, err = e.getTransaction(ctx, transactionID); err == nil {
		p, err = e.getPayment(ctx, tx.PaymentID)
	}
	if err != nil {
		e.release(lease, e.logger)
		return nil, nil, nil, err
	}
	return p, tx, lease, nil
}

func (e *Engine) getTransaction(ctx context.Context, id uuid.UUID) (*paymentmodel.PaymentTransaction, error) {
	tx, err := e.repo.GetTransactionByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, errs.NewNotFoundError("transaction not found", errs.ErrCodeTransactionNotFound)
	}
	if err != nil {
		return nil, errs.NewInternalError("failed to load transaction", err)
	}
	return tx, nil
}

func (e *Engine) getPayment(ctx context.Context, id uuid.UUID) (*paymentmodel.Payment, error) {
	p, err := e.repo.GetPaymentByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, errs.NewNotFoundError("payment not found", errs.ErrCodePaymentNotFound)
	}
	if err != nil {
		return nil, errs.NewInternalError("failed to load payment", err)
	}
	return p, nil
}

func (e *Engine) acquire(ctx context.Context, accountID uuid.UUID) (lock.Lease, error) {
	lease, err := e.locker.Acquire(ctx, accountID.String())
	if err != nil {
		return nil, errs.NewOperationError("could not lock account", errs.ErrCodeLockUnavailable).WithCause(err)
	}
	return lease, nil
}

func (e *Engine) release(lease lock.Lease, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		log.Warn("failed to release account lock", "error", err)
	}
}

func (e *Engine) publishOutcome(ctx context.Context, p *paymentmodel.Payment, tx *paymentmodel.PaymentTransaction) {
	eventType := events.EventTypeTransactionPending
	switch {
	case tx.Status == paymentmodel.StatusSuccess:
		eventType = events.EventTypeTransactionSucceeded
	case tx.Status.IsFailure():
		eventType = events.EventTypeTransactionFailed
	}

	e.publish(ctx, events.NewTransactionEvent(eventType, events.TransactionEventParams{
		AccountID:              p.AccountID.String(),
		PaymentID:              p.ID.String(),
		TransactionID:          tx.ID.String(),
		PaymentExternalKey:     p.ExternalKey,
		TransactionExternalKey: tx.ExternalKey,
		TransactionType:        string(tx.TransactionType),
		Status:                 string(tx.Status),
		Amount:                 tx.Amount.String(),
		Currency:               tx.Currency,
		APIInitiated:           tx.APIInitiated,
	}))
}

func (e *Engine) publish(ctx context.Context, event events.Event) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, event); err != nil {
		e.logger.Warn("failed to publish event", "event_type", event.EventType(), "error", err)
	}
}

func storeError(op string, err error) error {
	if errors.Is(err, ErrDuplicateKey) {
		return errs.NewConflictError(fmt.Sprintf("%s: external key already exists", op), errs.ErrCodeExternalKeyConflict).WithCause(err)
	}
	return errs.NewInternalError(op+" failed", err)
}

func copyProperties(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func uuidString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}
