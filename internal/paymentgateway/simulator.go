package paymentgateway

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	paymentmodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/payment"
	"github.com/frahmantamala/payment-engine/internal/payment"
)

type SimulatorConfig struct {
	DeclineRate float64
	Latency     time.Duration
	Seed        int64
}

// Simulator stands in for a real gateway on local runs. Purchases and authorizations are
// declined at DeclineRate; every other operation succeeds. Outcomes are remembered per
// transaction id and answered again for a resent call.
type Simulator struct {
	cfg    SimulatorConfig
	logger *slog.Logger

	mu      sync.Mutex
	rand    *rand.Rand
	results map[string]payment.GatewayResult
}

func NewSimulator(cfg SimulatorConfig, logger *slog.Logger) *Simulator {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{
		cfg:     cfg,
		logger:  logger.With("component", "gateway_simulator"),
		rand:    rand.New(rand.NewSource(seed)),
		results: make(map[string]payment.GatewayResult),
	}
}

func (s *Simulator) Execute(ctx context.Context, req *payment.GatewayRequest) (*payment.GatewayResult, error) {
	if s.cfg.Latency > 0 {
		select {
		case <-time.After(s.cfg.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok := s.results[req.TransactionID.String()]; ok {
		return &prior, nil
	}

	result := payment.GatewayResult{
		Status:            paymentmodel.StatusSuccess,
		ProcessedAmount:   req.Amount,
		ProcessedCurrency: req.Currency,
	}
	declinable := req.TransactionType == paymentmodel.TransactionTypePurchase ||
		req.TransactionType == paymentmodel.TransactionTypeAuthorize
	if declinable && s.rand.Float64() < s.cfg.DeclineRate {
		result = payment.GatewayResult{
			Status:       paymentmodel.StatusPaymentFailure,
			ErrorCode:    "INSUFFICIENT_FUNDS",
			ErrorMessage: "Insufficient funds",
		}
	}
	s.results[req.TransactionID.String()] = result

	s.logger.Info("simulated gateway operation",
		"operation", req.TransactionType,
		"transaction_external_key", req.TransactionExternalKey,
		"status", result.Status)
	return &result, nil
}

func (s *Simulator) QueryStatus(_ context.Context, req *payment.GatewayRequest) (*payment.GatewayResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok := s.results[req.TransactionID.String()]; ok {
		return &prior, nil
	}
	return &payment.GatewayResult{Status: paymentmodel.StatusUnknown}, nil
}
