package paymentgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	paymentmodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/payment"
	gatewaytypes "github.com/frahmantamala/payment-engine/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/payment-engine/internal/payment"
)

// ErrUnavailable is returned when the gateway answered with a server error.
var ErrUnavailable = errors.New("payment gateway unavailable")

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to a remote gateway over HTTP. Calls are keyed by the transaction id, so a
// resent request is answered with the earlier outcome.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(config Config, logger *slog.Logger) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		apiKey:     config.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "payment_gateway"),
	}
}

func (c *Client) Execute(ctx context.Context, req *payment.GatewayRequest) (*payment.GatewayResult, error) {
	body := toOperationRequest(req)
	if err := body.Validate(); err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gateway request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/operations", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.TransactionID.String())
	c.authorize(httpReq)

	c.logger.Info("sending gateway operation",
		"operation", body.Operation,
		"transaction_id", body.TransactionID,
		"transaction_external_key", body.TransactionExternalKey,
		"amount", body.Amount.String(),
		"currency", body.Currency)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		// a rejected request is a decline of this attempt
		data, _ := decodeOperation(resp.Body)
		result := &payment.GatewayResult{
			Status:       paymentmodel.StatusPaymentFailure,
			ErrorCode:    fmt.Sprintf("HTTP_%d", resp.StatusCode),
			ErrorMessage: http.StatusText(resp.StatusCode),
		}
		if data != nil && data.ErrorCode != "" {
			result.ErrorCode = data.ErrorCode
			result.ErrorMessage = data.ErrorMessage
		}
		c.logger.Warn("gateway rejected operation",
			"transaction_external_key", body.TransactionExternalKey,
			"status_code", resp.StatusCode,
			"error_code", result.ErrorCode)
		return result, nil
	}

	data, err := decodeOperation(resp.Body)
	if err != nil {
		return nil, err
	}

	result := toResult(data)
	c.logger.Info("gateway operation finished",
		"transaction_external_key", body.TransactionExternalKey,
		"gateway_status", data.Status,
		"status", result.Status)
	return result, nil
}

// QueryStatus looks up an earlier operation. A gateway that never saw the id answers 404,
// which is reported as UNKNOWN.
func (c *Client) QueryStatus(ctx context.Context, req *payment.GatewayRequest) (*payment.GatewayResult, error) {
	endpoint := fmt.Sprintf("%s/operations/%s", c.baseURL, url.PathEscape(req.TransactionID.String()))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to get operation status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &payment.GatewayResult{Status: paymentmodel.StatusUnknown}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	data, err := decodeOperation(resp.Body)
	if err != nil {
		return nil, err
	}
	return toResult(data), nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func decodeOperation(r io.Reader) (*gatewaytypes.OperationData, error) {
	var apiResponse gatewaytypes.OperationResponse
	if err := json.NewDecoder(r).Decode(&apiResponse); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &apiResponse.Data, nil
}

func toOperationRequest(req *payment.GatewayRequest) *gatewaytypes.OperationRequest {
	props := make(map[string]string, len(req.Properties))
	for k, v := range req.Properties {
		switch val := v.(type) {
		case nil:
		case string:
			props[k] = val
		default:
			if b, err := json.Marshal(val); err == nil {
				props[k] = string(b)
			}
		}
	}

	return &gatewaytypes.OperationRequest{
		Operation:              string(req.TransactionType),
		PaymentID:              req.PaymentID.String(),
		TransactionID:          req.TransactionID.String(),
		TransactionExternalKey: req.TransactionExternalKey,
		Amount:                 req.Amount,
		Currency:               req.Currency,
		Properties:             props,
	}
}

func toResult(data *gatewaytypes.OperationData) *payment.GatewayResult {
	result := &payment.GatewayResult{
		Status:            MapStatus(data.Status),
		ProcessedAmount:   data.ProcessedAmount,
		ProcessedCurrency: data.ProcessedCurrency,
		ErrorCode:         data.ErrorCode,
		ErrorMessage:      data.ErrorMessage,
	}
	return result
}

// MapStatus converts a gateway status into an attempt status. Anything unrecognised is
// UNKNOWN so the janitor re-queries it later.
func MapStatus(s gatewaytypes.Status) paymentmodel.TransactionStatus {
	switch s {
	case gatewaytypes.StatusSuccess:
		return paymentmodel.StatusSuccess
	case gatewaytypes.StatusPending:
		return paymentmodel.StatusPending
	case gatewaytypes.StatusDeclined:
		return paymentmodel.StatusPaymentFailure
	case gatewaytypes.StatusError:
		return paymentmodel.StatusPluginFailure
	default:
		return paymentmodel.StatusUnknown
	}
}
