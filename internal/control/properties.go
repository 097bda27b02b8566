package control

import (
	"encoding/json"
	"fmt"
	"strconv"

	errs "github.com/frahmantamala/payment-engine/internal"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	PropInvoiceID             = "IPCD_INVOICE_ID"
	PropRefundIDsAmounts      = "IPCD_REFUND_IDS_AMOUNTS"
	PropRefundWithAdjustments = "IPCD_REFUND_WITH_ADJUSTMENTS"
)

func invoiceIDFrom(props map[string]interface{}) (uuid.UUID, error) {
	raw, ok := props[PropInvoiceID].(string)
	if !ok || raw == "" {
		return uuid.Nil, errs.NewValidationFieldError(PropInvoiceID,
			fmt.Sprintf("a valid invoice id is required in property %s", PropInvoiceID),
			errs.ErrCodeMissingProperty)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errs.NewValidationFieldError(PropInvoiceID,
			fmt.Sprintf("invalid invoice id %q", raw), errs.ErrCodeMissingProperty)
	}
	return id, nil
}

// refundItemAmounts reads the invoice item overrides of a refund. A nil amount means the
// full item amount.
func refundItemAmounts(props map[string]interface{}) (map[uuid.UUID]*decimal.Decimal, error) {
	out := make(map[uuid.UUID]*decimal.Decimal)

	switch raw := props[PropRefundIDsAmounts].(type) {
	case nil:
	case map[string]interface{}:
		for key, value := range raw {
			id, amount, err := refundItemEntry(key, value)
			if err != nil {
				return nil, err
			}
			out[id] = amount
		}
	case map[string]string:
		for key, value := range raw {
			id, amount, err := refundItemEntry(key, value)
			if err != nil {
				return nil, err
			}
			out[id] = amount
		}
	default:
		return nil, errs.NewValidationFieldError(PropRefundIDsAmounts,
			"invoice item amounts must map item ids to amounts", errs.ErrCodeInvalidItemAmount)
	}
	return out, nil
}

func refundItemEntry(key string, value interface{}) (uuid.UUID, *decimal.Decimal, error) {
	id, err := uuid.Parse(key)
	if err != nil {
		return uuid.Nil, nil, errs.NewValidationFieldError(PropRefundIDsAmounts,
			fmt.Sprintf("invalid invoice item id %q", key), errs.ErrCodeUnknownInvoiceItem)
	}

	var amount decimal.Decimal
	switch v := value.(type) {
	case nil:
		return id, nil, nil
	case string:
		if v == "" {
			return id, nil, nil
		}
		amount, err = decimal.NewFromString(v)
	case float64:
		amount = decimal.NewFromFloat(v)
	case json.Number:
		amount, err = decimal.NewFromString(v.String())
	case decimal.Decimal:
		amount = v
	default:
		err = fmt.Errorf("unsupported amount type %T", value)
	}
	if err != nil {
		return uuid.Nil, nil, errs.NewValidationFieldError(PropRefundIDsAmounts,
			"invalid invoice item amount", errs.ErrCodeInvalidItemAmount)
	}
	return id, &amount, nil
}

func refundWithAdjustments(props map[string]interface{}) bool {
	switch v := props[PropRefundWithAdjustments].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		return err == nil && b
	}
	return false
}
