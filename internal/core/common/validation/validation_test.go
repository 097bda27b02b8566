package validation_test

import (
	errors "github.com/frahmantamala/payment-engine/internal"
	"github.com/frahmantamala/payment-engine/internal/core/common/validation"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
)

var _ = Describe("ValidationBuilder", func() {
	It("collects every failing field", func() {
		// Given
		v := validation.NewValidator()
		v.Field("payment_external_key", "").Required()
		v.Field("account_id", uuid.Nil).Required()
		v.Field("currency", "usd").Required().Currency()

		// When
		err := v.Validate()

		// Then
		Expect(err).NotTo(BeNil())
		Expect(err.Type).To(Equal(errors.ErrorTypeValidation))
		details, ok := err.Details.(errors.ValidationErrors)
		Expect(ok).To(BeTrue())
		Expect(details.Errors).To(HaveLen(3))
		Expect(details.Errors[2].Code).To(Equal(string(errors.ErrCodeInvalidCurrency)))
	})

	It("accepts a nil optional amount but rejects a negative one", func() {
		neg := decimal.NewFromInt(-1)

		v := validation.NewValidator()
		v.Field("amount", (*decimal.Decimal)(nil)).NonNegative()
		Expect(v.Validate()).To(BeNil())

		v = validation.NewValidator()
		v.Field("amount", &neg).NonNegative()
		err := v.Validate()
		Expect(err).NotTo(BeNil())
		Expect(err.Error()).To(Equal("amount cannot be negative"))
	})

	It("rejects zero for Positive", func() {
		v := validation.NewValidator()
		v.Field("item_amount", decimal.Zero).Positive(errors.ErrCodeInvalidItemAmount)

		err := v.Validate()

		Expect(err).NotTo(BeNil())
		details := err.Details.(errors.ValidationErrors)
		Expect(details.Errors[0].Code).To(Equal(string(errors.ErrCodeInvalidItemAmount)))
	})

	It("passes valid input", func() {
		v := validation.NewValidator()
		v.Field("currency", "EUR").Required().Currency()
		v.Field("transaction_external_key", "tx-1").Required().MaxLength(255)

		Expect(v.Validate()).To(BeNil())
	})
})
