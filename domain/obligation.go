package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ObligationStatus represents the payment status of a tax obligation.
type ObligationStatus string

const (
	ObligationStatusPending    ObligationStatus = "pending"
	ObligationStatusProcessing ObligationStatus = "processing"
	ObligationStatusPaid       ObligationStatus = "paid"
	ObligationStatusFailed     ObligationStatus = "failed"
)

// TaxRecipient holds the tax authority's payment requisites.
type TaxRecipient struct {
	Name    string `bson:"name" json:"name"`
	INN     string `bson:"inn" json:"inn"`
	KPP     string `bson:"kpp" json:"kpp"`
	Account string `bson:"account" json:"account"`
	Bank    string `bson:"bank" json:"bank"`
	BIK     string `bson:"bik" json:"bik"`
}

// DefaultTaxRecipient returns the federal tax service requisites payments are
// addressed to unless overridden.
func DefaultTaxRecipient() TaxRecipient {
	return TaxRecipient{
		Name:    "FNS Rossii",
		INN:     "7707329152",
		KPP:     "770701001",
		Account: "40101810800000010041",
		Bank:    "GU Banka Rossii po CFO",
		BIK:     "044525000",
	}
}

// TaxObligation is a tax amount owed for one period, independent of any
// specific payment attempt. It becomes payment-bound only once a payment is
// initiated against it.
type TaxObligation struct {
	ID        string          `bson:"_id" json:"id"`
	SubjectID string          `bson:"subject_id" json:"subject_id"`
	Period    string          `bson:"period" json:"period"` // YYYY-MM
	Amount    decimal.Decimal `bson:"amount" json:"amount"`
	Currency  string          `bson:"currency" json:"currency"`
	PayerINN  string          `bson:"payer_inn" json:"payer_inn"`
	Recipient TaxRecipient    `bson:"recipient" json:"recipient"`
	Reference string          `bson:"reference" json:"reference"`

	Status        ObligationStatus `bson:"status" json:"status"`
	Provider      string           `bson:"provider,omitempty" json:"provider,omitempty"`
	AccountID     string           `bson:"account_id,omitempty" json:"account_id,omitempty"`
	PaymentID     string           `bson:"payment_id,omitempty" json:"payment_id,omitempty"`
	PaidAt        time.Time        `bson:"paid_at,omitempty" json:"paid_at,omitempty"`
	FailureReason string           `bson:"failure_reason,omitempty" json:"failure_reason,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// PaymentReference builds the purpose string carried on the payment order.
func PaymentReference(period, payerINN string) string {
	return fmt.Sprintf("Tax on professional income for %s, INN %s", period, payerINN)
}

// PreviousPeriod returns the tax period (YYYY-MM) preceding the given time.
func PreviousPeriod(now time.Time) string {
	prev := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, -1, 0)
	return fmt.Sprintf("%04d-%02d", prev.Year(), prev.Month())
}
