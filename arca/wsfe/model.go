package wsfe

import (
	"regexp"
	"strings"
	"time"

	"github.com/alapierre/go-arca-client/arca"
	"github.com/shopspring/decimal"
)

// Concept codes.
const (
	ConceptProducts            = 1
	ConceptServices            = 2
	ConceptProductsAndServices = 3
)

// Document types most often used by the facade.
const (
	DocTypeCUIT = 80
	DocTypeDNI  = 96
	DocTypeNone = 99
)

const DateLayout = "20060102"

type ServerStatus struct {
	AppServer  string `json:"appServer"`
	DbServer   string `json:"dbServer"`
	AuthServer string `json:"authServer"`
}

// VatRate is one AlicIva entry. ID is the WSFE rate code (5 = 21%, 4 = 10.5%, ...).
type VatRate struct {
	ID         int             `json:"id"`
	BaseAmount decimal.Decimal `json:"baseAmount"`
	Amount     decimal.Decimal `json:"amount"`
}

// InvoiceRequest describes a single voucher to authorize. The voucher number is not part of it:
// CreateInvoice assigns last authorized + 1. Amounts must reconcile, which is the caller's job.
type InvoiceRequest struct {
	PointOfSale    int             `json:"pointOfSale"`
	VoucherType    int             `json:"voucherType"`
	Concept        int             `json:"concept"`
	DocumentType   int             `json:"documentType"`
	DocumentNumber string          `json:"documentNumber"`
	InvoiceDate    string          `json:"invoiceDate"`
	NetAmount      decimal.Decimal `json:"netAmount"`
	ExemptAmount   decimal.Decimal `json:"exemptAmount"`
	TaxAmount      decimal.Decimal `json:"taxAmount"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	CurrencyID     string          `json:"currencyId"`
	CurrencyRate   decimal.Decimal `json:"currencyRate"`

	NonTaxedAmount       decimal.Decimal `json:"nonTaxedAmount"`
	OtherTaxesAmount     decimal.Decimal `json:"otherTaxesAmount"`
	ServiceFrom          string          `json:"serviceFrom,omitempty"`
	ServiceTo            string          `json:"serviceTo,omitempty"`
	PaymentDueDate       string          `json:"paymentDueDate,omitempty"`
	ReceiverVatCondition int             `json:"receiverVatCondition,omitempty"`
	Vat                  []VatRate       `json:"vat,omitempty"`
}

var digitsRe = regexp.MustCompile(`^\d+$`)

// Validate checks what can be checked locally. Amount reconciliation is left to WSFE.
func (r *InvoiceRequest) Validate() error {
	switch {
	case r.PointOfSale < 1 || r.PointOfSale > 99998:
		return &arca.ValidationError{Field: "pointOfSale", Value: r.PointOfSale, Message: "must be between 1 and 99998"}
	case r.VoucherType < 1:
		return &arca.ValidationError{Field: "voucherType", Value: r.VoucherType, Message: "is required"}
	case r.Concept < ConceptProducts || r.Concept > ConceptProductsAndServices:
		return &arca.ValidationError{Field: "concept", Value: r.Concept, Message: "must be 1, 2 or 3"}
	case r.DocumentType < 1:
		return &arca.ValidationError{Field: "documentType", Value: r.DocumentType, Message: "is required"}
	case !digitsRe.MatchString(r.DocumentNumber):
		return &arca.ValidationError{Field: "documentNumber", Value: r.DocumentNumber, Message: "must contain digits only"}
	case len(strings.TrimSpace(r.CurrencyID)) != 3:
		return &arca.ValidationError{Field: "currencyId", Value: r.CurrencyID, Message: "must be a 3 letter currency code"}
	case !r.CurrencyRate.IsPositive():
		return &arca.ValidationError{Field: "currencyRate", Value: r.CurrencyRate, Message: "must be positive"}
	}

	if err := validateDate("invoiceDate", r.InvoiceDate, true); err != nil {
		return err
	}
	for field, v := range map[string]string{
		"serviceFrom":    r.ServiceFrom,
		"serviceTo":      r.ServiceTo,
		"paymentDueDate": r.PaymentDueDate,
	} {
		if err := validateDate(field, v, false); err != nil {
			return err
		}
	}

	for field, v := range map[string]decimal.Decimal{
		"netAmount":        r.NetAmount,
		"exemptAmount":     r.ExemptAmount,
		"taxAmount":        r.TaxAmount,
		"totalAmount":      r.TotalAmount,
		"nonTaxedAmount":   r.NonTaxedAmount,
		"otherTaxesAmount": r.OtherTaxesAmount,
	} {
		if v.IsNegative() {
			return &arca.ValidationError{Field: field, Value: v, Message: "must not be negative"}
		}
	}
	for _, v := range r.Vat {
		if v.ID < 1 || v.BaseAmount.IsNegative() || v.Amount.IsNegative() {
			return &arca.ValidationError{Field: "vat", Value: v.ID, Message: "invalid VAT rate entry"}
		}
	}
	return nil
}

// withDefaults fills in what WSFE requires for services but callers usually omit.
func (r InvoiceRequest) withDefaults() InvoiceRequest {
	r.CurrencyID = strings.ToUpper(strings.TrimSpace(r.CurrencyID))
	if r.Concept == ConceptServices || r.Concept == ConceptProductsAndServices {
		if r.ServiceFrom == "" {
			r.ServiceFrom = r.InvoiceDate
		}
		if r.ServiceTo == "" {
			r.ServiceTo = r.InvoiceDate
		}
		if r.PaymentDueDate == "" {
			r.PaymentDueDate = r.InvoiceDate
		}
	}
	return r
}

func validateDate(field, v string, required bool) error {
	if v == "" {
		if required {
			return &arca.ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
	if _, err := time.Parse(DateLayout, v); err != nil {
		return &arca.ValidationError{Field: field, Value: v, Message: "must be a YYYYMMDD date"}
	}
	return nil
}

// Outcome classifies a CreateInvoice result.
type Outcome string

const (
	// Approved means WSFE issued a CAE.
	Approved Outcome = "approved"
	// Rejected is a business rejection: local validation or fiscal Errors/Observaciones.
	Rejected Outcome = "rejected"
	// Failed covers transport, authentication and unexpected responses.
	Failed Outcome = "failed"
)

type InvoiceResult struct {
	Success           bool     `json:"success"`
	Outcome           Outcome  `json:"outcome"`
	CAE               string   `json:"cae,omitempty"`
	CAEExpirationDate string   `json:"caeExpirationDate,omitempty"`
	VoucherNumber     int64    `json:"voucherNumber,omitempty"`
	Errors            []string `json:"errors,omitempty"`
	Observations      []string `json:"observations,omitempty"`

	// Err is the underlying failure, if any.
	Err error `json:"-"`
}

func failed(err error) InvoiceResult {
	return InvoiceResult{Outcome: Failed, Errors: []string{err.Error()}, Err: err}
}

func rejected(err error, msgs []string) InvoiceResult {
	return InvoiceResult{Outcome: Rejected, Errors: msgs, Err: err}
}

// Voucher is an authorized voucher as returned by FECompConsultar.
type Voucher struct {
	PointOfSale      int             `json:"pointOfSale"`
	VoucherType      int             `json:"voucherType"`
	Number           int64           `json:"number"`
	Concept          int             `json:"concept"`
	DocumentType     int             `json:"documentType"`
	DocumentNumber   string          `json:"documentNumber"`
	InvoiceDate      string          `json:"invoiceDate"`
	TotalAmount      decimal.Decimal `json:"totalAmount"`
	NonTaxedAmount   decimal.Decimal `json:"nonTaxedAmount"`
	NetAmount        decimal.Decimal `json:"netAmount"`
	ExemptAmount     decimal.Decimal `json:"exemptAmount"`
	OtherTaxesAmount decimal.Decimal `json:"otherTaxesAmount"`
	TaxAmount        decimal.Decimal `json:"taxAmount"`
	CurrencyID       string          `json:"currencyId"`
	CurrencyRate     decimal.Decimal `json:"currencyRate"`
	Result           string          `json:"result"`
	AuthCode         string          `json:"authCode"`
	EmissionType     string          `json:"emissionType"`
	AuthExpiration   string          `json:"authExpiration"`
	ProcessedAt      string          `json:"processedAt"`
	Observations     []string        `json:"observations,omitempty"`
}
