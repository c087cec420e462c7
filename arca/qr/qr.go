package qr

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/alapierre/go-arca-client/arca"
	"github.com/alapierre/go-arca-client/arca/wsfe"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "arca.qr")

const BaseURL = "https://www.afip.gob.ar/fe/qr/"

// Authorization code types.
const (
	CodeTypeCAE  = "E"
	CodeTypeCAEA = "A"
)

// Payload is the JSON document (version 1) encoded in the QR printed on every voucher.
type Payload struct {
	Date              time.Time
	Cuit              arca.Cuit
	PointOfSale       int
	VoucherType       int
	Number            int64
	Amount            decimal.Decimal
	Currency          string
	Rate              decimal.Decimal
	ReceiverDocType   int
	ReceiverDocNumber string
	CodeType          string
	Code              string
}

// FromVoucher builds the payload of a voucher returned by FECompConsultar.
func FromVoucher(cuit arca.Cuit, v *wsfe.Voucher) (Payload, error) {
	date, err := time.Parse(wsfe.DateLayout, v.InvoiceDate)
	if err != nil {
		return Payload{}, errors.Wrapf(err, "voucher date %q", v.InvoiceDate)
	}
	codeType := CodeTypeCAE
	if strings.EqualFold(v.EmissionType, "CAEA") {
		codeType = CodeTypeCAEA
	}
	return Payload{
		Date:              date,
		Cuit:              cuit,
		PointOfSale:       v.PointOfSale,
		VoucherType:       v.VoucherType,
		Number:            v.Number,
		Amount:            v.TotalAmount,
		Currency:          v.CurrencyID,
		Rate:              v.CurrencyRate,
		ReceiverDocType:   v.DocumentType,
		ReceiverDocNumber: v.DocumentNumber,
		CodeType:          codeType,
		Code:              v.AuthCode,
	}, nil
}

func (p Payload) validate() error {
	if err := p.Cuit.Validate(); err != nil {
		return err
	}
	if p.PointOfSale < 1 || p.VoucherType < 1 || p.Number < 1 {
		return errors.New("point of sale, voucher type and number are required")
	}
	if len(p.Code) != 14 || !isDigits(p.Code) {
		return errors.Errorf("authorization code must have 14 digits, got %q", p.Code)
	}
	if p.CodeType != CodeTypeCAE && p.CodeType != CodeTypeCAEA {
		return errors.Errorf("invalid authorization code type %q", p.CodeType)
	}
	if p.ReceiverDocNumber != "" && !isDigits(p.ReceiverDocNumber) {
		return errors.Errorf("receiver document number must be numeric, got %q", p.ReceiverDocNumber)
	}
	return nil
}

// JSON encodes the payload. Numeric fields are JSON numbers, as the verification site expects.
func (p Payload) JSON() ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	rate := p.Rate
	if rate.IsZero() {
		rate = decimal.NewFromInt(1)
	}

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("ver", func(e *jx.Encoder) { e.Int(1) })
		e.Field("fecha", func(e *jx.Encoder) { e.Str(p.Date.Format("2006-01-02")) })
		e.Field("cuit", func(e *jx.Encoder) { e.Raw([]byte(p.Cuit.String())) })
		e.Field("ptoVta", func(e *jx.Encoder) { e.Int(p.PointOfSale) })
		e.Field("tipoCmp", func(e *jx.Encoder) { e.Int(p.VoucherType) })
		e.Field("nroCmp", func(e *jx.Encoder) { e.Int64(p.Number) })
		e.Field("importe", func(e *jx.Encoder) { e.Raw([]byte(p.Amount.StringFixed(2))) })
		e.Field("moneda", func(e *jx.Encoder) { e.Str(p.Currency) })
		e.Field("ctz", func(e *jx.Encoder) { e.Raw([]byte(rate.String())) })
		if p.ReceiverDocType > 0 {
			e.Field("tipoDocRec", func(e *jx.Encoder) { e.Int(p.ReceiverDocType) })
			e.Field("nroDocRec", func(e *jx.Encoder) { e.Raw([]byte(trimLeadingZeros(p.ReceiverDocNumber))) })
		}
		e.Field("tipoCodAut", func(e *jx.Encoder) { e.Str(p.CodeType) })
		e.Field("codAut", func(e *jx.Encoder) { e.Raw([]byte(p.Code)) })
	})
	return e.Bytes(), nil
}

// GenerateVerificationLink returns the URL encoded in the voucher QR:
// https://www.afip.gob.ar/fe/qr/?p={base64(JSON)}
func GenerateVerificationLink(p Payload) (string, error) {
	b, err := p.JSON()
	if err != nil {
		return "", err
	}
	logger.Debugf("QR payload: %s", b)
	return BaseURL + "?p=" + base64.StdEncoding.EncodeToString(b), nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}

func trimLeadingZeros(s string) string {
	t := strings.TrimLeft(s, "0")
	if t == "" {
		return "0"
	}
	return t
}
