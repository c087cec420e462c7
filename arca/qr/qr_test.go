package qr

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/alapierre/go-arca-client/arca/wsfe"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePayload() Payload {
	return Payload{
		Date:              time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Cuit:              "20123456786",
		PointOfSale:       1,
		VoucherType:       6,
		Number:            11,
		Amount:            decimal.NewFromInt(121),
		Currency:          "PES",
		Rate:              decimal.NewFromInt(1),
		ReceiverDocType:   96,
		ReceiverDocNumber: "30111222",
		CodeType:          CodeTypeCAE,
		Code:              "75012345678901",
	}
}

func TestGenerateVerificationLink(t *testing.T) {
	link, err := GenerateVerificationLink(samplePayload())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(link, "https://www.afip.gob.ar/fe/qr/?p="))

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(link, BaseURL+"?p="))
	require.NoError(t, err)

	got := map[string]string{}
	err = jx.DecodeBytes(raw).Obj(func(d *jx.Decoder, key string) error {
		v, err := d.Raw()
		got[key] = v.String()
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"ver":        "1",
		"fecha":      `"2025-01-01"`,
		"cuit":       "20123456786",
		"ptoVta":     "1",
		"tipoCmp":    "6",
		"nroCmp":     "11",
		"importe":    "121.00",
		"moneda":     `"PES"`,
		"ctz":        "1",
		"tipoDocRec": "96",
		"nroDocRec":  "30111222",
		"tipoCodAut": `"E"`,
		"codAut":     "75012345678901",
	}, got)
}

func TestPayload_Invalid(t *testing.T) {
	p := samplePayload()
	p.Code = "123"
	_, err := GenerateVerificationLink(p)
	assert.Error(t, err)

	p = samplePayload()
	p.Cuit = "20-1"
	_, err = GenerateVerificationLink(p)
	assert.Error(t, err)
}

func TestFromVoucher(t *testing.T) {
	v := &wsfe.Voucher{
		PointOfSale:    1,
		VoucherType:    6,
		Number:         11,
		DocumentType:   96,
		DocumentNumber: "30111222",
		InvoiceDate:    "20250101",
		TotalAmount:    decimal.RequireFromString("121.5"),
		CurrencyID:     "PES",
		CurrencyRate:   decimal.NewFromInt(1),
		AuthCode:       "75012345678901",
		EmissionType:   "CAE",
	}

	p, err := FromVoucher("20123456786", v)
	require.NoError(t, err)
	assert.Equal(t, CodeTypeCAE, p.CodeType)
	assert.Equal(t, "2025-01-01", p.Date.Format("2006-01-02"))

	b, err := p.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(b), `"importe":121.50`)
}
