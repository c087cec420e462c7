package server

import (
	"github.com/alapierre/go-arca-client/arca/wsfe"
)

// StatusResponse is the response of GET /status
type StatusResponse struct {
	Success bool               `json:"success"`
	Data    *wsfe.ServerStatus `json:"data,omitempty"`
	Message string             `json:"message,omitempty"`
}

// LastVoucherResponse is the response of GET /voucher/:pointOfSale/:voucherType/last
type LastVoucherResponse struct {
	Success           bool   `json:"success"`
	LastVoucherNumber int64  `json:"lastVoucherNumber"`
	Message           string `json:"message,omitempty"`
}

// InvoiceResponse is the response of POST /invoice. Invoice is set only on success.
type InvoiceResponse struct {
	Success      bool                `json:"success"`
	Invoice      *wsfe.InvoiceResult `json:"invoice,omitempty"`
	Errors       []string            `json:"errors,omitempty"`
	Observations []string            `json:"observations,omitempty"`
}

// VoucherResponse is the response of GET /voucher/:pointOfSale/:voucherType/:number
type VoucherResponse struct {
	Success bool          `json:"success"`
	Voucher *wsfe.Voucher `json:"voucher,omitempty"`
	QRLink  string        `json:"qrLink,omitempty"`
	Errors  []string      `json:"errors,omitempty"`
}

// MessageResponse is returned by the operational endpoints and on plain errors.
type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
