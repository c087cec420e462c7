package server

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/alapierre/go-arca-client/arca"
	"github.com/alapierre/go-arca-client/arca/qr"
	"github.com/alapierre/go-arca-client/arca/wsfe"
	"github.com/alapierre/go-arca-client/png"
	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Argentina has no daylight saving time; the fixed zone avoids a tzdata dependency.
var argentina = time.FixedZone("ART", -3*60*60)

func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), durationOr(s.config.RequestTimeout, DefaultRequestTimeout))
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"time":          s.clock.Now().UTC().Format(time.RFC3339),
		"authenticated": s.tokens.IsTokenValid(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	status, err := s.invoicer.Status(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, StatusResponse{Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Success: true, Data: status})
}

func (s *Server) handleVoucher(c *gin.Context) {
	if c.Param("number") == "last" {
		s.handleLastVoucher(c)
		return
	}

	pos, voucherType, number, ok := voucherParams(c)
	if !ok {
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	v, err := s.invoicer.GetVoucher(ctx, pos, voucherType, number)
	if err != nil {
		writeLookupError(c, err)
		return
	}

	resp := VoucherResponse{Success: true, Voucher: v}
	if p, err := qr.FromVoucher(s.config.Cuit, v); err == nil {
		if link, err := qr.GenerateVerificationLink(p); err == nil {
			resp.QRLink = link
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleLastVoucher(c *gin.Context) {
	pos, voucherType, ok := pointOfSaleParams(c)
	if !ok {
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	last, err := s.invoicer.LastVoucherNumber(ctx, pos, voucherType)
	if err != nil {
		c.JSON(http.StatusInternalServerError, LastVoucherResponse{Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, LastVoucherResponse{Success: true, LastVoucherNumber: last})
}

func (s *Server) handleVoucherQR(c *gin.Context) {
	pos, voucherType, number, ok := voucherParams(c)
	if !ok {
		return
	}

	size := png.DefaultSize
	if raw := c.Query("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 64 || n > 2048 {
			c.JSON(http.StatusBadRequest, MessageResponse{Message: "size must be between 64 and 2048"})
			return
		}
		size = n
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	v, err := s.invoicer.GetVoucher(ctx, pos, voucherType, number)
	if err != nil {
		writeLookupError(c, err)
		return
	}

	p, err := qr.FromVoucher(s.config.Cuit, v)
	if err != nil {
		c.JSON(http.StatusInternalServerError, MessageResponse{Message: err.Error()})
		return
	}
	link, err := qr.GenerateVerificationLink(p)
	if err != nil {
		c.JSON(http.StatusInternalServerError, MessageResponse{Message: err.Error()})
		return
	}
	img, err := png.QR(link, size)
	if err != nil {
		c.JSON(http.StatusInternalServerError, MessageResponse{Message: err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/png", img)
}

// invoiceDefaults are the values POST /invoice uses for fields missing from the body.
func (s *Server) invoiceDefaults() wsfe.InvoiceRequest {
	return wsfe.InvoiceRequest{
		PointOfSale:  s.config.PointOfSale,
		Concept:      wsfe.ConceptServices,
		DocumentType: wsfe.DocTypeDNI,
		CurrencyID:   "PES",
		CurrencyRate: decimal.NewFromInt(1),
		InvoiceDate:  s.clock.Now().In(argentina).Format(wsfe.DateLayout),
	}
}

func (s *Server) handleCreateInvoice(c *gin.Context) {
	req := s.invoiceDefaults()
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, InvoiceResponse{Errors: []string{"invalid JSON body: " + err.Error()}})
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	res := s.invoicer.CreateInvoice(ctx, req)
	switch res.Outcome {
	case wsfe.Approved:
		c.JSON(http.StatusOK, InvoiceResponse{Success: true, Invoice: &res})
	case wsfe.Rejected:
		c.JSON(http.StatusBadRequest, InvoiceResponse{Errors: res.Errors, Observations: res.Observations})
	default:
		c.JSON(http.StatusInternalServerError, InvoiceResponse{Errors: res.Errors})
	}
}

func (s *Server) handleClearTokens(c *gin.Context) {
	if err := s.tokens.ClearTokens(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, MessageResponse{Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, MessageResponse{Success: true, Message: "authorization tickets cleared"})
}

func (s *Server) handleForceReauth(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	t, err := s.tokens.ForceNewAuthentication(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, MessageResponse{Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, MessageResponse{
		Success: true,
		Message: "re-authenticated, ticket valid until " + t.ExpirationTime.Format(time.RFC3339),
	})
}

func pointOfSaleParams(c *gin.Context) (pos, voucherType int, ok bool) {
	pos, err := strconv.Atoi(c.Param("pointOfSale"))
	if err != nil || pos < 1 {
		c.JSON(http.StatusBadRequest, MessageResponse{Message: "pointOfSale must be a positive integer"})
		return 0, 0, false
	}
	voucherType, err = strconv.Atoi(c.Param("voucherType"))
	if err != nil || voucherType < 1 {
		c.JSON(http.StatusBadRequest, MessageResponse{Message: "voucherType must be a positive integer"})
		return 0, 0, false
	}
	return pos, voucherType, true
}

func voucherParams(c *gin.Context) (pos, voucherType int, number int64, ok bool) {
	pos, voucherType, ok = pointOfSaleParams(c)
	if !ok {
		return 0, 0, 0, false
	}
	number, err := strconv.ParseInt(c.Param("number"), 10, 64)
	if err != nil || number < 1 {
		c.JSON(http.StatusBadRequest, MessageResponse{Message: "number must be a positive integer"})
		return 0, 0, 0, false
	}
	return pos, voucherType, number, true
}

// writeLookupError maps fiscal errors (unknown voucher, bad point of sale) to 400.
func writeLookupError(c *gin.Context, err error) {
	var apiErr *arca.APIError
	if errors.As(err, &apiErr) {
		c.JSON(http.StatusBadRequest, VoucherResponse{Errors: apiErr.Messages()})
		return
	}
	c.JSON(http.StatusInternalServerError, VoucherResponse{Errors: []string{err.Error()}})
}
