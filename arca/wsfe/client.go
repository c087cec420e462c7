// Package wsfe talks to WSFEv1, the electronic invoicing service.
package wsfe

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/alapierre/go-arca-client/arca"
	"github.com/alapierre/go-arca-client/arca/soap"
	"github.com/alapierre/go-arca-client/arca/wsaa"
	"github.com/beevik/etree"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "arca.wsfe")

const Namespace = "http://ar.gov.afip.dif.FEV1/"

const prefix = "ar"

// Authenticator supplies WSAA tickets. *wsaa.Client implements it.
type Authenticator interface {
	GetAuthTokens(ctx context.Context, forceNew bool) (wsaa.Tokens, error)
}

type Client struct {
	soap    *soap.Client
	auth    Authenticator
	cuit    arca.Cuit
	locker  VoucherLocker
	metrics *soap.Metrics
}

type options struct {
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
	locker     VoucherLocker
	metrics    *soap.Metrics
}

type Option func(*options)

// WithEndpoint overrides the service URL selected by the environment.
func WithEndpoint(url string) Option {
	return func(o *options) { o.endpoint = url }
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithLocker replaces the in-process voucher lock, e.g. with a RedisLocker.
func WithLocker(l VoucherLocker) Option {
	return func(o *options) { o.locker = l }
}

func WithMetrics(m *soap.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func NewClient(env arca.Environment, cuit arca.Cuit, auth Authenticator, opts ...Option) *Client {
	o := options{
		endpoint: env.Endpoints().WSFE,
		timeout:  soap.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.locker == nil {
		o.locker = NewLocalLocker()
	}

	soapOpts := []soap.Option{soap.WithTimeout(o.timeout), soap.WithMetrics(o.metrics)}
	if o.httpClient != nil {
		soapOpts = append(soapOpts, soap.WithHTTPClient(o.httpClient))
	}

	return &Client{
		soap:    soap.NewClient("wsfe", o.endpoint, soapOpts...),
		auth:    auth,
		cuit:    cuit,
		locker:  o.locker,
		metrics: o.metrics,
	}
}

// Status calls FEDummy. It needs no ticket and is never retried.
func (c *Client) Status(ctx context.Context) (*ServerStatus, error) {
	env := soap.NewEnvelope()
	env.Operation(prefix, Namespace, "FEDummy")

	resp, err := c.call(ctx, "FEDummy", env)
	if err != nil {
		return nil, &arca.ServiceUnavailableError{Err: err}
	}

	res := resp.SelectElement("FEDummyResult")
	if res == nil {
		return nil, &arca.ServiceUnavailableError{Err: &arca.ProtocolError{Service: "wsfe", Message: "missing FEDummyResult"}}
	}
	return &ServerStatus{
		AppServer:  soap.ChildText(res, "AppServer"),
		DbServer:   soap.ChildText(res, "DbServer"),
		AuthServer: soap.ChildText(res, "AuthServer"),
	}, nil
}

// LastVoucherNumber returns the last authorized number for the pair, 0 when none was issued yet.
// Fiscal errors come back as *arca.APIError.
func (c *Client) LastVoucherNumber(ctx context.Context, pointOfSale, voucherType int) (int64, error) {
	tokens, err := c.auth.GetAuthTokens(ctx, false)
	if err != nil {
		return 0, err
	}
	return c.lastVoucherNumber(ctx, tokens, pointOfSale, voucherType)
}

func (c *Client) lastVoucherNumber(ctx context.Context, tokens wsaa.Tokens, pointOfSale, voucherType int) (int64, error) {
	env := soap.NewEnvelope()
	op := env.Operation(prefix, Namespace, "FECompUltimoAutorizado")
	c.addAuth(op, tokens)
	addInt(op, "PtoVta", pointOfSale)
	addInt(op, "CbteTipo", voucherType)

	resp, err := c.call(ctx, "FECompUltimoAutorizado", env)
	if err != nil {
		return 0, err
	}

	res := resp.SelectElement("FECompUltimoAutorizadoResult")
	if res == nil {
		return 0, &arca.ProtocolError{Service: "wsfe", Message: "missing FECompUltimoAutorizadoResult"}
	}
	if details := parseDetails(res, "Errors", "Err"); len(details) > 0 {
		return 0, &arca.APIError{Operation: "FECompUltimoAutorizado", Details: details}
	}

	raw := soap.ChildText(res, "CbteNro")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &arca.ProtocolError{Service: "wsfe", Message: "bad CbteNro", Err: err}
	}
	return n, nil
}

// CreateInvoice requests a CAE for the next voucher number. It never returns an error: fiscal
// rejections and failures are reported through InvoiceResult.Outcome.
func (c *Client) CreateInvoice(ctx context.Context, req InvoiceRequest) (res InvoiceResult) {
	log := arca.Logger(ctx, "arca.wsfe").WithFields(logrus.Fields{
		"pointOfSale": req.PointOfSale,
		"voucherType": req.VoucherType,
	})

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("CreateInvoice panicked")
			res = failed(errors.Errorf("unexpected failure: %v", r))
		}
		res.Success = res.Outcome == Approved
		c.metrics.ObserveInvoice(string(res.Outcome))
	}()

	if err := req.Validate(); err != nil {
		return rejected(err, []string{err.Error()})
	}
	req = req.withDefaults()

	unlock, err := c.locker.Lock(ctx, req.PointOfSale, req.VoucherType)
	if err != nil {
		return failed(errors.Wrap(err, "acquire voucher lock"))
	}
	defer unlock()

	tokens, err := c.auth.GetAuthTokens(ctx, false)
	if err != nil {
		log.WithError(err).Error("Authentication failed")
		return failed(err)
	}

	last, err := c.lastVoucherNumber(ctx, tokens, req.PointOfSale, req.VoucherType)
	if err != nil {
		var apiErr *arca.APIError
		if errors.As(err, &apiErr) {
			return rejected(err, apiErr.Messages())
		}
		return failed(err)
	}
	next := last + 1

	log = log.WithField("voucherNumber", next)
	log.Debug("Requesting CAE")

	env := soap.NewEnvelope()
	op := env.Operation(prefix, Namespace, "FECAESolicitar")
	c.addAuth(op, tokens)
	buildCAERequest(op, req, next)

	resp, err := c.call(ctx, "FECAESolicitar", env)
	if err != nil {
		log.WithError(err).Error("FECAESolicitar failed")
		return failed(err)
	}

	result := resp.SelectElement("FECAESolicitarResult")
	if result == nil {
		return failed(errors.Wrap(arca.ErrUnexpectedResponse, "missing FECAESolicitarResult"))
	}

	if details := parseDetails(result, "Errors", "Err"); len(details) > 0 {
		apiErr := &arca.APIError{Operation: "FECAESolicitar", Details: details}
		log.WithError(apiErr).Warn("Invoice rejected")
		return rejected(apiErr, apiErr.Messages())
	}

	det := result.FindElement("FeDetResp/FECAEDetResponse")
	if det == nil {
		log.Error("FECAESolicitar response has no detail")
		return failed(arca.ErrUnexpectedResponse)
	}

	obs := parseDetails(det, "Observaciones", "Obs")
	cae := soap.ChildText(det, "CAE")
	if cae == "" || soap.ChildText(det, "Resultado") == "R" {
		apiErr := &arca.APIError{Operation: "FECAESolicitar", Details: obs}
		msgs := apiErr.Messages()
		if len(msgs) == 0 {
			msgs = []string{"voucher rejected without observations"}
		}
		log.WithField("observations", msgs).Warn("Invoice rejected")
		return rejected(apiErr, msgs)
	}

	log.WithField("cae", cae).Info("Invoice authorized")

	res = InvoiceResult{
		Outcome:           Approved,
		CAE:               cae,
		CAEExpirationDate: soap.ChildText(det, "CAEFchVto"),
		VoucherNumber:     next,
	}
	for _, o := range obs {
		res.Observations = append(res.Observations, o.String())
	}
	return res
}

// GetVoucher looks up an authorized voucher with FECompConsultar.
func (c *Client) GetVoucher(ctx context.Context, pointOfSale, voucherType int, number int64) (*Voucher, error) {
	tokens, err := c.auth.GetAuthTokens(ctx, false)
	if err != nil {
		return nil, err
	}

	env := soap.NewEnvelope()
	op := env.Operation(prefix, Namespace, "FECompConsultar")
	c.addAuth(op, tokens)
	q := op.CreateElement(prefix + ":FeCompConsReq")
	addInt(q, "CbteTipo", voucherType)
	addText(q, "CbteNro", strconv.FormatInt(number, 10))
	addInt(q, "PtoVta", pointOfSale)

	resp, err := c.call(ctx, "FECompConsultar", env)
	if err != nil {
		return nil, err
	}

	res := resp.SelectElement("FECompConsultarResult")
	if res == nil {
		return nil, &arca.ProtocolError{Service: "wsfe", Message: "missing FECompConsultarResult"}
	}
	if details := parseDetails(res, "Errors", "Err"); len(details) > 0 {
		return nil, &arca.APIError{Operation: "FECompConsultar", Details: details}
	}

	g := res.SelectElement("ResultGet")
	if g == nil {
		return nil, &arca.ProtocolError{Service: "wsfe", Message: "missing ResultGet"}
	}

	v := &Voucher{
		PointOfSale:      atoi(soap.ChildText(g, "PtoVta")),
		VoucherType:      atoi(soap.ChildText(g, "CbteTipo")),
		Concept:          atoi(soap.ChildText(g, "Concepto")),
		DocumentType:     atoi(soap.ChildText(g, "DocTipo")),
		DocumentNumber:   soap.ChildText(g, "DocNro"),
		InvoiceDate:      soap.ChildText(g, "CbteFch"),
		TotalAmount:      dec(soap.ChildText(g, "ImpTotal")),
		NonTaxedAmount:   dec(soap.ChildText(g, "ImpTotConc")),
		NetAmount:        dec(soap.ChildText(g, "ImpNeto")),
		ExemptAmount:     dec(soap.ChildText(g, "ImpOpEx")),
		OtherTaxesAmount: dec(soap.ChildText(g, "ImpTrib")),
		TaxAmount:        dec(soap.ChildText(g, "ImpIVA")),
		CurrencyID:       soap.ChildText(g, "MonId"),
		CurrencyRate:     dec(soap.ChildText(g, "MonCotiz")),
		Result:           soap.ChildText(g, "Resultado"),
		AuthCode:         soap.ChildText(g, "CodAutorizacion"),
		EmissionType:     soap.ChildText(g, "EmisionTipo"),
		AuthExpiration:   soap.ChildText(g, "FchVto"),
		ProcessedAt:      soap.ChildText(g, "FchProceso"),
	}
	v.Number, _ = strconv.ParseInt(soap.ChildText(g, "CbteDesde"), 10, 64)
	if v.PointOfSale == 0 {
		v.PointOfSale = pointOfSale
	}
	if v.VoucherType == 0 {
		v.VoucherType = voucherType
	}
	for _, o := range parseDetails(g, "Observaciones", "Obs") {
		v.Observations = append(v.Observations, o.String())
	}
	return v, nil
}

func (c *Client) call(ctx context.Context, operation string, env *soap.Envelope) (*etree.Element, error) {
	return c.soap.Call(ctx, operation, Namespace+operation, env)
}

func (c *Client) addAuth(op *etree.Element, t wsaa.Tokens) {
	auth := op.CreateElement(prefix + ":Auth")
	addText(auth, "Token", t.Token)
	addText(auth, "Sign", t.Sign)
	addText(auth, "Cuit", c.cuit.String())
}

// buildCAERequest writes FeCAEReq in the element order of the WSFEv1 schema.
func buildCAERequest(op *etree.Element, r InvoiceRequest, number int64) {
	req := op.CreateElement(prefix + ":FeCAEReq")

	cab := req.CreateElement(prefix + ":FeCabReq")
	addInt(cab, "CantReg", 1)
	addInt(cab, "PtoVta", r.PointOfSale)
	addInt(cab, "CbteTipo", r.VoucherType)

	det := req.CreateElement(prefix + ":FeDetReq").CreateElement(prefix + ":FECAEDetRequest")
	addInt(det, "Concepto", r.Concept)
	addInt(det, "DocTipo", r.DocumentType)
	addText(det, "DocNro", r.DocumentNumber)
	addText(det, "CbteDesde", strconv.FormatInt(number, 10))
	addText(det, "CbteHasta", strconv.FormatInt(number, 10))
	addText(det, "CbteFch", r.InvoiceDate)
	addAmount(det, "ImpTotal", r.TotalAmount)
	addAmount(det, "ImpTotConc", r.NonTaxedAmount)
	addAmount(det, "ImpNeto", r.NetAmount)
	addAmount(det, "ImpOpEx", r.ExemptAmount)
	addAmount(det, "ImpTrib", r.OtherTaxesAmount)
	addAmount(det, "ImpIVA", r.TaxAmount)
	if r.ServiceFrom != "" {
		addText(det, "FchServDesde", r.ServiceFrom)
	}
	if r.ServiceTo != "" {
		addText(det, "FchServHasta", r.ServiceTo)
	}
	if r.PaymentDueDate != "" {
		addText(det, "FchVtoPago", r.PaymentDueDate)
	}
	addText(det, "MonId", r.CurrencyID)
	addText(det, "MonCotiz", r.CurrencyRate.String())
	if r.ReceiverVatCondition > 0 {
		addInt(det, "CondicionIVAReceptorId", r.ReceiverVatCondition)
	}
	if len(r.Vat) > 0 {
		iva := det.CreateElement(prefix + ":Iva")
		for _, v := range r.Vat {
			a := iva.CreateElement(prefix + ":AlicIva")
			addInt(a, "Id", v.ID)
			addAmount(a, "BaseImp", v.BaseAmount)
			addAmount(a, "Importe", v.Amount)
		}
	}
}

// parseDetails reads lists such as Errors/Err and Observaciones/Obs.
func parseDetails(parent *etree.Element, list, item string) []arca.ErrorDetail {
	l := parent.SelectElement(list)
	if l == nil {
		return nil
	}
	var out []arca.ErrorDetail
	for _, e := range l.SelectElements(item) {
		out = append(out, arca.ErrorDetail{
			Code:    atoi(soap.ChildText(e, "Code")),
			Message: soap.ChildText(e, "Msg"),
		})
	}
	return out
}

func addText(parent *etree.Element, name, value string) {
	parent.CreateElement(prefix + ":" + name).SetText(value)
}

func addInt(parent *etree.Element, name string, v int) {
	addText(parent, name, strconv.Itoa(v))
}

func addAmount(parent *etree.Element, name string, v decimal.Decimal) {
	addText(parent, name, v.StringFixed(2))
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
