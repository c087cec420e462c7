// Package soap is the SOAP 1.1 transport shared by the WSAA and WSFE clients.
package soap

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/alapierre/go-arca-client/arca"
	"github.com/alapierre/go-arca-client/arca/util"
	"github.com/beevik/etree"
	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

const DefaultTimeout = 30 * time.Second

// maxResponseSize bounds the body read from the services; WSFE voucher responses are small.
const maxResponseSize = 8 << 20

// Client posts envelopes to a single SOAP endpoint.
type Client struct {
	service    string
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
	metrics    *Metrics
	clock      clockwork.Clock
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithTimeout bounds every call made by the client. Zero disables the limit.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

func WithMetrics(m *Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

func WithClock(c clockwork.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

func NewClient(service, endpoint string, opts ...Option) *Client {
	c := &Client{
		service:    service,
		endpoint:   endpoint,
		httpClient: http.DefaultClient,
		timeout:    DefaultTimeout,
		clock:      clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

// Call sends env with the given SOAPAction and returns the first element of the response body.
// Faults come back as *Fault, network failures and bad statuses as *TransportError and
// unreadable responses as *arca.ProtocolError.
func (c *Client) Call(ctx context.Context, operation, action string, env *Envelope) (*etree.Element, error) {
	log := arca.Logger(ctx, "arca.soap").WithFields(logrus.Fields{
		"service":   c.service,
		"operation": operation,
	})

	payload, err := env.Bytes()
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", `"`+action+`"`)

	if util.HttpTraceEnabled() {
		log.Debugf("request: %s", payload)
	}

	start := c.clock.Now()
	raw, status, err := c.do(req)
	elapsed := c.clock.Since(start)

	if err != nil {
		te := &TransportError{Service: c.service, Operation: operation, Err: err}
		// a cancelled caller is not a service timeout
		if ctx.Err() == nil && isTimeout(callCtx, err) {
			te.Timeout = true
		}
		c.metrics.observeCall(c.service, operation, outcomeOf(te), elapsed)
		log.WithError(err).Warn("SOAP call failed")
		return nil, te
	}

	if util.HttpTraceEnabled() {
		log.Debugf("response (%d): %s", status, raw)
	}

	el, err := ParseResponse(c.service, raw)
	if err != nil {
		var f *Fault
		if !errors.As(err, &f) && (status < 200 || status > 299) {
			err = &TransportError{Service: c.service, Operation: operation, StatusCode: status, Err: err}
		}
		c.metrics.observeCall(c.service, operation, outcomeOf(err), elapsed)
		log.WithError(err).Debug("SOAP call returned an error")
		return nil, err
	}

	c.metrics.observeCall(c.service, operation, "ok", elapsed)
	log.WithField("elapsed", elapsed).Debug("SOAP call completed")
	return el, nil
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, resp.StatusCode, errors.Wrap(err, "read response body")
	}
	return raw, resp.StatusCode, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func outcomeOf(err error) string {
	var (
		f  *Fault
		te *TransportError
	)
	switch {
	case errors.As(err, &f):
		return "fault"
	case errors.As(err, &te) && te.Timeout:
		return "timeout"
	case errors.As(err, &te):
		return "transport"
	default:
		return "invalid"
	}
}
