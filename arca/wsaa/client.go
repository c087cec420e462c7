// Package wsaa obtains and caches WSAA access tickets (token and sign) for a single service.
package wsaa

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alapierre/go-arca-client/arca"
	"github.com/alapierre/go-arca-client/arca/cms"
	"github.com/alapierre/go-arca-client/arca/keys"
	"github.com/alapierre/go-arca-client/arca/soap"
	"github.com/alapierre/go-arca-client/arca/tra"
	"github.com/beevik/etree"
	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var logger = logrus.WithField("component", "arca.wsaa")

const (
	Namespace = "http://wsaa.view.sua.dvadac.desein.afip.gov"

	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 30 * time.Second
)

// Signer produces the base64 CMS that goes into loginCms.
type Signer interface {
	Sign(content []byte) (string, error)
}

// Client is the only owner of the cached ticket. It is safe for concurrent use; concurrent
// callers that miss the cache share one login.
type Client struct {
	soap        *soap.Client
	builder     *tra.Builder
	signer      Signer
	service     string
	clock       clockwork.Clock
	store       TokenStore
	storeKey    string
	metrics     *soap.Metrics
	maxAttempts int
	retryDelay  time.Duration

	mu     sync.RWMutex
	cached *Tokens

	group singleflight.Group
}

type options struct {
	endpoint    string
	httpClient  *http.Client
	timeout     time.Duration
	clock       clockwork.Clock
	location    *time.Location
	signer      Signer
	service     string
	store       TokenStore
	metrics     *soap.Metrics
	maxAttempts int
	retryDelay  time.Duration
}

type Option func(*options)

// WithEndpoint overrides the LoginCms URL selected by the environment.
func WithEndpoint(url string) Option {
	return func(o *options) { o.endpoint = url }
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithTimeout bounds each loginCms call.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLocation sets the zone of the ticket timestamps.
func WithLocation(loc *time.Location) Option {
	return func(o *options) { o.location = loc }
}

func WithSigner(s Signer) Option {
	return func(o *options) { o.signer = s }
}

func WithService(name string) Option {
	return func(o *options) { o.service = name }
}

func WithTokenStore(s TokenStore) Option {
	return func(o *options) { o.store = s }
}

func WithMetrics(m *soap.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithRetryPolicy(maxAttempts int, delay time.Duration) Option {
	return func(o *options) {
		o.maxAttempts = maxAttempts
		o.retryDelay = delay
	}
}

func NewClient(creds arca.Credentials, opts ...Option) (*Client, error) {
	o := options{
		endpoint:    creds.Environment.Endpoints().WSAA,
		timeout:     soap.DefaultTimeout,
		clock:       clockwork.NewRealClock(),
		location:    time.Local,
		service:     arca.ServiceWSFE,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.signer == nil {
		if err := creds.Validate(); err != nil {
			return nil, err
		}
		o.signer = cms.NewSigner(keys.NewStoreFromCredentials(creds))
	}
	if o.maxAttempts < 1 {
		o.maxAttempts = 1
	}

	soapOpts := []soap.Option{
		soap.WithTimeout(o.timeout),
		soap.WithMetrics(o.metrics),
		soap.WithClock(o.clock),
	}
	if o.httpClient != nil {
		soapOpts = append(soapOpts, soap.WithHTTPClient(o.httpClient))
	}

	return &Client{
		soap:        soap.NewClient("wsaa", o.endpoint, soapOpts...),
		builder:     tra.NewBuilder(tra.WithClock(o.clock), tra.WithLocation(o.location)),
		signer:      o.signer,
		service:     o.service,
		clock:       o.clock,
		store:       o.store,
		storeKey:    strings.Join([]string{creds.Environment.Name(), creds.Cuit.String(), o.service}, ":"),
		metrics:     o.metrics,
		maxAttempts: o.maxAttempts,
		retryDelay:  o.retryDelay,
	}, nil
}

// GetAuthTokens returns the cached ticket while it is valid, otherwise logs in. With forceNew
// the cache and the token store are bypassed: a forced caller that joins a flight which only
// reused a cached or stored ticket starts a login of its own.
//
// The login runs detached from ctx so that a caller giving up does not abort it for the others
// waiting on the same flight; ctx only bounds how long this caller waits.
func (c *Client) GetAuthTokens(ctx context.Context, forceNew bool) (Tokens, error) {
	if !forceNew {
		if t, ok := c.current(); ok {
			logger.Debug("Using cached WSAA ticket")
			return t, nil
		}
	}

	flightCtx := context.WithoutCancel(ctx)
	for {
		ch := c.group.DoChan("login", func() (any, error) {
			return c.authenticate(flightCtx, forceNew)
		})

		select {
		case res := <-ch:
			if res.Err != nil {
				return Tokens{}, res.Err
			}
			r := res.Val.(loginResult)
			if forceNew && !r.fresh {
				continue
			}
			return r.tokens, nil
		case <-ctx.Done():
			return Tokens{}, ctx.Err()
		}
	}
}

// IsTokenValid reports whether a cached ticket exists and has not expired.
func (c *Client) IsTokenValid() bool {
	_, ok := c.current()
	return ok
}

// ClearTokens drops the cached ticket and its stored copy. Calling it again is a no-op.
func (c *Client) ClearTokens(ctx context.Context) error {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	if err := c.store.Delete(ctx, c.storeKey); err != nil {
		return errors.Wrap(err, "delete stored ticket")
	}
	return nil
}

// ForceNewAuthentication clears the ticket and logs in again even if the old one looked valid.
func (c *Client) ForceNewAuthentication(ctx context.Context) (Tokens, error) {
	if err := c.ClearTokens(ctx); err != nil {
		logger.WithError(err).Warn("Could not clear stored ticket")
	}
	return c.GetAuthTokens(ctx, true)
}

func (c *Client) current() (Tokens, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cached == nil || !c.cached.ValidAt(c.clock.Now()) {
		return Tokens{}, false
	}
	return *c.cached, true
}

func (c *Client) remember(t Tokens) {
	c.mu.Lock()
	c.cached = &t
	c.mu.Unlock()
}

// loginResult is what a login flight hands its callers. fresh is false when the flight reused a
// cached or stored ticket instead of calling loginCms.
type loginResult struct {
	tokens Tokens
	fresh  bool
}

func (c *Client) authenticate(ctx context.Context, forceNew bool) (loginResult, error) {
	log := arca.Logger(ctx, "arca.wsaa").WithField("service", c.service)

	if !forceNew {
		// another flight may have finished between the fast path and this one
		if t, ok := c.current(); ok {
			return loginResult{tokens: t}, nil
		}
		if t, ok := c.loadStored(ctx); ok {
			log.WithField("expires", t.ExpirationTime).Info("Reusing stored WSAA ticket")
			c.remember(t)
			return loginResult{tokens: t}, nil
		}
	}

	var (
		lastErr  error
		attempts int
	)
	for attempts < c.maxAttempts {
		attempts++

		t, err := c.login(ctx)
		if err == nil {
			c.remember(t)
			c.save(ctx, t)
			c.metrics.ObserveAuthentication("success")
			log.WithFields(logrus.Fields{
				"attempt": attempts,
				"expires": t.ExpirationTime,
			}).Info("WSAA ticket obtained")
			return loginResult{tokens: t, fresh: true}, nil
		}

		var se *arca.SigningError
		if errors.As(err, &se) {
			c.metrics.ObserveAuthentication("signing_error")
			return loginResult{}, err
		}

		lastErr = err
		decision := ClassifyError(err)
		log.WithError(err).WithFields(logrus.Fields{
			"attempt":  attempts,
			"decision": decision.String(),
		}).Warn("WSAA login failed")

		if decision == Fail || attempts >= c.maxAttempts {
			break
		}
		if decision == RetryAfterDelay {
			if err := c.wait(ctx); err != nil {
				lastErr = err
				break
			}
		}
	}

	c.metrics.ObserveAuthentication("failure")
	return loginResult{}, &arca.AuthenticationError{Attempts: attempts, Err: lastErr}
}

func (c *Client) wait(ctx context.Context) error {
	timer := c.clock.NewTimer(c.retryDelay)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) loadStored(ctx context.Context) (Tokens, bool) {
	if c.store == nil {
		return Tokens{}, false
	}
	t, err := c.store.Load(ctx, c.storeKey)
	if err != nil {
		if !errors.Is(err, arca.ErrNoTokens) {
			logger.WithError(err).Warn("Token store read failed")
		}
		return Tokens{}, false
	}
	if !t.ValidAt(c.clock.Now()) {
		return Tokens{}, false
	}
	return t, true
}

func (c *Client) save(ctx context.Context, t Tokens) {
	if c.store == nil {
		return
	}
	if err := c.store.Save(ctx, c.storeKey, t); err != nil {
		logger.WithError(err).Warn("Token store write failed")
	}
}

func (c *Client) login(ctx context.Context) (Tokens, error) {
	ticket, err := c.builder.BuildXML(c.service)
	if err != nil {
		return Tokens{}, err
	}

	cmsB64, err := c.signer.Sign(ticket)
	if err != nil {
		return Tokens{}, err
	}

	env := soap.NewEnvelope()
	op := env.Operation("wsaa", Namespace, "loginCms")
	op.CreateElement("wsaa:in0").SetText(cmsB64)

	resp, err := c.soap.Call(ctx, "loginCms", "", env)
	if err != nil {
		return Tokens{}, err
	}
	return parseLoginResponse(resp)
}

// parseLoginResponse reads the loginTicketResponse document carried as text inside
// loginCmsReturn.
func parseLoginResponse(resp *etree.Element) (Tokens, error) {
	ret := resp.FindElement("loginCmsReturn")
	if ret == nil {
		return Tokens{}, &arca.ProtocolError{Service: "wsaa", Message: "missing loginCmsReturn"}
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromString(strings.TrimSpace(ret.Text())); err != nil {
		return Tokens{}, &arca.ProtocolError{Service: "wsaa", Message: "malformed loginTicketResponse", Err: err}
	}
	root := doc.Root()
	if root == nil {
		return Tokens{}, &arca.ProtocolError{Service: "wsaa", Message: "empty loginTicketResponse"}
	}

	t := Tokens{
		Token:  soap.ChildText(root, "credentials/token"),
		Sign:   soap.ChildText(root, "credentials/sign"),
		Source: soap.ChildText(root, "header/source"),
	}
	exp := soap.ChildText(root, "header/expirationTime")
	if t.Token == "" || t.Sign == "" || exp == "" {
		return Tokens{}, &arca.ProtocolError{Service: "wsaa", Message: "token, sign or expirationTime missing"}
	}

	var err error
	if t.ExpirationTime, err = time.Parse(time.RFC3339, exp); err != nil {
		return Tokens{}, &arca.ProtocolError{Service: "wsaa", Message: "bad expirationTime", Err: err}
	}
	if gen := soap.ChildText(root, "header/generationTime"); gen != "" {
		t.GenerationTime, _ = time.Parse(time.RFC3339, gen)
	}
	return t, nil
}
