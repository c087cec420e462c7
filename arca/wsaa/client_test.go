package wsaa

import (
	"context"
	"encoding/base64"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alapierre/go-arca-client/arca"
	"github.com/alapierre/go-arca-client/arca/keys/keystest"
	"github.com/alapierre/go-arca-client/internal/arcatest"
	"github.com/beevik/etree"
	"github.com/go-faster/errors"
	"github.com/hhrutter/pkcs7"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type recordingSigner struct {
	mu      sync.Mutex
	signed  [][]byte
	failErr error
}

func (s *recordingSigner) Sign(content []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return "", s.failErr
	}
	s.signed = append(s.signed, content)
	return base64.StdEncoding.EncodeToString(content), nil
}

func (s *recordingSigner) tickets() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.signed...)
}

var testCreds = arca.Credentials{Environment: arca.Testing, Cuit: "20123456786"}

func newTestClient(t *testing.T, srv *arcatest.Server, clock clockwork.Clock, opts ...Option) (*Client, *recordingSigner) {
	t.Helper()
	signer := &recordingSigner{}
	all := append([]Option{
		WithEndpoint(srv.URL),
		WithClock(clock),
		WithSigner(signer),
		WithLocation(time.UTC),
	}, opts...)
	c, err := NewClient(testCreds, all...)
	require.NoError(t, err)
	return c, signer
}

func loginOK(token string, clock clockwork.Clock, validity time.Duration) func(int, arcatest.Request) arcatest.Reply {
	return func(int, arcatest.Request) arcatest.Reply {
		now := clock.Now()
		return arcatest.Reply{Body: arcatest.LoginResponse(token, "S1", now, now.Add(validity))}
	}
}

func TestGetAuthTokens_CacheHit(t *testing.T) {
	srv := arcatest.NewServer(t)
	clock := clockwork.NewFakeClockAt(t0)
	srv.Handle("loginCms", loginOK("T1", clock, 12*time.Hour))

	c, _ := newTestClient(t, srv, clock)
	ctx := context.Background()

	first, err := c.GetAuthTokens(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "T1", first.Token)
	assert.Equal(t, "S1", first.Sign)
	assert.Equal(t, t0.Add(12*time.Hour), first.ExpirationTime.UTC())
	assert.True(t, c.IsTokenValid())

	second, err := c.GetAuthTokens(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, srv.Calls("loginCms"), "cached ticket must not hit the network")
}

func TestGetAuthTokens_Expired(t *testing.T) {
	srv := arcatest.NewServer(t)
	clock := clockwork.NewFakeClockAt(t0)
	srv.Handle("loginCms", loginOK("T1", clock, time.Hour))

	c, _ := newTestClient(t, srv, clock)
	ctx := context.Background()

	_, err := c.GetAuthTokens(ctx, false)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	assert.False(t, c.IsTokenValid(), "expirationTime == now is already expired")

	_, err = c.GetAuthTokens(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Calls("loginCms"))
}

func TestGetAuthTokens_AlreadyAuthenticatedRetryBound(t *testing.T) {
	srv := arcatest.NewServer(t)
	clock := clockwork.NewFakeClockAt(t0)
	srv.Handle("loginCms", func(int, arcatest.Request) arcatest.Reply {
		return arcatest.Reply{
			Status: http.StatusInternalServerError,
			Body:   arcatest.Fault("coe.alreadyAuthenticated", "El CEE ya posee un TA valido para el acceso al WSN solicitado"),
		}
	})

	c, _ := newTestClient(t, srv, clock)

	done := make(chan error, 1)
	go func() {
		_, err := c.GetAuthTokens(context.Background(), false)
		done <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1), "expected a retry wait")
		clock.Advance(DefaultRetryDelay)
	}

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		t.Fatal("authentication did not finish")
	}

	var ae *arca.AuthenticationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 3, ae.Attempts)
	assert.Contains(t, ae.Error(), "ya posee un TA valido")
	assert.Equal(t, 3, srv.Calls("loginCms"))
	assert.False(t, c.IsTokenValid())
}

func TestGetAuthTokens_XMLBadRetriesImmediatelyWithFreshTicket(t *testing.T) {
	srv := arcatest.NewServer(t)
	clock := clockwork.NewFakeClockAt(t0)
	srv.Handle("loginCms", func(n int, req arcatest.Request) arcatest.Reply {
		if n == 1 {
			return arcatest.Reply{Status: http.StatusInternalServerError, Body: arcatest.Fault("xml.bad", "No se ha podido interpretar el XML contra el SCHEMA")}
		}
		return loginOK("T2", clock, 12*time.Hour)(n, req)
	})

	c, signer := newTestClient(t, srv, clock)

	tokens, err := c.GetAuthTokens(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "T2", tokens.Token)
	assert.Equal(t, 2, srv.Calls("loginCms"))

	tickets := signer.tickets()
	require.Len(t, tickets, 2)
	assert.NotEqual(t, uniqueID(t, tickets[0]), uniqueID(t, tickets[1]))
}

func TestGetAuthTokens_OtherFaultFailsFast(t *testing.T) {
	srv := arcatest.NewServer(t)
	srv.Handle("loginCms", func(int, arcatest.Request) arcatest.Reply {
		return arcatest.Reply{Status: http.StatusInternalServerError, Body: arcatest.Fault("cms.cert.untrusted", "Certificado no emitido por AC de confianza")}
	})

	c, _ := newTestClient(t, srv, clockwork.NewFakeClockAt(t0))

	_, err := c.GetAuthTokens(context.Background(), false)
	var ae *arca.AuthenticationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 1, ae.Attempts)
	assert.Equal(t, 1, srv.Calls("loginCms"))
}

func TestGetAuthTokens_MissingCredentialsIsProtocolError(t *testing.T) {
	srv := arcatest.NewServer(t)
	srv.Reply("loginCms", arcatest.LoginResponse("", "S1", t0, t0.Add(time.Hour)))

	c, _ := newTestClient(t, srv, clockwork.NewFakeClockAt(t0))

	_, err := c.GetAuthTokens(context.Background(), false)
	var ae *arca.AuthenticationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 1, ae.Attempts)

	var pe *arca.ProtocolError
	assert.ErrorAs(t, err, &pe)
}

func TestGetAuthTokens_SigningErrorSurfacesUnwrapped(t *testing.T) {
	srv := arcatest.NewServer(t)
	c, signer := newTestClient(t, srv, clockwork.NewFakeClockAt(t0))
	signer.failErr = &arca.SigningError{Path: "/nope.key", Err: errors.New("no such file")}

	_, err := c.GetAuthTokens(context.Background(), false)

	var se *arca.SigningError
	require.ErrorAs(t, err, &se)
	var ae *arca.AuthenticationError
	assert.False(t, errors.As(err, &ae))
	assert.Equal(t, 0, srv.Calls("loginCms"))
}

func TestGetAuthTokens_TimeoutIsRetried(t *testing.T) {
	srv := arcatest.NewServer(t)
	clock := clockwork.NewFakeClockAt(t0)
	srv.Handle("loginCms", func(n int, req arcatest.Request) arcatest.Reply {
		if n == 1 {
			time.Sleep(300 * time.Millisecond)
		}
		return loginOK("T1", clock, time.Hour)(n, req)
	})

	c, _ := newTestClient(t, srv, clock, WithTimeout(50*time.Millisecond))

	tokens, err := c.GetAuthTokens(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "T1", tokens.Token)
	assert.Equal(t, 2, srv.Calls("loginCms"))
}

func TestClearTokens_Idempotent(t *testing.T) {
	srv := arcatest.NewServer(t)
	clock := clockwork.NewFakeClockAt(t0)
	srv.Handle("loginCms", loginOK("T1", clock, time.Hour))

	c, _ := newTestClient(t, srv, clock)
	ctx := context.Background()

	_, err := c.GetAuthTokens(ctx, false)
	require.NoError(t, err)

	require.NoError(t, c.ClearTokens(ctx))
	assert.False(t, c.IsTokenValid())
	require.NoError(t, c.ClearTokens(ctx))
	assert.False(t, c.IsTokenValid())
}

func TestForceNewAuthentication(t *testing.T) {
	srv := arcatest.NewServer(t)
	clock := clockwork.NewFakeClockAt(t0)
	srv.Handle("loginCms", func(n int, req arcatest.Request) arcatest.Reply {
		now := clock.Now()
		token := "T1"
		if n > 1 {
			token = "T2"
		}
		return arcatest.Reply{Body: arcatest.LoginResponse(token, "S1", now, now.Add(12*time.Hour))}
	})

	c, _ := newTestClient(t, srv, clock)
	ctx := context.Background()

	_, err := c.GetAuthTokens(ctx, false)
	require.NoError(t, err)

	tokens, err := c.ForceNewAuthentication(ctx)
	require.NoError(t, err)
	assert.Equal(t, "T2", tokens.Token)
	assert.Equal(t, 2, srv.Calls("loginCms"))

	cached, err := c.GetAuthTokens(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "T2", cached.Token)
}

func TestGetAuthTokens_SingleFlight(t *testing.T) {
	srv := arcatest.NewServer(t)
	clock := clockwork.NewFakeClockAt(t0)
	srv.Handle("loginCms", loginOK("T1", clock, 12*time.Hour))
	release := srv.Hold()
	defer release()

	c, _ := newTestClient(t, srv, clock)

	const callers = 10
	var wg sync.WaitGroup
	results := make(chan Tokens, callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk, err := c.GetAuthTokens(context.Background(), false)
			if err != nil {
				errs <- err
				return
			}
			results <- tk
		}()
	}

	require.Eventually(t, func() bool { return srv.Calls("loginCms") == 1 }, 2*time.Second, 5*time.Millisecond)
	// give the remaining callers time to join the flight
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	for tk := range results {
		assert.Equal(t, "T1", tk.Token)
	}
	assert.Equal(t, 1, srv.Calls("loginCms"))
}

func TestGetAuthTokens_WaiterCanGiveUp(t *testing.T) {
	srv := arcatest.NewServer(t)
	clock := clockwork.NewFakeClockAt(t0)
	srv.Handle("loginCms", loginOK("T1", clock, 12*time.Hour))
	release := srv.Hold()

	c, _ := newTestClient(t, srv, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.GetAuthTokens(ctx, false)
		done <- err
	}()

	require.Eventually(t, func() bool { return srv.Calls("loginCms") == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// the abandoned flight still completes and fills the cache
	release()
	require.Eventually(t, c.IsTokenValid, 2*time.Second, 5*time.Millisecond)
}

// gatedStore blocks Load until the gate is closed.
type gatedStore struct {
	*MemoryStore
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (s *gatedStore) Load(ctx context.Context, key string) (Tokens, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.gate
	return s.MemoryStore.Load(ctx, key)
}

func TestGetAuthTokens_ForcedCallerJoiningStoreReuseLogsIn(t *testing.T) {
	srv := arcatest.NewServer(t)
	clock := clockwork.NewFakeClockAt(t0)
	srv.Handle("loginCms", loginOK("FRESH", clock, 12*time.Hour))

	store := &gatedStore{MemoryStore: NewMemoryStore(), entered: make(chan struct{}), gate: make(chan struct{})}
	c, _ := newTestClient(t, srv, clock, WithTokenStore(store))
	ctx := context.Background()
	require.NoError(t, store.MemoryStore.Save(ctx, c.storeKey, Tokens{Token: "STORED", Sign: "S", ExpirationTime: t0.Add(time.Hour)}))

	plain := make(chan Tokens, 1)
	go func() {
		tk, err := c.GetAuthTokens(ctx, false)
		assert.NoError(t, err)
		plain <- tk
	}()
	<-store.entered

	forced := make(chan Tokens, 1)
	go func() {
		tk, err := c.GetAuthTokens(ctx, true)
		assert.NoError(t, err)
		forced <- tk
	}()
	// let the forced caller join the running flight
	time.Sleep(50 * time.Millisecond)
	close(store.gate)

	assert.Equal(t, "STORED", (<-plain).Token)
	assert.Equal(t, "FRESH", (<-forced).Token)
	assert.Equal(t, 1, srv.Calls("loginCms"))
}

func TestGetAuthTokens_UsesTokenStore(t *testing.T) {
	srv := arcatest.NewServer(t)
	clock := clockwork.NewFakeClockAt(t0)
	srv.Handle("loginCms", loginOK("FRESH", clock, 12*time.Hour))

	store := NewMemoryStore()
	c, _ := newTestClient(t, srv, clock, WithTokenStore(store))
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, c.storeKey, Tokens{Token: "STORED", Sign: "S", ExpirationTime: t0.Add(time.Hour)}))

	tokens, err := c.GetAuthTokens(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "STORED", tokens.Token)
	assert.Equal(t, 0, srv.Calls("loginCms"))

	tokens, err = c.ForceNewAuthentication(ctx)
	require.NoError(t, err)
	assert.Equal(t, "FRESH", tokens.Token)

	stored, err := store.Load(ctx, c.storeKey)
	require.NoError(t, err)
	assert.Equal(t, "FRESH", stored.Token)

	require.NoError(t, c.ClearTokens(ctx))
	_, err = store.Load(ctx, c.storeKey)
	assert.ErrorIs(t, err, arca.ErrNoTokens)
}

func TestGetAuthTokens_RealSigner(t *testing.T) {
	f := keystest.Generate(t)
	srv := arcatest.NewServer(t)
	clock := clockwork.NewFakeClockAt(t0)
	srv.Handle("loginCms", loginOK("T1", clock, time.Hour))

	creds := testCreds
	creds.CertificatePath = f.CertPath
	creds.PrivateKeyPath = f.KeyPath

	c, err := NewClient(creds, WithEndpoint(srv.URL), WithClock(clock))
	require.NoError(t, err)

	_, err = c.GetAuthTokens(context.Background(), false)
	require.NoError(t, err)

	reqs := srv.Requests("loginCms")
	require.Len(t, reqs, 1)
	in0 := reqs[0].Doc(t).FindElement("//loginCms/in0")
	require.NotNil(t, in0)

	der, err := base64.StdEncoding.DecodeString(in0.Text())
	require.NoError(t, err)
	p7, err := pkcs7.Parse(der)
	require.NoError(t, err)

	ticket := etree.NewDocument()
	require.NoError(t, ticket.ReadFromBytes(p7.Content))
	assert.Equal(t, "wsfe", ticket.FindElement("//service").Text())
}

func uniqueID(t *testing.T, ticket []byte) string {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(ticket))
	el := doc.FindElement("//uniqueId")
	require.NotNil(t, el)
	return el.Text()
}
