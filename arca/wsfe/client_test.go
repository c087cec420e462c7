package wsfe

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alapierre/go-arca-client/arca"
	"github.com/alapierre/go-arca-client/arca/wsaa"
	"github.com/alapierre/go-arca-client/internal/arcatest"
	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticAuth struct {
	tokens wsaa.Tokens
	err    error
	calls  atomic.Int32
}

func (a *staticAuth) GetAuthTokens(context.Context, bool) (wsaa.Tokens, error) {
	a.calls.Add(1)
	return a.tokens, a.err
}

func newAuth() *staticAuth {
	return &staticAuth{tokens: wsaa.Tokens{Token: "T1", Sign: "S1", ExpirationTime: time.Now().Add(12 * time.Hour)}}
}

func newTestClient(srv *arcatest.Server, auth Authenticator, opts ...Option) *Client {
	return NewClient(arca.Testing, "20123456786", auth, append([]Option{WithEndpoint(srv.URL)}, opts...)...)
}

func sampleInvoice() InvoiceRequest {
	return InvoiceRequest{
		PointOfSale:    1,
		VoucherType:    6,
		Concept:        ConceptServices,
		DocumentType:   DocTypeDNI,
		DocumentNumber: "30111222",
		InvoiceDate:    "20250101",
		NetAmount:      decimal.NewFromInt(100),
		ExemptAmount:   decimal.Zero,
		TaxAmount:      decimal.NewFromInt(21),
		TotalAmount:    decimal.NewFromInt(121),
		CurrencyID:     "PES",
		CurrencyRate:   decimal.NewFromInt(1),
	}
}

func TestStatus(t *testing.T) {
	srv := arcatest.NewServer(t)
	srv.Reply("FEDummy", arcatest.DummyResponse("OK", "OK", "OK"))

	auth := newAuth()
	st, err := newTestClient(srv, auth).Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &ServerStatus{AppServer: "OK", DbServer: "OK", AuthServer: "OK"}, st)
	assert.Equal(t, int32(0), auth.calls.Load(), "FEDummy needs no ticket")

	reqs := srv.Requests("FEDummy")
	require.Len(t, reqs, 1)
	assert.Equal(t, Namespace+"FEDummy", reqs[0].Action)
}

func TestStatus_Unavailable(t *testing.T) {
	srv := arcatest.NewServer(t)
	srv.Handle("FEDummy", func(int, arcatest.Request) arcatest.Reply {
		return arcatest.Reply{Status: http.StatusServiceUnavailable, Body: "down"}
	})

	_, err := newTestClient(srv, newAuth()).Status(context.Background())
	var ue *arca.ServiceUnavailableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 1, srv.Calls("FEDummy"), "no retry")
}

func TestLastVoucherNumber(t *testing.T) {
	srv := arcatest.NewServer(t)
	srv.Reply("FECompUltimoAutorizado", arcatest.LastVoucherResponse(1, 6, 41))

	n, err := newTestClient(srv, newAuth()).LastVoucherNumber(context.Background(), 1, 6)
	require.NoError(t, err)
	assert.Equal(t, int64(41), n)

	doc := srv.Requests("FECompUltimoAutorizado")[0].Doc(t)
	assert.Equal(t, "T1", doc.FindElement("//Auth/Token").Text())
	assert.Equal(t, "S1", doc.FindElement("//Auth/Sign").Text())
	assert.Equal(t, "20123456786", doc.FindElement("//Auth/Cuit").Text())
	assert.Equal(t, "1", doc.FindElement("//FECompUltimoAutorizado/PtoVta").Text())
	assert.Equal(t, "6", doc.FindElement("//FECompUltimoAutorizado/CbteTipo").Text())
}

func TestLastVoucherNumber_NoneYet(t *testing.T) {
	srv := arcatest.NewServer(t)
	srv.Reply("FECompUltimoAutorizado", arcatest.LastVoucherResponse(2, 11, 0))

	n, err := newTestClient(srv, newAuth()).LastVoucherNumber(context.Background(), 2, 11)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLastVoucherNumber_FiscalError(t *testing.T) {
	srv := arcatest.NewServer(t)
	srv.Reply("FECompUltimoAutorizado", arcatest.LastVoucherError(11002, "El punto de venta no se encuentra habilitado"))

	_, err := newTestClient(srv, newAuth()).LastVoucherNumber(context.Background(), 99, 6)
	var apiErr *arca.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, []string{"11002: El punto de venta no se encuentra habilitado"}, apiErr.Messages())
}

func TestCreateInvoice_VoucherIncrement(t *testing.T) {
	srv := arcatest.NewServer(t)
	srv.Reply("FECompUltimoAutorizado", arcatest.LastVoucherResponse(1, 6, 41))
	srv.Reply("FECAESolicitar", arcatest.CAEApproved(1, 6, 42, "75012345678901", "20250111"))

	res := newTestClient(srv, newAuth()).CreateInvoice(context.Background(), sampleInvoice())
	require.True(t, res.Success, res.Errors)
	assert.Equal(t, Approved, res.Outcome)
	assert.Equal(t, int64(42), res.VoucherNumber)
	assert.Equal(t, "75012345678901", res.CAE)
	assert.Equal(t, "20250111", res.CAEExpirationDate)

	reqs := srv.Requests("FECAESolicitar")
	require.Len(t, reqs, 1)
	doc := reqs[0].Doc(t)

	assert.Equal(t, "42", doc.FindElement("//FECAEDetRequest/CbteDesde").Text())
	assert.Equal(t, "42", doc.FindElement("//FECAEDetRequest/CbteHasta").Text())
	assert.Equal(t, "1", doc.FindElement("//FeCabReq/CantReg").Text())
	assert.Equal(t, "1", doc.FindElement("//FeCabReq/PtoVta").Text())
	assert.Equal(t, "6", doc.FindElement("//FeCabReq/CbteTipo").Text())
	assert.Equal(t, "121.00", doc.FindElement("//FECAEDetRequest/ImpTotal").Text())
	assert.Equal(t, "100.00", doc.FindElement("//FECAEDetRequest/ImpNeto").Text())
	assert.Equal(t, "21.00", doc.FindElement("//FECAEDetRequest/ImpIVA").Text())
	assert.Equal(t, "0.00", doc.FindElement("//FECAEDetRequest/ImpOpEx").Text())
	assert.Equal(t, "0.00", doc.FindElement("//FECAEDetRequest/ImpTrib").Text())
	assert.Equal(t, "0.00", doc.FindElement("//FECAEDetRequest/ImpTotConc").Text())
	assert.Equal(t, "PES", doc.FindElement("//FECAEDetRequest/MonId").Text())
	assert.Equal(t, "1", doc.FindElement("//FECAEDetRequest/MonCotiz").Text())
}

func TestCreateInvoice_ServiceDatesDefaultToInvoiceDate(t *testing.T) {
	srv := arcatest.NewServer(t)
	srv.Reply("FECompUltimoAutorizado", arcatest.LastVoucherResponse(1, 6, 0))
	srv.Reply("FECAESolicitar", arcatest.CAEApproved(1, 6, 1, "75000000000001", "20250111"))

	inv := sampleInvoice()
	inv.Vat = []VatRate{{ID: 5, BaseAmount: decimal.NewFromInt(100), Amount: decimal.NewFromInt(21)}}

	res := newTestClient(srv, newAuth()).CreateInvoice(context.Background(), inv)
	require.True(t, res.Success, res.Errors)

	doc := srv.Requests("FECAESolicitar")[0].Doc(t)
	assert.Equal(t, "20250101", doc.FindElement("//FECAEDetRequest/FchServDesde").Text())
	assert.Equal(t, "20250101", doc.FindElement("//FECAEDetRequest/FchServHasta").Text())
	assert.Equal(t, "20250101", doc.FindElement("//FECAEDetRequest/FchVtoPago").Text())
	assert.Equal(t, "5", doc.FindElement("//Iva/AlicIva/Id").Text())
	assert.Equal(t, "21.00", doc.FindElement("//Iva/AlicIva/Importe").Text())
}

func TestCreateInvoice_ProductsHaveNoServiceDates(t *testing.T) {
	srv := arcatest.NewServer(t)
	srv.Reply("FECompUltimoAutorizado", arcatest.LastVoucherResponse(1, 6, 0))
	srv.Reply("FECAESolicitar", arcatest.CAEApproved(1, 6, 1, "75000000000001", "20250111"))

	inv := sampleInvoice()
	inv.Concept = ConceptProducts

	res := newTestClient(srv, newAuth()).CreateInvoice(context.Background(), inv)
	require.True(t, res.Success, res.Errors)
	assert.Nil(t, srv.Requests("FECAESolicitar")[0].Doc(t).FindElement("//FchServDesde"))
}

func TestCreateInvoice_ErrorsPassthrough(t *testing.T) {
	srv := arcatest.NewServer(t)
	srv.Reply("FECompUltimoAutorizado", arcatest.LastVoucherResponse(1, 6, 41))
	srv.Reply("FECAESolicitar", arcatest.CAEErrors(10016, "El numero o fecha del comprobante no se corresponde con el proximo a autorizar"))

	var res InvoiceResult
	require.NotPanics(t, func() {
		res = newTestClient(srv, newAuth()).CreateInvoice(context.Background(), sampleInvoice())
	})

	assert.False(t, res.Success)
	assert.Equal(t, Rejected, res.Outcome)
	assert.Equal(t, []string{"10016: El numero o fecha del comprobante no se corresponde con el proximo a autorizar"}, res.Errors)

	var apiErr *arca.APIError
	assert.ErrorAs(t, res.Err, &apiErr)
}

func TestCreateInvoice_RejectedWithObservations(t *testing.T) {
	srv := arcatest.NewServer(t)
	srv.Reply("FECompUltimoAutorizado", arcatest.LastVoucherResponse(1, 6, 41))
	srv.Reply("FECAESolicitar", arcatest.CAERejected(1, 6, 42, 10015, "Factura B: DocNro invalido"))

	res := newTestClient(srv, newAuth()).CreateInvoice(context.Background(), sampleInvoice())

	assert.False(t, res.Success)
	assert.Equal(t, Rejected, res.Outcome)
	assert.Equal(t, []string{"10015: Factura B: DocNro invalido"}, res.Errors)
	assert.Empty(t, res.CAE)
}

func TestCreateInvoice_UnexpectedStructure(t *testing.T) {
	srv := arcatest.NewServer(t)
	srv.Reply("FECompUltimoAutorizado", arcatest.LastVoucherResponse(1, 6, 41))
	srv.Reply("FECAESolicitar", arcatest.CAEWithoutDetail())

	res := newTestClient(srv, newAuth()).CreateInvoice(context.Background(), sampleInvoice())

	assert.False(t, res.Success)
	assert.Equal(t, Failed, res.Outcome)
	assert.ErrorIs(t, res.Err, arca.ErrUnexpectedResponse)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "unexpected response structure")
}

func TestCreateInvoice_TransportFailure(t *testing.T) {
	srv := arcatest.NewServer(t)
	srv.Reply("FECompUltimoAutorizado", arcatest.LastVoucherResponse(1, 6, 41))
	srv.Handle("FECAESolicitar", func(int, arcatest.Request) arcatest.Reply {
		return arcatest.Reply{Status: http.StatusBadGateway, Body: "<html>proxy error</html>"}
	})

	res := newTestClient(srv, newAuth()).CreateInvoice(context.Background(), sampleInvoice())
	assert.False(t, res.Success)
	assert.Equal(t, Failed, res.Outcome)
	assert.NotEmpty(t, res.Errors)
}

func TestCreateInvoice_AuthFailure(t *testing.T) {
	srv := arcatest.NewServer(t)
	auth := &staticAuth{err: &arca.AuthenticationError{Attempts: 3, Err: errors.New("alreadyAuthenticated")}}

	res := newTestClient(srv, auth).CreateInvoice(context.Background(), sampleInvoice())
	assert.Equal(t, Failed, res.Outcome)
	assert.Equal(t, 0, srv.Calls("FECompUltimoAutorizado"))
}

func TestCreateInvoice_Validation(t *testing.T) {
	srv := arcatest.NewServer(t)

	inv := sampleInvoice()
	inv.InvoiceDate = "2025-01-01"

	res := newTestClient(srv, newAuth()).CreateInvoice(context.Background(), inv)
	assert.Equal(t, Rejected, res.Outcome)

	var ve *arca.ValidationError
	require.ErrorAs(t, res.Err, &ve)
	assert.Equal(t, "invoiceDate", ve.Field)
	assert.Equal(t, 0, srv.Calls("FECompUltimoAutorizado"))
}

func TestCreateInvoice_SerializedPerVoucherKey(t *testing.T) {
	srv := arcatest.NewServer(t)

	var (
		mu   sync.Mutex
		last int64
	)
	srv.Handle("FECompUltimoAutorizado", func(int, arcatest.Request) arcatest.Reply {
		mu.Lock()
		defer mu.Unlock()
		return arcatest.Reply{Body: arcatest.LastVoucherResponse(1, 6, last)}
	})
	srv.Handle("FECAESolicitar", func(_ int, req arcatest.Request) arcatest.Reply {
		doc := etreeDoc(req.Body)
		n, _ := strconv.ParseInt(doc.FindElement("//CbteDesde").Text(), 10, 64)

		mu.Lock()
		defer mu.Unlock()
		if n != last+1 {
			return arcatest.Reply{Body: arcatest.CAEErrors(10016, "numero duplicado")}
		}
		time.Sleep(5 * time.Millisecond)
		last = n
		return arcatest.Reply{Body: arcatest.CAEApproved(1, 6, n, "7500000000000"+strconv.FormatInt(n, 10), "20250111")}
	})

	c := newTestClient(srv, newAuth())

	const invoices = 5
	var wg sync.WaitGroup
	results := make([]InvoiceResult, invoices)
	for i := 0; i < invoices; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.CreateInvoice(context.Background(), sampleInvoice())
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for _, r := range results {
		require.True(t, r.Success, r.Errors)
		assert.False(t, seen[r.VoucherNumber], "duplicate voucher number %d", r.VoucherNumber)
		seen[r.VoucherNumber] = true
	}
	assert.Len(t, seen, invoices)
}

func TestGetVoucher(t *testing.T) {
	srv := arcatest.NewServer(t)
	srv.Reply("FECompConsultar", arcatest.VoucherResponse(1, 6, 11, "75012345678901"))

	v, err := newTestClient(srv, newAuth()).GetVoucher(context.Background(), 1, 6, 11)
	require.NoError(t, err)

	assert.Equal(t, 1, v.PointOfSale)
	assert.Equal(t, 6, v.VoucherType)
	assert.Equal(t, int64(11), v.Number)
	assert.Equal(t, "75012345678901", v.AuthCode)
	assert.Equal(t, "CAE", v.EmissionType)
	assert.True(t, decimal.NewFromInt(121).Equal(v.TotalAmount))
	assert.Equal(t, "30111222", v.DocumentNumber)

	doc := srv.Requests("FECompConsultar")[0].Doc(t)
	assert.Equal(t, "11", doc.FindElement("//FeCompConsReq/CbteNro").Text())
}

func TestEndToEnd(t *testing.T) {
	srv := arcatest.NewServer(t)
	srv.Handle("loginCms", func(int, arcatest.Request) arcatest.Reply {
		now := time.Now()
		return arcatest.Reply{Body: arcatest.LoginResponse("T1", "S1", now, now.Add(12*time.Hour))}
	})
	srv.Reply("FECompUltimoAutorizado", arcatest.LastVoucherResponse(1, 6, 10))
	srv.Reply("FECAESolicitar", arcatest.CAEApproved(1, 6, 11, "75099999999999", "20250111"))

	auth, err := wsaa.NewClient(arca.Credentials{Environment: arca.Testing, Cuit: "20123456786"},
		wsaa.WithEndpoint(srv.URL),
		wsaa.WithSigner(signerFunc(func(b []byte) (string, error) { return "Q01T", nil })),
	)
	require.NoError(t, err)

	c := newTestClient(srv, auth)
	res := c.CreateInvoice(context.Background(), InvoiceRequest{
		PointOfSale:    1,
		VoucherType:    6,
		Concept:        2,
		DocumentType:   96,
		DocumentNumber: "30111222",
		InvoiceDate:    "20250101",
		NetAmount:      decimal.NewFromInt(100),
		ExemptAmount:   decimal.Zero,
		TaxAmount:      decimal.NewFromInt(21),
		TotalAmount:    decimal.NewFromInt(121),
		CurrencyID:     "PES",
		CurrencyRate:   decimal.NewFromInt(1),
	})

	require.True(t, res.Success, res.Errors)
	assert.Equal(t, "75099999999999", res.CAE)
	assert.Equal(t, "20250111", res.CAEExpirationDate)
	assert.Equal(t, int64(11), res.VoucherNumber)

	assert.Equal(t, 1, srv.Calls("loginCms"))
	doc := srv.Requests("FECAESolicitar")[0].Doc(t)
	assert.Equal(t, "T1", doc.FindElement("//Auth/Token").Text())

	// second invoice reuses the ticket
	srv.Reply("FECompUltimoAutorizado", arcatest.LastVoucherResponse(1, 6, 11))
	srv.Reply("FECAESolicitar", arcatest.CAEApproved(1, 6, 12, "75099999999998", "20250111"))
	res = c.CreateInvoice(context.Background(), sampleInvoice())
	require.True(t, res.Success, res.Errors)
	assert.Equal(t, int64(12), res.VoucherNumber)
	assert.Equal(t, 1, srv.Calls("loginCms"))
}

func TestRedisLocker(t *testing.T) {
	addr, ok := os.LookupEnv("ARCA_TEST_REDIS_ADDR")
	if !ok {
		t.Skip("ARCA_TEST_REDIS_ADDR not set, skipping redis test")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = rdb.Close() }()

	l := NewRedisLocker(rdb, "arca:test:lock:", time.Minute)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, 1, 6)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	_, err = l.Lock(short, 1, 6)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Lock(ctx, 1, 11)
	require.NoError(t, err)
	other()

	unlock()
	again, err := l.Lock(ctx, 1, 6)
	require.NoError(t, err)
	again()
}

type signerFunc func([]byte) (string, error)

func (f signerFunc) Sign(b []byte) (string, error) { return f(b) }
