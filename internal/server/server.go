package server

import (
	"context"
	"net/http"
	"time"

	"github.com/alapierre/go-arca-client/arca"
	"github.com/alapierre/go-arca-client/arca/wsaa"
	"github.com/alapierre/go-arca-client/arca/wsfe"
	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "arca.server")

// Invoicer is the part of *wsfe.Client used by the facade.
type Invoicer interface {
	Status(ctx context.Context) (*wsfe.ServerStatus, error)
	LastVoucherNumber(ctx context.Context, pointOfSale, voucherType int) (int64, error)
	CreateInvoice(ctx context.Context, req wsfe.InvoiceRequest) wsfe.InvoiceResult
	GetVoucher(ctx context.Context, pointOfSale, voucherType int, number int64) (*wsfe.Voucher, error)
}

// TokenManager is the part of *wsaa.Client used by the operational endpoints.
type TokenManager interface {
	IsTokenValid() bool
	ClearTokens(ctx context.Context) error
	ForceNewAuthentication(ctx context.Context) (wsaa.Tokens, error)
}

// Config holds server configuration
type Config struct {
	Address string
	// PointOfSale is used when POST /invoice omits it
	PointOfSale int
	// Cuit is the issuer printed in the fiscal QR
	Cuit         arca.Cuit
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// RequestTimeout bounds a whole facade request, including WSAA retries
	RequestTimeout time.Duration
	Debug          bool
	// Gatherer is exposed on /metrics when set
	Gatherer prometheus.Gatherer
	Clock    clockwork.Clock
}

const (
	DefaultReadTimeout    = 10 * time.Second
	DefaultWriteTimeout   = 3 * time.Minute
	DefaultRequestTimeout = 2 * time.Minute
)

// Server is the HTTP facade in front of the WSFE and WSAA clients.
type Server struct {
	config   *Config
	router   *gin.Engine
	invoicer Invoicer
	tokens   TokenManager
	clock    clockwork.Clock
}

// NewServer creates a new API server
func NewServer(config *Config, invoicer Invoicer, tokens TokenManager) *Server {
	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	clock := config.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestID(), accessLog())

	s := &Server{
		config:   config,
		router:   router,
		invoicer: invoicer,
		tokens:   tokens,
		clock:    clock,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.config.Gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})))
	}

	s.router.GET("/status", s.handleStatus)
	// ":number" also matches "last"; handleVoucher dispatches on it
	s.router.GET("/voucher/:pointOfSale/:voucherType/:number", s.handleVoucher)
	s.router.GET("/voucher/:pointOfSale/:voucherType/:number/qr", s.handleVoucherQR)
	s.router.POST("/invoice", s.handleCreateInvoice)
	s.router.POST("/clear-tokens", s.handleClearTokens)
	s.router.POST("/force-reauth", s.handleForceReauth)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Address,
		Handler:      s.router,
		ReadTimeout:  durationOr(s.config.ReadTimeout, DefaultReadTimeout),
		WriteTimeout: durationOr(s.config.WriteTimeout, DefaultWriteTimeout),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("address", s.config.Address).Info("HTTP facade listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	logger.Info("Shutting down HTTP facade")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the http.Handler for use with custom servers
func (s *Server) Handler() http.Handler {
	return s.router
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
