package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alapierre/go-arca-client/internal/server"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewServeCmd creates the serve command
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP facade",
		Long: `Start the HTTP facade in front of WSAA and WSFE.

Endpoints:
  - GET  /status                                         - WSFE health check (FEDummy)
  - GET  /voucher/:pointOfSale/:voucherType/last         - last authorized voucher number
  - GET  /voucher/:pointOfSale/:voucherType/:number      - authorized voucher details
  - GET  /voucher/:pointOfSale/:voucherType/:number/qr   - fiscal QR code (PNG)
  - POST /invoice                                        - request a CAE
  - POST /clear-tokens                                   - drop the cached WSAA ticket
  - POST /force-reauth                                   - obtain a new WSAA ticket
  - GET  /health, /metrics`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.NewServer(&server.Config{
		Address:     a.cfg.Server.Address,
		PointOfSale: a.cfg.PointOfSale,
		Cuit:        a.cuit,
		Debug:       logrus.IsLevelEnabled(logrus.DebugLevel),
		Gatherer:    a.registry,
	}, a.invoicer, a.auth)

	logrus.WithFields(logrus.Fields{
		"address":     a.cfg.Server.Address,
		"environment": a.cfg.Environment,
	}).Info("arca is running")

	return srv.Run(ctx)
}
