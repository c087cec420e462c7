package cli

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alapierre/go-arca-client/arca/qr"
	"github.com/alapierre/go-arca-client/arca/wsfe"
	"github.com/alapierre/go-arca-client/png"
	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
)

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// NewStatusCmd creates the status command
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check WSFE availability (FEDummy)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := commandContext(cmd)
			defer cancel()

			status, err := a.invoicer.Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}

// NewLastVoucherCmd creates the last-voucher command
func NewLastVoucherCmd() *cobra.Command {
	var pos, voucherType int

	cmd := &cobra.Command{
		Use:   "last-voucher",
		Short: "Print the last authorized voucher number",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if pos == 0 {
				pos = a.cfg.PointOfSale
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			last, err := a.invoicer.LastVoucherNumber(ctx, pos, voucherType)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"pointOfSale":       pos,
				"voucherType":       voucherType,
				"lastVoucherNumber": last,
			})
		},
	}

	cmd.Flags().IntVar(&pos, "pos", 0, "point of sale (default: point_of_sale from config)")
	cmd.Flags().IntVar(&voucherType, "type", 0, "voucher type (1 = Factura A, 6 = Factura B, 11 = Factura C)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

// NewInvoiceCmd creates the invoice command group
func NewInvoiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoice",
		Short: "Invoice operations",
	}

	var file string
	create := &cobra.Command{
		Use:   "create",
		Short: "Request a CAE for the invoice described in a JSON file",
		Long: `Request a CAE for the invoice described in a JSON file ("-" reads stdin).

The voucher number is assigned as last authorized + 1. Example file:

  {"voucherType": 6, "concept": 2, "documentType": 96, "documentNumber": "30111222",
   "invoiceDate": "20250101", "netAmount": 100, "exemptAmount": 0, "taxAmount": 21,
   "totalAmount": 121, "currencyId": "PES", "currencyRate": 1}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readInvoiceRequest(cmd, file)
			if err != nil {
				return err
			}

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if req.PointOfSale == 0 {
				req.PointOfSale = a.cfg.PointOfSale
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			res := a.invoicer.CreateInvoice(ctx, req)
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				return errors.Errorf("invoice %s", res.Outcome)
			}
			return nil
		},
	}
	create.Flags().StringVarP(&file, "file", "f", "", "invoice JSON file")
	_ = create.MarkFlagRequired("file")

	cmd.AddCommand(create)
	return cmd
}

func readInvoiceRequest(cmd *cobra.Command, file string) (wsfe.InvoiceRequest, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return wsfe.InvoiceRequest{}, errors.Wrap(err, "read invoice file")
	}

	var req wsfe.InvoiceRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return wsfe.InvoiceRequest{}, errors.Wrap(err, "parse invoice file")
	}
	return req, nil
}

// NewVoucherCmd creates the voucher command group
func NewVoucherCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "voucher",
		Short: "Authorized voucher lookups",
	}

	var (
		pos, voucherType int
		number           int64
		qrOut            string
		qrSize           int
	)
	get := &cobra.Command{
		Use:   "get",
		Short: "Print an authorized voucher (FECompConsultar)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if pos == 0 {
				pos = a.cfg.PointOfSale
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			v, err := a.invoicer.GetVoucher(ctx, pos, voucherType, number)
			if err != nil {
				return err
			}

			p, err := qr.FromVoucher(a.cuit, v)
			if err != nil {
				return err
			}
			link, err := qr.GenerateVerificationLink(p)
			if err != nil {
				return err
			}

			if qrOut != "" {
				img, err := png.QR(link, qrSize)
				if err != nil {
					return err
				}
				if err := os.WriteFile(qrOut, img, 0o644); err != nil {
					return errors.Wrap(err, "write QR image")
				}
			}

			return printJSON(cmd.OutOrStdout(), map[string]any{
				"voucher": v,
				"qrLink":  link,
			})
		},
	}
	get.Flags().IntVar(&pos, "pos", 0, "point of sale (default: point_of_sale from config)")
	get.Flags().IntVar(&voucherType, "type", 0, "voucher type")
	get.Flags().Int64Var(&number, "number", 0, "voucher number")
	get.Flags().StringVar(&qrOut, "qr", "", "write the fiscal QR code as PNG to this file")
	get.Flags().IntVar(&qrSize, "qr-size", png.DefaultSize, "QR image size in pixels")
	_ = get.MarkFlagRequired("type")
	_ = get.MarkFlagRequired("number")

	cmd.AddCommand(get)
	return cmd
}

// NewAuthCmd creates the auth command group
func NewAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "WSAA ticket operations",
	}

	var force bool
	token := &cobra.Command{
		Use:   "token",
		Short: "Print the current WSAA ticket, logging in when needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := commandContext(cmd)
			defer cancel()

			t, err := a.auth.GetAuthTokens(ctx, force)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), t)
		},
	}
	token.Flags().BoolVar(&force, "force", false, "ignore cached tickets and log in again")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the cached WSAA ticket from the token store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.auth.ClearTokens(cmd.Context()); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"success": true, "message": "authorization tickets cleared"})
		},
	}

	cmd.AddCommand(token, clearCmd)
	return cmd
}
