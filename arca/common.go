package arca

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "arca")

// Service names accepted by WSAA.
const (
	ServiceWSFE = "wsfe"
)

// Credentials identify the taxpayer and the key pair registered in the government PKI.
type Credentials struct {
	Environment        Environment
	Cuit               Cuit
	CertificatePath    string
	PrivateKeyPath     string
	PrivateKeyPassword []byte
}

func (c Credentials) Validate() error {
	if err := c.Cuit.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.CertificatePath) == "" {
		return &SigningError{Path: c.CertificatePath, Err: errors.New("certificate path is empty")}
	}
	if strings.TrimSpace(c.PrivateKeyPath) == "" {
		return &SigningError{Path: c.PrivateKeyPath, Err: errors.New("private key path is empty")}
	}
	return nil
}

// Cuit is the taxpayer identifier (11 digits, no separators).
type Cuit string

var cuitDigitsRe = regexp.MustCompile(`\D+`)

// ParseCuit strips separators ("20-12345678-3") and validates the length.
func ParseCuit(s string) (Cuit, error) {
	c := Cuit(cuitDigitsRe.ReplaceAllString(s, ""))
	if err := c.Validate(); err != nil {
		return "", err
	}
	return c, nil
}

func (c Cuit) Validate() error {
	if len(c) != 11 || cuitDigitsRe.MatchString(string(c)) {
		return fmt.Errorf("CUIT must contain exactly 11 digits, got %q", string(c))
	}
	return nil
}

func (c Cuit) String() string {
	return string(c)
}

type requestIDKey struct{}

// ContextWithRequestID attaches the facade request id so SOAP calls can be correlated in logs.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey{}).(string)
	return v, ok
}

// Logger returns the package logger enriched with the request id from ctx, if any.
func Logger(ctx context.Context, component string) *logrus.Entry {
	l := logger.WithField("component", component)
	if id, ok := RequestIDFromContext(ctx); ok {
		l = l.WithField("request_id", id)
	}
	return l
}
