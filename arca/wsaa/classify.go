package wsaa

import (
	"strings"

	"github.com/alapierre/go-arca-client/arca"
	"github.com/alapierre/go-arca-client/arca/soap"
	"github.com/go-faster/errors"
)

// RetryDecision tells the login loop what to do after a failed attempt.
type RetryDecision int

const (
	Fail RetryDecision = iota
	RetryImmediately
	RetryAfterDelay
)

func (d RetryDecision) String() string {
	switch d {
	case RetryImmediately:
		return "retry-immediately"
	case RetryAfterDelay:
		return "retry-after-delay"
	default:
		return "fail"
	}
}

// WSAA fault codes, without the namespace prefix.
const (
	codeAlreadyAuthenticated = "coe.alreadyAuthenticated"
	codeXMLBad               = "xml.bad"
)

// ClassifyError maps a login failure to a retry decision. SOAP fault codes and transport
// timeouts are checked first; message matching is used only for errors that carry neither.
func ClassifyError(err error) RetryDecision {
	if err == nil {
		return Fail
	}

	var te *soap.TransportError
	if errors.As(err, &te) {
		if te.Timeout {
			return RetryImmediately
		}
		return Fail
	}

	var se *arca.SigningError
	if errors.As(err, &se) {
		return Fail
	}

	var pe *arca.ProtocolError
	if errors.As(err, &pe) {
		return Fail
	}

	var f *soap.Fault
	if errors.As(err, &f) {
		switch code := f.LocalCode(); {
		case code == codeAlreadyAuthenticated, strings.HasSuffix(code, "alreadyAuthenticated"):
			return RetryAfterDelay
		case code == codeXMLBad:
			return RetryImmediately
		}
		return ClassifyMessage(f.String)
	}

	return ClassifyMessage(err.Error())
}

// ClassifyMessage matches the literals WSAA is known to put in error messages.
func ClassifyMessage(msg string) RetryDecision {
	switch {
	case strings.Contains(msg, "alreadyAuthenticated"), strings.Contains(msg, "ya posee un TA valido"):
		return RetryAfterDelay
	case strings.Contains(msg, "xml.bad"), strings.Contains(msg, "No se ha podido interpretar el XML"):
		return RetryImmediately
	default:
		return Fail
	}
}
