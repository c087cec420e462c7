package soap

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// Fault is a SOAP 1.1 fault returned by the service.
type Fault struct {
	Code   string
	String string
	Actor  string
	Detail string
}

func (f *Fault) Error() string {
	if f.Code == "" {
		return fmt.Sprintf("SOAP fault: %s", f.String)
	}
	return fmt.Sprintf("SOAP fault %s: %s", f.Code, f.String)
}

// LocalCode strips the namespace prefix from the fault code: "ns1:coe.alreadyAuthenticated"
// becomes "coe.alreadyAuthenticated".
func (f *Fault) LocalCode() string {
	if i := strings.LastIndex(f.Code, ":"); i >= 0 {
		return f.Code[i+1:]
	}
	return f.Code
}

func parseFault(e *etree.Element) *Fault {
	f := &Fault{
		Code:   ChildText(e, "faultcode"),
		String: ChildText(e, "faultstring"),
		Actor:  ChildText(e, "faultactor"),
	}
	if d := e.SelectElement("detail"); d != nil {
		f.Detail = strings.TrimSpace(d.Text())
		for _, c := range d.ChildElements() {
			if t := strings.TrimSpace(c.Text()); t != "" {
				if f.Detail != "" {
					f.Detail += "; "
				}
				f.Detail += t
			}
		}
	}
	return f
}

// TransportError is a failure to obtain an HTTP response for a SOAP call, or a non-2xx
// status without a fault body.
type TransportError struct {
	Service    string
	Operation  string
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s %s: timed out: %v", e.Service, e.Operation, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s %s: unexpected HTTP status %d", e.Service, e.Operation, e.StatusCode)
	default:
		return fmt.Sprintf("%s %s: %v", e.Service, e.Operation, e.Err)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }
