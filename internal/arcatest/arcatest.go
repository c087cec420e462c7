// Package arcatest provides httptest doubles of the WSAA and WSFE SOAP services.
package arcatest

import (
	"fmt"
	"html"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/beevik/etree"
)

const envelopeTpl = `<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>%s</soap:Body></soap:Envelope>`

// Envelope wraps body in a SOAP envelope.
func Envelope(body string) string {
	return fmt.Sprintf(envelopeTpl, body)
}

// Fault renders a SOAP fault the way the Axis based WSAA does.
func Fault(code, msg string) string {
	return Envelope(fmt.Sprintf(
		`<soap:Fault><faultcode xmlns:ns1="http://xml.apache.org/axis/">ns1:%s</faultcode><faultstring>%s</faultstring></soap:Fault>`,
		code, html.EscapeString(msg)))
}

// LoginResponse renders a successful loginCms response.
func LoginResponse(token, sign string, gen, exp time.Time) string {
	inner := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<loginTicketResponse version="1.0"><header><source>CN=wsaahomo, O=AFIP, C=AR</source><destination>SERIALNUMBER=CUIT 20123456786, CN=alias</destination><uniqueId>1</uniqueId><generationTime>%s</generationTime><expirationTime>%s</expirationTime></header><credentials><token>%s</token><sign>%s</sign></credentials></loginTicketResponse>`,
		gen.Format("2006-01-02T15:04:05.000Z07:00"), exp.Format("2006-01-02T15:04:05.000Z07:00"), token, sign)

	return Envelope(`<loginCmsResponse xmlns="http://wsaa.view.sua.dvadac.desein.afip.gov"><loginCmsReturn>` +
		html.EscapeString(inner) + `</loginCmsReturn></loginCmsResponse>`)
}

// Reply is a canned HTTP response.
type Reply struct {
	Status int
	Body   string
}

// Request is a recorded SOAP call.
type Request struct {
	Action string
	Body   string
}

// Doc parses the recorded request body.
func (r Request) Doc(t testing.TB) *etree.Document {
	t.Helper()
	doc := etree.NewDocument()
	if err := doc.ReadFromString(r.Body); err != nil {
		t.Fatalf("parse recorded request: %v", err)
	}
	return doc
}

// Server is a SOAP stub that answers by operation name (the last SOAPAction segment, or the
// first Body element when SOAPAction is empty).
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]func(n int, req Request) Reply
	requests map[string][]Request
	gate     chan struct{}
}

func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		handlers: make(map[string]func(int, Request) Reply),
		requests: make(map[string][]Request),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Handle answers op with fn; n is the 1-based call number of op.
func (s *Server) Handle(op string, fn func(n int, req Request) Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[op] = fn
}

// Reply answers op with a fixed body and 200.
func (s *Server) Reply(op, body string) {
	s.Handle(op, func(int, Request) Reply { return Reply{Status: http.StatusOK, Body: body} })
}

// Hold makes every call block until the returned release func is called.
func (s *Server) Hold() (release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := make(chan struct{})
	s.gate = g
	var once sync.Once
	return func() { once.Do(func() { close(g) }) }
}

func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests[op])
}

func (s *Server) Requests(op string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests[op]...)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	req := Request{Action: strings.Trim(r.Header.Get("SOAPAction"), `"`), Body: string(b)}
	op := operationOf(req)

	s.mu.Lock()
	s.requests[op] = append(s.requests[op], req)
	n := len(s.requests[op])
	h := s.handlers[op]
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	if h == nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, Fault("Server", "no stub for "+op))
		return
	}

	rep := h(n, req)
	if rep.Status == 0 {
		rep.Status = http.StatusOK
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(rep.Status)
	_, _ = io.WriteString(w, rep.Body)
}

func operationOf(req Request) string {
	if req.Action != "" {
		if i := strings.LastIndex(req.Action, "/"); i >= 0 {
			return req.Action[i+1:]
		}
		return req.Action
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromString(req.Body); err != nil {
		return ""
	}
	if body := doc.FindElement("//Body"); body != nil {
		if ch := body.ChildElements(); len(ch) > 0 {
			return ch[0].Tag
		}
	}
	return ""
}
