// Package tra builds WSAA login ticket requests (Ticket de Requerimiento de Acceso).
package tra

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "arca.tra")

// TimeLayout is the literal format WSAA expects: local wall clock, no zone suffix.
const TimeLayout = "2006-01-02T15:04:05"

// Skew is applied on both sides of the ticket time, giving a 20 minute validity window.
const Skew = 10 * time.Minute

// Request is a single login ticket request. It is built fresh for every authentication attempt.
type Request struct {
	UniqueID       int64
	GenerationTime time.Time
	ExpirationTime time.Time
	Service        string
}

// XML renders the loginTicketRequest document.
func (r *Request) XML() ([]byte, error) {
	if strings.TrimSpace(r.Service) == "" {
		return nil, errors.New("tra: service name is empty")
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("loginTicketRequest")
	root.CreateAttr("version", "1.0")

	header := root.CreateElement("header")
	header.CreateElement("uniqueId").SetText(strconv.FormatInt(r.UniqueID, 10))
	header.CreateElement("generationTime").SetText(r.GenerationTime.Format(TimeLayout))
	header.CreateElement("expirationTime").SetText(r.ExpirationTime.Format(TimeLayout))

	root.CreateElement("service").SetText(r.Service)

	b, err := doc.WriteToBytes()
	if err != nil {
		return nil, errors.Wrap(err, "tra: serialize")
	}
	return b, nil
}

// Builder issues requests with strictly increasing unique ids. Two requests built by the same
// Builder never share uniqueId, generationTime or expirationTime, even within one second.
type Builder struct {
	clock    clockwork.Clock
	location *time.Location

	mu   sync.Mutex
	last int64
}

type BuilderOption func(*Builder)

func WithClock(c clockwork.Clock) BuilderOption {
	return func(b *Builder) { b.clock = c }
}

// WithLocation sets the zone the timestamps are rendered in. Defaults to time.Local.
func WithLocation(loc *time.Location) BuilderOption {
	return func(b *Builder) { b.location = loc }
}

func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		clock:    clockwork.NewRealClock(),
		location: time.Local,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Builder) Build(service string) (*Request, error) {
	if strings.TrimSpace(service) == "" {
		return nil, errors.New("tra: service name is empty")
	}

	b.mu.Lock()
	id := b.clock.Now().Unix()
	if id <= b.last {
		id = b.last + 1
	}
	b.last = id
	b.mu.Unlock()

	t := time.Unix(id, 0).In(b.location)
	r := &Request{
		UniqueID:       id,
		GenerationTime: t.Add(-Skew),
		ExpirationTime: t.Add(Skew),
		Service:        service,
	}

	logger.WithFields(logrus.Fields{
		"uniqueId": r.UniqueID,
		"service":  service,
	}).Debug("Built login ticket request")

	return r, nil
}

// BuildXML is Build followed by XML.
func (b *Builder) BuildXML(service string) ([]byte, error) {
	r, err := b.Build(service)
	if err != nil {
		return nil, err
	}
	return r.XML()
}
