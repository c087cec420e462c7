package soap

import (
	"strings"

	"github.com/alapierre/go-arca-client/arca"
	"github.com/beevik/etree"
	"github.com/go-faster/errors"
)

const NamespaceEnvelope = "http://schemas.xmlsoap.org/soap/envelope/"

// Envelope is a SOAP 1.1 request document with an empty header.
type Envelope struct {
	doc  *etree.Document
	body *etree.Element
}

func NewEnvelope() *Envelope {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("soapenv:Envelope")
	env.CreateAttr("xmlns:soapenv", NamespaceEnvelope)
	env.CreateElement("soapenv:Header")
	body := env.CreateElement("soapenv:Body")

	return &Envelope{doc: doc, body: body}
}

// Operation adds the operation element to the body, declaring its namespace under prefix.
func (e *Envelope) Operation(prefix, namespace, name string) *etree.Element {
	op := e.body.CreateElement(prefix + ":" + name)
	op.CreateAttr("xmlns:"+prefix, namespace)
	return op
}

func (e *Envelope) Body() *etree.Element {
	return e.body
}

func (e *Envelope) Bytes() ([]byte, error) {
	b, err := e.doc.WriteToBytes()
	if err != nil {
		return nil, errors.Wrap(err, "serialize envelope")
	}
	return b, nil
}

// ParseResponse returns the first element inside the response Body. A Body holding a
// SOAP Fault is returned as *Fault.
func ParseResponse(service string, raw []byte) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, &arca.ProtocolError{Service: service, Message: "malformed XML", Err: err}
	}

	root := doc.Root()
	if root == nil || root.Tag != "Envelope" {
		return nil, &arca.ProtocolError{Service: service, Message: "missing SOAP Envelope"}
	}

	body := root.SelectElement("Body")
	if body == nil {
		return nil, &arca.ProtocolError{Service: service, Message: "missing SOAP Body"}
	}

	if f := body.SelectElement("Fault"); f != nil {
		return nil, parseFault(f)
	}

	children := body.ChildElements()
	if len(children) == 0 {
		return nil, &arca.ProtocolError{Service: service, Message: "empty SOAP Body"}
	}
	return children[0], nil
}

// ChildText returns the trimmed text of the element at path, or "" when absent.
func ChildText(e *etree.Element, path string) string {
	if e == nil {
		return ""
	}
	c := e.FindElement(path)
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.Text())
}
