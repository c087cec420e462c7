package arca

import (
	"fmt"
	"strings"
)

type Environment int

const (
	Testing Environment = iota
	Production
)

// Endpoints is the pair of SOAP service URLs used by a client. WSAA and WSFE always come from
// the same environment.
type Endpoints struct {
	WSAA string
	WSFE string
}

func (e Environment) Endpoints() Endpoints {
	switch e {
	case Production:
		return Endpoints{
			WSAA: "https://wsaa.afip.gov.ar/ws/services/LoginCms",
			WSFE: "https://servicios1.afip.gov.ar/wsfev1/service.asmx",
		}
	case Testing:
		return Endpoints{
			WSAA: "https://wsaahomo.afip.gov.ar/ws/services/LoginCms",
			WSFE: "https://wswhomo.afip.gov.ar/wsfev1/service.asmx",
		}
	}
	panic("Invalid environment")
}

func (e Environment) Name() string {
	switch e {
	case Production:
		return "production"
	case Testing:
		return "testing"
	}
	panic("Invalid environment")
}

func (e Environment) String() string {
	return e.Name()
}

func (e Environment) MarshalText() ([]byte, error) {
	return []byte(e.Name()), nil
}

func (e *Environment) UnmarshalText(text []byte) error {
	val := strings.ToLower(strings.TrimSpace(string(text)))

	switch val {
	case "production", "prod":
		*e = Production
	case "testing", "test", "homo":
		*e = Testing
	default:
		return fmt.Errorf("invalid ARCA_ENVIRONMENT: %q (allowed: testing, production)", val)
	}
	return nil
}

// ParseEnvironment is UnmarshalText for plain strings.
func ParseEnvironment(s string) (Environment, error) {
	var e Environment
	err := e.UnmarshalText([]byte(s))
	return e, err
}
