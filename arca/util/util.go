package util

import (
	"os"
	"strconv"
)

func DebugEnabled() bool {
	return etb("ARCA_DEBUG")
}

// HttpTraceEnabled turns on dumping of SOAP request and response bodies.
func HttpTraceEnabled() bool {
	return etb("ARCA_HTTP_TRACE")
}

func etb(envName string) bool {
	v, ok := os.LookupEnv(envName)
	if !ok {
		return false
	}

	bv, err := strconv.ParseBool(v)

	return err == nil && bv
}
