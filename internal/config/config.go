// Package config contains the configuration of tessera's binaries.  Each
// configuration implements validate.Validator.
package config

import (
	"net"
	"strconv"

	"github.com/Amnesic-Systems/tessera/internal/types/validate"
)

var (
	_ validate.Validator = (*Tessera)(nil)
	_ validate.Validator = (*AuthorityProxy)(nil)
)

func isValidPort(port int) bool {
	return port > 0 && port < 65536
}

func isValidHostPort(hostPort string) bool {
	_, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return false
	}
	num, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return isValidPort(num)
}
