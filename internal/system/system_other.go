//go:build !linux

package system

import "errors"

func kernelRelease() (string, error) {
	return "", errors.New("SGX enclaves require Linux")
}
