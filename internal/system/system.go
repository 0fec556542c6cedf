// Package system checks that the platform is fit to host an enclave.
package system

import (
	"errors"
	"fmt"
	"os"
)

// The in-tree SGX driver landed in Linux 5.11.  Older kernels rely on
// out-of-tree drivers, which we do not support.
var minKernelVersion = [3]int{5, 11, 0}

var (
	// Device nodes of the in-tree driver and of the legacy DCAP driver.
	sgxDevices = []string{"/dev/sgx_enclave", "/dev/sgx/enclave"}

	errNoSGXDevice = errors.New("no SGX device node found")
	errOldKernel   = errors.New("kernel predates in-tree SGX driver")
)

// CheckPlatform returns an error if the platform lacks SGX support.
func CheckPlatform() error {
	if !HasSGXDevice(sgxDevices...) {
		return errNoSGXDevice
	}
	release, err := kernelRelease()
	if err != nil {
		return fmt.Errorf("failed to determine kernel version: %w", err)
	}
	if !hasSecureKernelVersion(release) {
		return fmt.Errorf("%w: %s", errOldKernel, release)
	}
	return nil
}

// HasSGXDevice returns true if any of the given device nodes exists.
func HasSGXDevice(paths ...string) bool {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}

func hasSecureKernelVersion(release string) bool {
	// Store major, minor, and patch version in an array.
	var version [3]int
	var digit, offset int
	// Parse the kernel release, which is of the form "5.15.0-91-generic".
	for _, char := range release + "." {
		if '0' <= char && char <= '9' {
			digit = digit*10 + int(char-'0')
			continue
		}
		version[offset] = digit
		digit = 0
		offset++
		if offset >= len(version) || (char != '.') {
			break
		}
	}

	for i := range version {
		if version[i] < minKernelVersion[i] {
			return false
		}
		if version[i] > minKernelVersion[i] {
			return true
		}
	}
	return true
}
