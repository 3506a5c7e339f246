//go:build !windows

package cmd

import "errors"

// allocGuestMemory has no implementation off Windows: the control device
// this whole binary drives does not exist there either (driver/ioctl_other.go).
func allocGuestMemory(size int) (uint64, []byte, error) {
	return 0, nil, errors.New("noircvctl: guest memory allocation requires the windows control device")
}

func freeGuestMemory(hva uint64) error { return nil }
