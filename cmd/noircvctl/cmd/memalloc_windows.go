//go:build windows

package cmd

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// allocGuestMemory reserves size bytes of host memory the kernel driver can
// map by HVA. VirtualAlloc, not a Go slice, because the driver holds this
// address for the region's lifetime and the Go runtime is free to move
// ordinary heap allocations (§4.C).
func allocGuestMemory(size int) (hva uint64, mem []byte, err error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return 0, nil, errors.Wrap(err, "VirtualAlloc")
	}
	return uint64(addr), unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func freeGuestMemory(hva uint64) error {
	return windows.VirtualFree(uintptr(hva), 0, windows.MEM_RELEASE)
}
