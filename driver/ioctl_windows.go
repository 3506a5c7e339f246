//go:build windows

package driver

import (
	"golang.org/x/sys/windows"
)

// winTransport issues DeviceIoControl round trips against the NoirVisor
// control device handle (§4.A, §6).
type winTransport struct {
	h windows.Handle
}

func openTransport(name string) (Transport, error) {
	if name == "" {
		name = `\\.\NoirVisor`
	}
	p, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateFile(
		p,
		windows.GENERIC_READ,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil,
		windows.OPEN_EXISTING,
		0,
		0,
	)
	if err != nil {
		if err == windows.ERROR_FILE_NOT_FOUND {
			return nil, ErrDriverAbsent
		}
		return nil, err
	}
	return &winTransport{h: h}, nil
}

func (t *winTransport) Ioctl(code uint32, in []byte, outLen int) ([]byte, error) {
	out := make([]byte, outLen)
	var returned uint32
	var inPtr *byte
	if len(in) > 0 {
		inPtr = &in[0]
	}
	var outPtr *byte
	if outLen > 0 {
		outPtr = &out[0]
	}
	err := windows.DeviceIoControl(t.h, code, inPtr, uint32(len(in)), outPtr, uint32(outLen), &returned, nil)
	if err != nil {
		return nil, err
	}
	return out[:returned], nil
}

func (t *winTransport) Close() error {
	return windows.CloseHandle(t.h)
}
