package regsync

import "encoding/binary"

// FXState is the VMM's decomposed view of the 512-byte FXSAVE image the
// hypervisor exchanges via RegFX (§4.D, §6 cv_fx_state).
type FXState struct {
	FCW       uint16
	FSW       uint16
	FOP       uint16
	FIP       uint32
	FDP       uint64
	MXCSR     uint32
	MXCSRMask uint32
	ST        [8][10]byte // x87 stack registers, 80-bit extended precision
	Empty     [8]bool     // per-register empty flag, VMM's own tag convention
	XMM       [16][16]byte
}

// packFX renders state as the 512-byte FXSAVE-shaped wire image. The tag
// byte is the inverse of Empty: FXSAVE's abridged tag bit is 1 when a
// register holds a value, so wire bit i is !Empty[i] (§4.D, §9).
func packFX(s FXState) [512]byte {
	var b [512]byte
	binary.LittleEndian.PutUint16(b[0:2], s.FCW)
	binary.LittleEndian.PutUint16(b[2:4], s.FSW)

	var ftw uint8
	for i, empty := range s.Empty {
		if !empty {
			ftw |= 1 << uint(i)
		}
	}
	b[4] = ftw

	binary.LittleEndian.PutUint16(b[6:8], s.FOP)
	binary.LittleEndian.PutUint32(b[8:12], s.FIP)
	binary.LittleEndian.PutUint64(b[16:24], s.FDP)
	binary.LittleEndian.PutUint32(b[24:28], s.MXCSR)
	binary.LittleEndian.PutUint32(b[28:32], s.MXCSRMask)

	for i, st := range s.ST {
		off := 32 + i*16
		copy(b[off:off+10], st[:])
	}
	for i, xmm := range s.XMM {
		off := 160 + i*16
		copy(b[off:off+16], xmm[:])
	}
	return b
}

// unpackFX is the inverse of packFX.
func unpackFX(b [512]byte) FXState {
	var s FXState
	s.FCW = binary.LittleEndian.Uint16(b[0:2])
	s.FSW = binary.LittleEndian.Uint16(b[2:4])
	ftw := b[4]
	for i := range s.Empty {
		s.Empty[i] = ftw&(1<<uint(i)) == 0
	}
	s.FOP = binary.LittleEndian.Uint16(b[6:8])
	s.FIP = binary.LittleEndian.Uint32(b[8:12])
	s.FDP = binary.LittleEndian.Uint64(b[16:24])
	s.MXCSR = binary.LittleEndian.Uint32(b[24:28])
	s.MXCSRMask = binary.LittleEndian.Uint32(b[28:32])

	for i := range s.ST {
		off := 32 + i*16
		copy(s.ST[i][:], b[off:off+10])
	}
	for i := range s.XMM {
		off := 160 + i*16
		copy(s.XMM[i][:], b[off:off+16])
	}
	return s
}
