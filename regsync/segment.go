package regsync

import "github.com/noircv/go-accel/driver"

// segAttrShift is the bit offset within the VMM's cached segment flags word
// at which the hypervisor's 16-bit access-rights field is placed. The VMM
// keeps bits 0-7 of the flags word for its own bookkeeping, so the
// hardware-shaped attribute byte starts at bit 8 (§4.D).
const segAttrShift = 8

// CachedSegment is the VMM-side representation of one segment register: the
// same four hardware fields as driver.SegReg, but with the access-rights
// byte folded into a wider flags word the VMM also stores non-segment state
// in (mirrors how QEMU's SegmentCache packs VMX-shaped access rights).
type CachedSegment struct {
	Selector uint16
	Limit    uint32
	Base     uint64
	Flags    uint32
}

// segQ2V converts the hypervisor's wire segment register to the VMM's
// cached form (query-to-VMM).
func segQ2V(s driver.SegReg) CachedSegment {
	return CachedSegment{
		Selector: s.Selector,
		Limit:    s.Limit,
		Base:     s.Base,
		Flags:    uint32(s.Attributes) << segAttrShift,
	}
}

// segV2Q converts the VMM's cached segment form back to the hypervisor's
// wire form (VMM-to-query). Round trips losslessly with segQ2V: property 4.
func segV2Q(c CachedSegment) driver.SegReg {
	return driver.SegReg{
		Selector:   c.Selector,
		Attributes: uint16(c.Flags >> segAttrShift),
		Limit:      c.Limit,
		Base:       c.Base,
	}
}
