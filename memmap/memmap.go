// Package memmap tracks the guest-physical regions the accelerator has
// mapped into the hypervisor and mirrors updates to the control device via
// set_mapping (§4.A, §4.C).
package memmap

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/noircv/go-accel/driver"
)

// MaxRegions is the size of the fixed region table the hypervisor's own
// tracker uses; a future driver revision with a larger table is a one-line
// change here.
const MaxRegions = 32

var (
	pageSizeOnce sync.Once
	cachedPage   uint64
)

func pageSize() uint64 {
	pageSizeOnce.Do(func() {
		cachedPage = uint64(unix.Getpagesize())
	})
	return cachedPage
}

// Mapper is the subset of *driver.Driver this package drives.
type Mapper interface {
	SetMapping(vm driver.VM, info driver.AddrMapInfo) error
}

type entry struct {
	used bool
	gpa  uint64
	hva  uint64
	size uint64
	rom  bool
}

// Tracker implements the VMM memory transactor listener contract: Begin,
// Commit, RegionAdd, RegionDel, LogSync (§4.C). It also satisfies physical
// copy for string port I/O (§4.E) via CopyPhysical.
type Tracker struct {
	mu   sync.Mutex
	vm   driver.VM
	drv  Mapper
	log  *logrus.Entry
	rows [MaxRegions]entry
}

// New builds a Tracker bound to a single VM handle.
func New(vm driver.VM, drv Mapper, log *logrus.Entry) *Tracker {
	if log == nil {
		log = logrus.WithField("source", "noircv/memmap")
	}
	return &Tracker{vm: vm, drv: drv, log: log}
}

// Begin is a no-op: the hypervisor has no notion of a pending batch (§4.C).
func (t *Tracker) Begin() {}

// Commit is a no-op, for the same reason as Begin (§4.C).
func (t *Tracker) Commit() {}

// LogSync marks the whole region dirty; the hypervisor exposes no finer
// dirty-tracking granularity (§4.C).
func (t *Tracker) LogSync(gpa, size uint64) {
	t.log.WithFields(logrus.Fields{"gpa": gpa, "size": size}).Debug("log_sync: whole region marked dirty")
}

// RegionAdd maps a host-backed RAM region into the guest address space.
// ramBacked must be false for device/MMIO regions, which this tracker
// rejects outright (§4.C step 1).
func (t *Tracker) RegionAdd(gpa, hva, size uint64, ramBacked, rom bool) error {
	if !ramBacked {
		return nil
	}
	gpa, hva, size, ok := alignRegion(gpa, hva, size)
	if !ok {
		t.log.WithFields(logrus.Fields{"gpa": gpa, "size": size}).Warn("region_add: region shrank to zero after page alignment, dropping")
		return nil
	}

	t.mu.Lock()
	slot := t.claimSlot()
	if slot < 0 {
		t.log.WithField("gpa", gpa).Error("region_add: region table full, tracker will not see this region")
	} else {
		t.rows[slot] = entry{used: true, gpa: gpa, hva: hva, size: size, rom: rom}
	}
	t.mu.Unlock()

	// The hypervisor still needs this mapping even when the tracker has no
	// room left to remember it (§7: out-of-capacity skips tracker bookkeeping,
	// not the set_mapping call).
	attrs := driver.MapAttributes{
		Present: true,
		Write:   !rom,
		Execute: true,
		User:    true,
		Caching: driver.CachingWB,
	}
	err := t.drv.SetMapping(t.vm, driver.AddrMapInfo{
		GPA:        gpa,
		HVA:        hva,
		PageTotal:  uint32(size / pageSize()),
		Attributes: attrs,
	})
	if err != nil {
		return errors.Wrapf(err, "region_add(gpa=%#x, size=%#x)", gpa, size)
	}
	return nil
}

// RegionDel unmaps a previously added region, located by (gpa, size) equality.
func (t *Tracker) RegionDel(gpa, hva, size uint64, ramBacked, rom bool) error {
	if !ramBacked {
		return nil
	}
	gpa, _, size, ok := alignRegion(gpa, hva, size)
	if !ok {
		return nil
	}

	t.mu.Lock()
	slot := t.findSlot(gpa, size)
	if slot < 0 {
		t.mu.Unlock()
		t.log.WithFields(logrus.Fields{"gpa": gpa, "size": size}).Error("region_del: no matching region, dropping")
		return nil
	}
	t.rows[slot] = entry{}
	t.mu.Unlock()

	err := t.drv.SetMapping(t.vm, driver.AddrMapInfo{GPA: gpa, PageTotal: 0, Attributes: driver.MapAttributes{}})
	if err != nil {
		return errors.Wrapf(err, "region_del(gpa=%#x, size=%#x)", gpa, size)
	}
	return nil
}

// CopyPhysical walks the region table and copies bytes between buf and
// guest-physical memory starting at gpa, in host byte order. write selects
// the direction: true copies buf into guest memory, false copies guest
// memory into buf. It returns whether the full length of buf was covered by
// mapped regions — string port I/O (§4.E) panics the guest when it does not.
func (t *Tracker) CopyPhysical(buf []byte, gpa uint64, write bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	remaining := buf
	cur := gpa
	for len(remaining) > 0 {
		slot := t.slotCovering(cur)
		if slot < 0 {
			return false
		}
		row := t.rows[slot]
		regionEnd := row.gpa + row.size
		n := regionEnd - cur
		if uint64(len(remaining)) < n {
			n = uint64(len(remaining))
		}
		host := hostSlice(row.hva+(cur-row.gpa), n)
		if write {
			copy(host, remaining[:n])
		} else {
			copy(remaining[:n], host)
		}
		remaining = remaining[n:]
		cur += n
	}
	return true
}

// hostSlice views n bytes of host memory at hva as a byte slice. hva always
// originates from a host-allocated buffer the caller registered via
// RegionAdd; this package never manufactures the address itself.
func hostSlice(hva, n uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(hva))), int(n))
}

func (t *Tracker) slotCovering(gpa uint64) int {
	for i := range t.rows {
		r := t.rows[i]
		if r.used && gpa >= r.gpa && gpa < r.gpa+r.size {
			return i
		}
	}
	return -1
}

func (t *Tracker) claimSlot() int {
	for i := range t.rows {
		if !t.rows[i].used {
			return i
		}
	}
	return -1
}

func (t *Tracker) findSlot(gpa, size uint64) int {
	for i := range t.rows {
		if t.rows[i].used && t.rows[i].gpa == gpa && t.rows[i].size == size {
			return i
		}
	}
	return -1
}

// alignRegion trims both ends of [gpa, gpa+size) to the host page boundary,
// shifting hva by the same front delta. end is aligned down with &^ mask,
// the form that always yields a non-negative trim; aligning with the
// complement of that mask (the suspected source bug, §9) would instead grow
// the region or underflow on an already-aligned end.
func alignRegion(gpa, hva, size uint64) (alignedGPA, alignedHVA, alignedSize uint64, ok bool) {
	mask := pageSize() - 1
	end := gpa + size

	frontDelta := (pageSize() - (gpa & mask)) & mask
	alignedGPA = gpa + frontDelta
	alignedHVA = hva + frontDelta
	alignedEnd := end &^ mask

	if alignedEnd <= alignedGPA {
		return 0, 0, 0, false
	}
	alignedSize = alignedEnd - alignedGPA
	return alignedGPA, alignedHVA, alignedSize, true
}
