// Copyright 2023 The uCore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mem

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/mohae/deepcopy"

	"ucore.dev/ucore/pkg/kerrors"
)

// VMA permission flags.
const (
	VMRead  uint32 = 0x001
	VMWrite uint32 = 0x002
	VMExec  uint32 = 0x004
	VMStack uint32 = 0x008
)

// VMA is one contiguous virtual-memory region of an address space.
// [Start, End) is page-aligned.
type VMA struct {
	Start uint32
	End   uint32
	Flags uint32
}

// Less orders VMAs by start address for the region tree.
func (v *VMA) Less(than btree.Item) bool {
	return v.Start < than.(*VMA).Start
}

// MM is an address-space descriptor: a page directory plus the ordered set
// of regions mapped into it. It is share-counted among the tasks of one
// process and carries its own lock for duplication.
type MM struct {
	pm *PhysMemory

	// Pgdir is the address space's page directory, or nil before
	// SetupPgdir.
	Pgdir *Page

	mu    sync.Mutex
	vmas  *btree.BTree
	count atomic.Int32

	// MapCount is the number of regions, for diagnostics.
	MapCount int
}

// MMCreate allocates an empty address-space descriptor.
func MMCreate(pm *PhysMemory) *MM {
	return &MM{
		pm:   pm,
		vmas: btree.New(8),
	}
}

// MMDestroy releases the descriptor itself. The caller must already have
// torn down the mappings (ExitMmap) and freed the directory (PutPgdir).
func (mm *MM) MMDestroy() {
	mm.vmas.Clear(false)
	mm.MapCount = 0
	mm.Pgdir = nil
}

// SetupPgdir gives mm a fresh page directory derived from the boot
// directory, with the self-map installed.
func (mm *MM) SetupPgdir(boot *Page) error {
	pgdir, err := mm.pm.SetupPgdir(boot)
	if err != nil {
		return err
	}
	mm.Pgdir = pgdir
	return nil
}

// PutPgdir frees the page directory.
func (mm *MM) PutPgdir() {
	if mm.Pgdir != nil {
		mm.pm.FreePage(mm.Pgdir)
		mm.Pgdir = nil
	}
}

// Lock acquires the address space's lock.
func (mm *MM) Lock() { mm.mu.Lock() }

// Unlock releases the address space's lock.
func (mm *MM) Unlock() { mm.mu.Unlock() }

// CountInc increments the share count and returns the new value.
func (mm *MM) CountInc() int32 { return mm.count.Add(1) }

// CountDec decrements the share count and returns the new value.
func (mm *MM) CountDec() int32 { return mm.count.Add(-1) }

// Count returns the current share count.
func (mm *MM) Count() int32 { return mm.count.Load() }

// FindVMA returns the region containing addr, or nil.
func (mm *MM) FindVMA(addr uint32) *VMA {
	var found *VMA
	mm.vmas.DescendLessOrEqual(&VMA{Start: addr}, func(i btree.Item) bool {
		v := i.(*VMA)
		if addr >= v.Start && addr < v.End {
			found = v
		}
		return false
	})
	return found
}

// intersects reports whether [start, end) overlaps any existing region.
func (mm *MM) intersects(start, end uint32) bool {
	hit := false
	mm.vmas.AscendGreaterOrEqual(&VMA{Start: start}, func(i btree.Item) bool {
		hit = i.(*VMA).Start < end
		return false
	})
	if hit {
		return true
	}
	mm.vmas.DescendLessOrEqual(&VMA{Start: start}, func(i btree.Item) bool {
		hit = i.(*VMA).End > start
		return false
	})
	return hit
}

// MMap reserves the virtual range [addr, addr+size) with the given
// permission flags. The range is rounded out to page boundaries and must
// not overlap an existing region.
func (mm *MM) MMap(addr uint32, size uint32, flags uint32) (*VMA, error) {
	start, end := RoundDown(addr), RoundUp(addr+size)
	if start >= end {
		return nil, kerrors.ErrInval
	}
	if mm.intersects(start, end) {
		return nil, kerrors.ErrInval
	}
	v := &VMA{Start: start, End: end, Flags: flags}
	mm.vmas.ReplaceOrInsert(v)
	mm.MapCount++
	return v, nil
}

// DupMmap duplicates src's regions and page mappings into dst, preserving
// per-page permissions and contents.
//
// Preconditions: src is locked; dst has a fresh page directory and no
// regions.
func DupMmap(dst, src *MM) error {
	var err error
	src.vmas.Ascend(func(i btree.Item) bool {
		nv := deepcopy.Copy(i.(*VMA)).(*VMA)
		dst.vmas.ReplaceOrInsert(nv)
		dst.MapCount++
		err = copyRange(dst, src, nv.Start, nv.End)
		return err == nil
	})
	return err
}

// copyRange copies every present mapping of src in [start, end) into dst,
// allocating fresh frames with identical permissions.
func copyRange(dst, src *MM, start, end uint32) error {
	pm := src.pm
	for va := start; va < end; va += PGSIZE {
		pg, perm, ok := pm.Translate(src.Pgdir, va)
		if !ok {
			continue
		}
		npg, err := pm.PgdirAllocPage(dst.Pgdir, va, perm&^PTEPresent)
		if err != nil {
			return err
		}
		copy(npg.Bytes(), pg.Bytes())
	}
	return nil
}

// ExitMmap tears down every mapping and page table of mm. The regions and
// the directory itself survive until MMDestroy/PutPgdir.
func (mm *MM) ExitMmap() {
	pm := mm.pm
	mm.vmas.Ascend(func(i btree.Item) bool {
		v := i.(*VMA)
		for va := v.Start; va < v.End; va += PGSIZE {
			pm.removePage(mm.Pgdir, va)
		}
		return true
	})
	pm.freePageTables(mm.Pgdir)
}

// UserMemCheck reports whether [addr, addr+n) is fully covered by regions
// of mm with the required permission. With a nil mm (kernel thread) the
// range must instead lie in kernel space.
func UserMemCheck(mm *MM, addr uint32, n uint32, write bool) bool {
	if mm == nil {
		return addr >= KERNBASE
	}
	if addr < USERBASE || addr+n > USERTOP || addr+n < addr {
		return false
	}
	for cur := addr; cur < addr+n; {
		v := mm.FindVMA(cur)
		if v == nil {
			return false
		}
		if write && v.Flags&VMWrite == 0 {
			return false
		}
		if !write && v.Flags&VMRead == 0 {
			return false
		}
		cur = v.End
	}
	return true
}

// CopyOut writes b into mm's address space at user address va.
func (mm *MM) CopyOut(va uint32, b []byte) error {
	return mm.copyUser(va, b, true)
}

// CopyIn reads len(b) bytes from mm's address space at user address va.
func (mm *MM) CopyIn(va uint32, b []byte) error {
	return mm.copyUser(va, b, false)
}

func (mm *MM) copyUser(va uint32, b []byte, out bool) error {
	pm := mm.pm
	for done := 0; done < len(b); {
		cur := va + uint32(done)
		pg, _, ok := pm.Translate(mm.Pgdir, cur)
		if !ok {
			return kerrors.ErrInval
		}
		off := int(cur % PGSIZE)
		n := PGSIZE - off
		if rem := len(b) - done; n > rem {
			n = rem
		}
		if out {
			copy(pg.Bytes()[off:off+n], b[done:done+n])
		} else {
			copy(b[done:done+n], pg.Bytes()[off:off+n])
		}
		done += n
	}
	return nil
}
