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
	"encoding/binary"

	"ucore.dev/ucore/pkg/kerrors"
)

// A page directory is one page frame of 1024 little-endian 32-bit entries;
// each present entry points to a page table laid out the same way. Entries
// are read and written through the frame's byte storage so the simulated
// tables have exactly the on-machine layout.

func entry(p *Page, idx uint32) uint32 {
	return binary.LittleEndian.Uint32(p.Bytes()[idx*4:])
}

func setEntry(p *Page, idx uint32, v uint32) {
	binary.LittleEndian.PutUint32(p.Bytes()[idx*4:], v)
}

// BootPgdir builds the kernel page directory: an otherwise-empty directory
// with its self-map installed. The kernel half needs no explicit entries in
// the simulation; kernel accesses bypass translation.
func (pm *PhysMemory) BootPgdir() (*Page, error) {
	pgdir, err := pm.AllocPage()
	if err != nil {
		return nil, err
	}
	setEntry(pgdir, PDX(VPT), pgdir.PA()|PTEPresent|PTEWrite)
	return pgdir, nil
}

// SetupPgdir allocates a page directory for a new address space: a copy of
// the boot directory's kernel half with the new directory's own self-map.
func (pm *PhysMemory) SetupPgdir(boot *Page) (*Page, error) {
	pgdir, err := pm.AllocPage()
	if err != nil {
		return nil, err
	}
	copy(pgdir.Bytes(), boot.Bytes())
	setEntry(pgdir, PDX(VPT), pgdir.PA()|PTEPresent|PTEWrite)
	return pgdir, nil
}

// getPTE walks pgdir to the PTE slot for va, allocating the page table if
// create is set. It returns the page table and the index of the slot.
func (pm *PhysMemory) getPTE(pgdir *Page, va uint32, create bool) (*Page, uint32, error) {
	pde := entry(pgdir, PDX(va))
	if pde&PTEPresent == 0 {
		if !create {
			return nil, 0, nil
		}
		pt, err := pm.AllocPage()
		if err != nil {
			return nil, 0, err
		}
		setEntry(pgdir, PDX(va), pt.PA()|PTEPresent|PTEWrite|PTEUser)
		return pt, PTX(va), nil
	}
	return pm.PA2Page(pde &^ 0xFFF), PTX(va), nil
}

// PgdirAllocPage allocates a page frame and maps it at va with the given
// permission bits, the way a freshly-exec'd image is eagerly populated.
func (pm *PhysMemory) PgdirAllocPage(pgdir *Page, va uint32, perm uint32) (*Page, error) {
	pt, idx, err := pm.getPTE(pgdir, va, true)
	if err != nil {
		return nil, err
	}
	if entry(pt, idx)&PTEPresent != 0 {
		return nil, kerrors.ErrInval
	}
	pg, err := pm.AllocPage()
	if err != nil {
		return nil, err
	}
	setEntry(pt, idx, pg.PA()|perm|PTEPresent)
	return pg, nil
}

// Translate walks pgdir for va. ok is false if no mapping is present.
func (pm *PhysMemory) Translate(pgdir *Page, va uint32) (pg *Page, perm uint32, ok bool) {
	pt, idx, err := pm.getPTE(pgdir, va, false)
	if pt == nil || err != nil {
		return nil, 0, false
	}
	pte := entry(pt, idx)
	if pte&PTEPresent == 0 {
		return nil, 0, false
	}
	return pm.PA2Page(pte &^ 0xFFF), pte & 0xFFF, true
}

// removePage unmaps va and frees its frame if mapped.
func (pm *PhysMemory) removePage(pgdir *Page, va uint32) {
	pt, idx, _ := pm.getPTE(pgdir, va, false)
	if pt == nil {
		return
	}
	pte := entry(pt, idx)
	if pte&PTEPresent == 0 {
		return
	}
	pm.FreePage(pm.PA2Page(pte &^ 0xFFF))
	setEntry(pt, idx, 0)
}

// freePageTables frees every user-half page table of pgdir. Mappings must
// already have been removed.
func (pm *PhysMemory) freePageTables(pgdir *Page) {
	for pdx := uint32(0); pdx < PDX(KERNBASE); pdx++ {
		pde := entry(pgdir, pdx)
		if pde&PTEPresent != 0 {
			pm.FreePage(pm.PA2Page(pde &^ 0xFFF))
			setEntry(pgdir, pdx, 0)
		}
	}
}
