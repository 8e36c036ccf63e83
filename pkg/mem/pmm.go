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

// Package mem simulates the machine's physical memory and implements the
// kernel's memory management: the page allocator, two-level page
// directories, and the per-task address-space descriptor (MM).
//
// Physical memory is a flat byte array divided into PGSIZE pages. A kernel
// virtual address is KERNBASE plus the physical address; user virtual
// addresses are translated through a simulated page directory exactly the
// way the hardware would walk it.
package mem

import (
	"fmt"
	"sort"

	"ucore.dev/ucore/pkg/kerrors"
)

// Page size and virtual-memory layout of the 32-bit machine.
const (
	PGSIZE = 4096

	// KERNBASE is where physical memory is mapped in kernel space.
	KERNBASE uint32 = 0xC0000000

	// VPT is the virtual address of the page directory's self-map.
	VPT uint32 = 0xFAC00000

	// USERBASE and USERTOP bound the user half of the address space.
	USERBASE uint32 = 0x00200000
	USERTOP  uint32 = 0xB0000000

	// USTACKTOP is the top of the user stack; USTACKSIZE the size of the
	// reserved stack region.
	USTACKTOP  uint32 = USERTOP
	USTACKSIZE uint32 = 256 * PGSIZE
)

// Page-table entry bits.
const (
	PTEPresent uint32 = 0x001
	PTEWrite   uint32 = 0x002
	PTEUser    uint32 = 0x004

	// PTEUserMask is the canonical permission set for eagerly-mapped user
	// pages.
	PTEUserMask = PTEPresent | PTEWrite | PTEUser
)

// PDX and PTX extract the directory and table indices of a virtual address.
func PDX(va uint32) uint32 { return (va >> 22) & 0x3FF }

// PTX extracts the page-table index of a virtual address.
func PTX(va uint32) uint32 { return (va >> 12) & 0x3FF }

// RoundDown aligns a downward to PGSIZE.
func RoundDown(a uint32) uint32 { return a &^ (PGSIZE - 1) }

// RoundUp aligns a upward to PGSIZE.
func RoundUp(a uint32) uint32 { return (a + PGSIZE - 1) &^ (PGSIZE - 1) }

// Page identifies one physical page frame.
type Page struct {
	ppn int
	pm  *PhysMemory
}

// PPN returns the physical page number.
func (p *Page) PPN() int { return p.ppn }

// PA returns the physical address of the frame.
func (p *Page) PA() uint32 { return uint32(p.ppn) * PGSIZE }

// Bytes returns the frame's backing storage.
func (p *Page) Bytes() []byte {
	off := p.ppn * PGSIZE
	return p.pm.bytes[off : off+PGSIZE]
}

type freeRun struct {
	ppn int
	n   int
}

// PhysMemory is the machine's physical memory plus its page allocator. The
// allocator is first-fit over a sorted run list with coalescing on free,
// like the default allocator of the original machine.
type PhysMemory struct {
	bytes []byte
	npage int
	free  []freeRun
	pages []Page
}

// NewPhysMemory creates a memory of the given size, rounded down to whole
// pages. All pages start free.
func NewPhysMemory(size int) *PhysMemory {
	npage := size / PGSIZE
	pm := &PhysMemory{
		bytes: make([]byte, npage*PGSIZE),
		npage: npage,
		free:  []freeRun{{ppn: 0, n: npage}},
	}
	pm.pages = make([]Page, npage)
	for i := range pm.pages {
		pm.pages[i] = Page{ppn: i, pm: pm}
	}
	return pm
}

// NPages returns the total number of page frames.
func (pm *PhysMemory) NPages() int { return pm.npage }

// NrFreePages returns the number of free page frames.
func (pm *PhysMemory) NrFreePages() int {
	n := 0
	for _, r := range pm.free {
		n += r.n
	}
	return n
}

// AllocPages allocates n physically-contiguous page frames, zeroed. It
// returns the first page of the run.
func (pm *PhysMemory) AllocPages(n int) (*Page, error) {
	for i, r := range pm.free {
		if r.n >= n {
			p := &pm.pages[r.ppn]
			if r.n == n {
				pm.free = append(pm.free[:i], pm.free[i+1:]...)
			} else {
				pm.free[i] = freeRun{ppn: r.ppn + n, n: r.n - n}
			}
			b := pm.bytes[r.ppn*PGSIZE : (r.ppn+n)*PGSIZE]
			for j := range b {
				b[j] = 0
			}
			return p, nil
		}
	}
	return nil, kerrors.ErrNoMem
}

// AllocPage allocates a single page frame.
func (pm *PhysMemory) AllocPage() (*Page, error) {
	return pm.AllocPages(1)
}

// FreePages returns the n-page run starting at p to the allocator.
func (pm *PhysMemory) FreePages(p *Page, n int) {
	i := sort.Search(len(pm.free), func(i int) bool { return pm.free[i].ppn > p.ppn })
	pm.free = append(pm.free, freeRun{})
	copy(pm.free[i+1:], pm.free[i:])
	pm.free[i] = freeRun{ppn: p.ppn, n: n}
	// Coalesce with neighbors.
	if i+1 < len(pm.free) && pm.free[i].ppn+pm.free[i].n == pm.free[i+1].ppn {
		pm.free[i].n += pm.free[i+1].n
		pm.free = append(pm.free[:i+1], pm.free[i+2:]...)
	}
	if i > 0 && pm.free[i-1].ppn+pm.free[i-1].n == pm.free[i].ppn {
		pm.free[i-1].n += pm.free[i].n
		pm.free = append(pm.free[:i], pm.free[i+1:]...)
	}
}

// FreePage returns a single page frame to the allocator.
func (pm *PhysMemory) FreePage(p *Page) { pm.FreePages(p, 1) }

// PA2Page returns the page frame containing physical address pa.
func (pm *PhysMemory) PA2Page(pa uint32) *Page {
	ppn := int(pa / PGSIZE)
	if ppn >= pm.npage {
		panic(fmt.Sprintf("PA2Page: pa %#x out of range", pa))
	}
	return &pm.pages[ppn]
}

// Page2KVA returns the kernel virtual address of p.
func (pm *PhysMemory) Page2KVA(p *Page) uint32 { return KERNBASE + p.PA() }

// KVA2Page returns the page frame backing kernel virtual address kva.
func (pm *PhysMemory) KVA2Page(kva uint32) *Page { return pm.PA2Page(PADDR(kva)) }

// KVABytes returns n bytes of storage starting at kernel virtual address
// kva. The range may span page boundaries; physical memory is contiguous.
func (pm *PhysMemory) KVABytes(kva uint32, n int) []byte {
	pa := PADDR(kva)
	return pm.bytes[pa : int(pa)+n]
}

// PADDR converts a kernel virtual address to a physical address.
func PADDR(kva uint32) uint32 {
	if kva < KERNBASE {
		panic(fmt.Sprintf("PADDR called with invalid kva %#x", kva))
	}
	return kva - KERNBASE
}
