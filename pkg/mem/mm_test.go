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
	"bytes"
	"testing"

	"ucore.dev/ucore/pkg/kerrors"
)

func TestPageAllocator(t *testing.T) {
	pm := NewPhysMemory(16 * PGSIZE)
	if got := pm.NrFreePages(); got != 16 {
		t.Fatalf("NrFreePages() = %d, want 16", got)
	}

	a, err := pm.AllocPages(2)
	if err != nil {
		t.Fatalf("AllocPages(2): %v", err)
	}
	b, err := pm.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if got := pm.NrFreePages(); got != 13 {
		t.Fatalf("NrFreePages() = %d, want 13", got)
	}

	// Freeing in any order must coalesce back to one run.
	pm.FreePages(a, 2)
	pm.FreePage(b)
	if got := pm.NrFreePages(); got != 16 {
		t.Fatalf("NrFreePages() after free = %d, want 16", got)
	}
	if _, err := pm.AllocPages(16); err != nil {
		t.Fatalf("AllocPages(16) after coalescing: %v", err)
	}
}

func TestPageAllocatorExhaustion(t *testing.T) {
	pm := NewPhysMemory(4 * PGSIZE)
	if _, err := pm.AllocPages(5); err != kerrors.ErrNoMem {
		t.Fatalf("AllocPages(5) = %v, want ErrNoMem", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := pm.AllocPage(); err != nil {
			t.Fatalf("AllocPage %d: %v", i, err)
		}
	}
	if _, err := pm.AllocPage(); err != kerrors.ErrNoMem {
		t.Fatalf("AllocPage on empty = %v, want ErrNoMem", err)
	}
}

func TestAllocPagesZeroesMemory(t *testing.T) {
	pm := NewPhysMemory(4 * PGSIZE)
	p, err := pm.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	p.Bytes()[123] = 0xAB
	pm.FreePage(p)
	q, err := pm.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if q.Bytes()[123] != 0 {
		t.Fatalf("reallocated page not zeroed")
	}
}

func TestPgdirTranslate(t *testing.T) {
	pm := NewPhysMemory(64 * PGSIZE)
	boot, err := pm.BootPgdir()
	if err != nil {
		t.Fatalf("BootPgdir: %v", err)
	}
	pgdir, err := pm.SetupPgdir(boot)
	if err != nil {
		t.Fatalf("SetupPgdir: %v", err)
	}

	// The self-map must point at the directory itself.
	if e := entry(pgdir, PDX(VPT)); e&^0xFFF != pgdir.PA() {
		t.Fatalf("self-map entry = %#x, want frame %#x", e, pgdir.PA())
	}

	const va = USERBASE + 0x3000
	pg, err := pm.PgdirAllocPage(pgdir, va, PTEUserMask)
	if err != nil {
		t.Fatalf("PgdirAllocPage: %v", err)
	}
	got, perm, ok := pm.Translate(pgdir, va)
	if !ok || got.PPN() != pg.PPN() {
		t.Fatalf("Translate(%#x) = (%v, ok=%v), want page %d", va, got, ok, pg.PPN())
	}
	if perm&PTEUser == 0 || perm&PTEWrite == 0 {
		t.Fatalf("Translate perm = %#x, want user+write", perm)
	}
	if _, _, ok := pm.Translate(pgdir, va+PGSIZE); ok {
		t.Fatalf("Translate of unmapped page succeeded")
	}

	// Double-mapping the same page is a caller bug.
	if _, err := pm.PgdirAllocPage(pgdir, va, PTEUserMask); err == nil {
		t.Fatalf("PgdirAllocPage on mapped va succeeded")
	}
}

func TestMMapOverlap(t *testing.T) {
	pm := NewPhysMemory(64 * PGSIZE)
	mm := MMCreate(pm)

	if _, err := mm.MMap(USERBASE, 2*PGSIZE, VMRead|VMWrite); err != nil {
		t.Fatalf("MMap: %v", err)
	}
	if _, err := mm.MMap(USERBASE+PGSIZE, PGSIZE, VMRead); err == nil {
		t.Fatalf("overlapping MMap succeeded")
	}
	if _, err := mm.MMap(USERBASE+2*PGSIZE, PGSIZE, VMRead); err != nil {
		t.Fatalf("adjacent MMap: %v", err)
	}

	if v := mm.FindVMA(USERBASE + PGSIZE); v == nil || v.Start != USERBASE {
		t.Fatalf("FindVMA inside region = %+v", v)
	}
	if v := mm.FindVMA(USERBASE + 3*PGSIZE); v != nil {
		t.Fatalf("FindVMA outside regions = %+v, want nil", v)
	}
}

func TestDupMmapCopiesContents(t *testing.T) {
	pm := NewPhysMemory(64 * PGSIZE)
	boot, err := pm.BootPgdir()
	if err != nil {
		t.Fatalf("BootPgdir: %v", err)
	}

	src := MMCreate(pm)
	if err := src.SetupPgdir(boot); err != nil {
		t.Fatalf("SetupPgdir: %v", err)
	}
	const va = USERBASE
	if _, err := src.MMap(va, 2*PGSIZE, VMRead|VMWrite); err != nil {
		t.Fatalf("MMap: %v", err)
	}
	pg, err := pm.PgdirAllocPage(src.Pgdir, va, PTEUserMask)
	if err != nil {
		t.Fatalf("PgdirAllocPage: %v", err)
	}
	for i := range pg.Bytes() {
		pg.Bytes()[i] = byte(i)
	}

	freeBefore := pm.NrFreePages()
	dst := MMCreate(pm)
	if err := dst.SetupPgdir(boot); err != nil {
		t.Fatalf("SetupPgdir dst: %v", err)
	}
	src.Lock()
	err = DupMmap(dst, src)
	src.Unlock()
	if err != nil {
		t.Fatalf("DupMmap: %v", err)
	}

	npg, perm, ok := pm.Translate(dst.Pgdir, va)
	if !ok {
		t.Fatalf("duplicated mapping missing")
	}
	if npg.PPN() == pg.PPN() {
		t.Fatalf("duplicate shares the source frame")
	}
	if perm&PTEWrite == 0 {
		t.Fatalf("duplicate perm = %#x, lost write bit", perm)
	}
	if !bytes.Equal(npg.Bytes(), pg.Bytes()) {
		t.Fatalf("duplicated page contents differ")
	}
	if v := dst.FindVMA(va); v == nil || v.End != va+2*PGSIZE || v.Flags != VMRead|VMWrite {
		t.Fatalf("duplicated vma = %+v", v)
	}

	// Mutating the copy must not touch the original.
	npg.Bytes()[0] = 0xFF
	if pg.Bytes()[0] == 0xFF {
		t.Fatalf("copy aliases source page")
	}

	// Tearing the duplicate down returns every page it took.
	dst.ExitMmap()
	dst.PutPgdir()
	dst.MMDestroy()
	if got := pm.NrFreePages(); got != freeBefore {
		t.Fatalf("NrFreePages() = %d after teardown, want %d", got, freeBefore)
	}
}

func TestUserMemCheck(t *testing.T) {
	pm := NewPhysMemory(64 * PGSIZE)
	mm := MMCreate(pm)
	if _, err := mm.MMap(USERBASE, PGSIZE, VMRead); err != nil {
		t.Fatalf("MMap: %v", err)
	}

	for _, tc := range []struct {
		name  string
		mm    *MM
		addr  uint32
		n     uint32
		write bool
		want  bool
	}{
		{"read in region", mm, USERBASE, 16, false, true},
		{"write to read-only", mm, USERBASE, 16, true, false},
		{"past region end", mm, USERBASE + PGSIZE - 8, 16, false, false},
		{"below user base", mm, USERBASE - PGSIZE, 16, false, false},
		{"kernel thread kernel addr", nil, KERNBASE + 0x1000, 16, false, true},
		{"kernel thread user addr", nil, USERBASE, 16, false, false},
	} {
		if got := UserMemCheck(tc.mm, tc.addr, tc.n, tc.write); got != tc.want {
			t.Errorf("%s: UserMemCheck = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCopyOutIn(t *testing.T) {
	pm := NewPhysMemory(64 * PGSIZE)
	boot, err := pm.BootPgdir()
	if err != nil {
		t.Fatalf("BootPgdir: %v", err)
	}
	mm := MMCreate(pm)
	if err := mm.SetupPgdir(boot); err != nil {
		t.Fatalf("SetupPgdir: %v", err)
	}
	const va = USERBASE + PGSIZE - 8 // spans a page boundary
	for i := 0; i < 2; i++ {
		if _, err := pm.PgdirAllocPage(mm.Pgdir, USERBASE+uint32(i)*PGSIZE, PTEUserMask); err != nil {
			t.Fatalf("PgdirAllocPage: %v", err)
		}
	}

	out := []byte("page-boundary-crossing")
	if err := mm.CopyOut(va, out); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	in := make([]byte, len(out))
	if err := mm.CopyIn(va, in); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Fatalf("CopyIn = %q, want %q", in, out)
	}

	if err := mm.CopyOut(USERBASE+4*PGSIZE, out); err == nil {
		t.Fatalf("CopyOut to unmapped range succeeded")
	}
}
