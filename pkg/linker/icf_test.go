package linker

import (
	"debug/elf"
	"fmt"
	"math"
	"testing"
)

const testExecFlags = uint64(elf.SHF_ALLOC) | uint64(elf.SHF_EXECINSTR)

type testSection struct {
	name     string
	typ      uint32
	flags    uint64
	contents []byte
	rels     []Rela
}

// newTestObject assembles an ObjectFile from section descriptors
// without going through ELF parsing. Symbols are added afterwards with
// addTestSymbol / shareTestSymbol.
func newTestObject(name string, priority uint32, secs ...testSection) *ObjectFile {
	obj := &ObjectFile{Priority: priority}
	obj.IsAlive = true
	obj.File = &File{Name: name}

	shstrtab := []byte{0}
	obj.ElfSections = make([]Shdr, len(secs))
	obj.Sections = make([]*InputSection, len(secs))

	for i, sec := range secs {
		nameOff := uint32(len(shstrtab))
		shstrtab = append(shstrtab, sec.name...)
		shstrtab = append(shstrtab, 0)

		typ := sec.typ
		if typ == 0 {
			typ = uint32(elf.SHT_PROGBITS)
		}

		obj.ElfSections[i] = Shdr{
			Name:  nameOff,
			Type:  typ,
			Flags: sec.flags,
			Size:  uint64(len(sec.contents)),
		}
		obj.Sections[i] = &InputSection{
			File:      obj,
			Contents:  sec.contents,
			Shndx:     uint32(i),
			ShSize:    uint32(len(sec.contents)),
			IsAlive:   true,
			Offset:    math.MaxUint32,
			RelsecIdx: math.MaxUint32,
			Rels:      sec.rels,
		}
	}

	obj.ShStrtab = shstrtab
	return obj
}

// addTestSymbol defines a symbol in the section's file and returns its
// index there.
func addTestSymbol(target *InputSection, value uint64) uint32 {
	obj := target.File
	sym := NewSymbol("")
	sym.File = obj
	sym.SetInputSection(target)
	sym.Value = value
	obj.Symbols = append(obj.Symbols, sym)
	return uint32(len(obj.Symbols) - 1)
}

// shareTestSymbol makes an already-defined symbol visible in another
// file's symbol table, the way resolved globals are.
func shareTestSymbol(obj *ObjectFile, sym *Symbol) uint32 {
	obj.Symbols = append(obj.Symbols, sym)
	return uint32(len(obj.Symbols) - 1)
}

func newTestContext(objs ...*ObjectFile) *Context {
	ctx := NewContext()
	ctx.Objs = objs
	return ctx
}

func callRel(symIdx uint32) Rela {
	return Rela{Offset: 0, Type: uint32(elf.R_RISCV_CALL), Sym: symIdx}
}

func TestIcfFoldsIdenticalLeaves(t *testing.T) {
	body := []byte{0x48, 0xc3}

	obj1 := newTestObject("a.o", 1,
		testSection{name: ".text.f1", flags: testExecFlags, contents: body})
	obj2 := newTestObject("b.o", 2,
		testSection{name: ".text.f2", flags: testExecFlags, contents: body})

	s1 := obj1.Sections[0]
	s2 := obj2.Sections[0]
	addTestSymbol(s1, 0)
	addTestSymbol(s2, 0)

	ctx := newTestContext(obj1, obj2)
	IcfSections(ctx)

	if s1.Leader != s1 {
		t.Errorf("leader of s1 = %v, want itself", s1.Leader)
	}
	if s2.Leader != s1 {
		t.Errorf("leader of s2 = %v, want s1", s2.Leader)
	}
	if s1.Killed || !s2.Killed {
		t.Errorf("killed: s1=%v s2=%v, want false/true", s1.Killed, s2.Killed)
	}
	if obj2.Symbols[0].InputSection != s1 {
		t.Errorf("symbol not redirected to leader")
	}

	_, saved := gatherIcfGroups(ctx)
	if saved != int64(len(body)) {
		t.Errorf("saved bytes = %d, want %d", saved, len(body))
	}
}

func TestIcfWritableSectionIneligible(t *testing.T) {
	obj := newTestObject("a.o", 1,
		testSection{
			name:     ".text.w",
			flags:    testExecFlags | uint64(elf.SHF_WRITE),
			contents: []byte{1, 2, 3},
		})

	ctx := newTestContext(obj)
	IcfSections(ctx)

	isec := obj.Sections[0]
	if isec.IcfEligible || isec.IcfLeaf {
		t.Errorf("writable section must not participate")
	}
	if isec.Leader != nil {
		t.Errorf("writable section got leader %v", isec.Leader)
	}
}

func TestIcfEnumerableSectionIneligible(t *testing.T) {
	obj := newTestObject("a.o", 1,
		testSection{
			name:     "foo",
			typ:      uint32(elf.SHT_INIT_ARRAY),
			flags:    testExecFlags,
			contents: []byte{1, 2, 3},
		},
		testSection{
			name:     "bar",
			flags:    testExecFlags,
			contents: []byte{1, 2, 3},
		})

	ctx := newTestContext(obj)
	IcfSections(ctx)

	for _, isec := range obj.Sections {
		if isec.IcfEligible || isec.IcfLeaf {
			t.Errorf("section %q must not participate", isec.Name())
		}
	}
}

func TestIcfFoldsCallersOfIneligibleSection(t *testing.T) {
	body := []byte{0x13, 0x00, 0x00, 0x00, 0x67, 0x80, 0x00, 0x00}

	obj1 := newTestObject("a.o", 1,
		testSection{name: ".text.a", flags: testExecFlags, contents: body},
		testSection{name: ".rodata.x", flags: uint64(elf.SHF_ALLOC),
			contents: []byte{9}})
	obj2 := newTestObject("b.o", 2,
		testSection{name: ".text.b", flags: testExecFlags, contents: body})

	a := obj1.Sections[0]
	x := obj1.Sections[1]
	b := obj2.Sections[0]

	xsym := addTestSymbol(x, 0)
	a.Rels = []Rela{callRel(xsym)}
	b.Rels = []Rela{callRel(shareTestSymbol(obj2, obj1.Symbols[xsym]))}
	addTestSymbol(a, 0)
	addTestSymbol(b, 0)

	ctx := newTestContext(obj1, obj2)
	IcfSections(ctx)

	if a.Leader != a || b.Leader != a {
		t.Errorf("leaders: a=%v b=%v, want both a", a.Leader, b.Leader)
	}
	if x.Leader != nil {
		t.Errorf("ineligible x got leader")
	}
	if !b.Killed {
		t.Errorf("b not killed")
	}
}

func TestIcfPropagatesThroughCallees(t *testing.T) {
	outer := []byte{0xaa, 0xbb, 0xcc, 0xdd}
	inner := []byte{0x11, 0x22}

	// A calls A', B calls B'. The callee bodies are identical but the
	// callees also carry a relocation (to one shared ineligible
	// section), so they participate in the graph instead of folding as
	// leaves.
	build := func(name string, priority uint32, x *Symbol) (*ObjectFile, *InputSection, *InputSection) {
		obj := newTestObject(name, priority,
			testSection{name: ".text.outer", flags: testExecFlags, contents: outer},
			testSection{name: ".text.inner", flags: testExecFlags, contents: inner})

		callee := obj.Sections[1]
		calleeSym := addTestSymbol(callee, 0)
		obj.Sections[0].Rels = []Rela{callRel(calleeSym)}
		callee.Rels = []Rela{callRel(shareTestSymbol(obj, x))}
		return obj, obj.Sections[0], callee
	}

	xobj := newTestObject("x.o", 3,
		testSection{name: ".rodata.x", flags: uint64(elf.SHF_ALLOC),
			contents: []byte{7, 7}})
	xIdx := addTestSymbol(xobj.Sections[0], 0)

	obj1, a, aPrime := build("a.o", 1, xobj.Symbols[xIdx])
	obj2, b, bPrime := build("b.o", 2, xobj.Symbols[xIdx])

	ctx := newTestContext(obj1, obj2, xobj)
	IcfSections(ctx)

	if a.Leader != a || b.Leader != a {
		t.Errorf("outer leaders: a=%v b=%v, want both a", a.Leader, b.Leader)
	}
	if aPrime.Leader != aPrime || bPrime.Leader != aPrime {
		t.Errorf("inner leaders: a'=%v b'=%v, want both a'",
			aPrime.Leader, bPrime.Leader)
	}
}

func TestIcfMutuallyRecursivePairs(t *testing.T) {
	bodyEven := []byte{0x01, 0x02, 0x03, 0x04}
	bodyOdd := []byte{0x05, 0x06, 0x07, 0x08}

	// Two mutually recursive pairs with matching shapes: A<->B and
	// C<->D, where A and C share one body and B and D the other.
	build := func(name string, priority uint32) (*ObjectFile, *InputSection, *InputSection) {
		obj := newTestObject(name, priority,
			testSection{name: ".text.even", flags: testExecFlags, contents: bodyEven},
			testSection{name: ".text.odd", flags: testExecFlags, contents: bodyOdd})

		even := obj.Sections[0]
		odd := obj.Sections[1]
		even.Rels = []Rela{callRel(addTestSymbol(odd, 0))}
		odd.Rels = []Rela{callRel(addTestSymbol(even, 0))}
		return obj, even, odd
	}

	obj1, a, b := build("a.o", 1)
	obj2, c, d := build("b.o", 2)

	ctx := newTestContext(obj1, obj2)
	IcfSections(ctx)

	if a.Leader != a || c.Leader != a {
		t.Errorf("even leaders: a=%v c=%v, want both a", a.Leader, c.Leader)
	}
	if b.Leader != b || d.Leader != b {
		t.Errorf("odd leaders: b=%v d=%v, want both b", b.Leader, d.Leader)
	}
	if a.Leader == b.Leader {
		t.Errorf("the two halves of a pair must stay distinct")
	}
}

func TestIcfFragmentRefAndFragmentSymbolDiffer(t *testing.T) {
	body := []byte{0x42}
	frag := &SectionFragment{Data: []byte("hello")}

	obj := newTestObject("a.o", 1,
		testSection{name: ".text.a", flags: testExecFlags, contents: body},
		testSection{name: ".text.b", flags: testExecFlags, contents: body})

	// One section references the fragment directly through a
	// relocation, the other through a symbol bound to the fragment.
	// The digests use different tags, so the two must not fold.
	a := obj.Sections[0]
	a.Rels = []Rela{{Offset: 0, Type: uint32(elf.R_RISCV_CALL), Sym: 0}}
	a.HasFragments = []bool{true}
	a.RelFragments = []SectionFragmentRef{{Frag: frag, Addend: 0}}

	fragSym := NewSymbol("")
	fragSym.File = obj
	fragSym.SetSectionFragment(frag)
	obj.Symbols = append(obj.Symbols, fragSym)

	b := obj.Sections[1]
	b.Rels = []Rela{callRel(0)}

	ctx := newTestContext(obj)
	IcfSections(ctx)

	if a.Leader == b.Leader {
		t.Errorf("tag-1 and tag-2 references folded together")
	}
}

func TestIcfLeafFdeIgnoresPositionBytes(t *testing.T) {
	body := []byte{0x48, 0xc3}

	fde := func(first8 byte) FdeRecord {
		contents := make([]byte, 16)
		for i := 0; i < 8; i++ {
			contents[i] = first8
		}
		copy(contents[8:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
		return FdeRecord{Contents: contents}
	}

	obj1 := newTestObject("a.o", 1,
		testSection{name: ".text.f1", flags: testExecFlags, contents: body})
	obj2 := newTestObject("b.o", 2,
		testSection{name: ".text.f2", flags: testExecFlags, contents: body})

	s1 := obj1.Sections[0]
	s2 := obj2.Sections[0]
	s1.Fdes = []FdeRecord{fde(0xaa)}
	s2.Fdes = []FdeRecord{fde(0xbb)}

	ctx := newTestContext(obj1, obj2)
	IcfSections(ctx)

	if s2.Leader != s1 {
		t.Errorf("FDEs differing only in the first 8 bytes must fold")
	}
}

func TestIcfAllIdenticalLeaves(t *testing.T) {
	body := []byte{0xde, 0xad, 0xbe, 0xef}

	const n = 4
	objs := make([]*ObjectFile, n)
	for i := 0; i < n; i++ {
		objs[i] = newTestObject(fmt.Sprintf("f%d.o", i), uint32(i+1),
			testSection{name: ".text.f", flags: testExecFlags, contents: body})
		addTestSymbol(objs[i].Sections[0], 0)
	}

	ctx := newTestContext(objs...)
	IcfSections(ctx)

	leader := objs[0].Sections[0]
	killed := 0
	for _, obj := range objs {
		isec := obj.Sections[0]
		if isec.Leader != leader {
			t.Errorf("leader of %s = %v, want %v", obj.File.Name, isec.Leader, leader)
		}
		if isec.Killed {
			killed++
		}
	}
	if killed != n-1 {
		t.Errorf("killed = %d, want %d", killed, n-1)
	}

	_, saved := gatherIcfGroups(ctx)
	if saved != int64((n-1)*len(body)) {
		t.Errorf("saved = %d, want %d", saved, (n-1)*len(body))
	}
}

func TestIcfEmptyAndSingleton(t *testing.T) {
	// No objects at all.
	IcfSections(newTestContext())

	// A single eligible section becomes its own leader.
	obj := newTestObject("a.o", 1,
		testSection{name: ".text.f", flags: testExecFlags, contents: []byte{1}},
		testSection{name: ".rodata.x", flags: uint64(elf.SHF_ALLOC),
			contents: []byte{2}})
	obj.Sections[0].Rels = []Rela{callRel(addTestSymbol(obj.Sections[1], 0))}

	ctx := newTestContext(obj)
	IcfSections(ctx)

	isec := obj.Sections[0]
	if isec.Leader != isec {
		t.Errorf("singleton leader = %v, want itself", isec.Leader)
	}
	if isec.Killed {
		t.Errorf("singleton must survive")
	}
}

// buildInvariantScenario mixes leaves, graph sections and ineligible
// sections so the invariant checks below see every section kind.
func buildInvariantScenario() *Context {
	body := []byte{0x13, 0x05, 0x00, 0x00}
	leaf := []byte{0x67, 0x80, 0x00, 0x00}

	mk := func(name string, priority uint32) *ObjectFile {
		obj := newTestObject(name, priority,
			testSection{name: ".text.f", flags: testExecFlags, contents: body},
			testSection{name: ".text.leaf", flags: testExecFlags, contents: leaf},
			testSection{name: ".data.d", typ: uint32(elf.SHT_PROGBITS),
				flags: uint64(elf.SHF_ALLOC) | uint64(elf.SHF_WRITE),
				contents: []byte{3}})

		obj.Sections[0].Rels = []Rela{callRel(addTestSymbol(obj.Sections[1], 0))}
		addTestSymbol(obj.Sections[0], 0)
		addTestSymbol(obj.Sections[2], 0)
		return obj
	}

	ctx := newTestContext(mk("a.o", 1), mk("b.o", 2), mk("c.o", 3))
	IcfSections(ctx)
	return ctx
}

func TestIcfInvariants(t *testing.T) {
	ctx := buildInvariantScenario()

	for _, obj := range ctx.Objs {
		for _, isec := range obj.Sections {
			if isec.Leader != nil && isec.Leader.Leader != isec.Leader {
				t.Errorf("leader of a leader is not itself")
			}
			if isec.IcfEligible && isec.IcfLeaf {
				t.Errorf("eligible and leaf are mutually exclusive")
			}
			if !isec.IcfEligible && !isec.IcfLeaf && isec.Leader != nil {
				t.Errorf("non-participating section got a leader")
			}
			if isec.Leader != nil && isec.Leader.GetPriority() > isec.GetPriority() {
				t.Errorf("leader priority %d above member priority %d",
					isec.Leader.GetPriority(), isec.GetPriority())
			}
		}

		for _, sym := range obj.Symbols {
			if sym.InputSection != nil && sym.InputSection.Killed {
				t.Errorf("symbol still points at killed section")
			}
		}
	}
}

func TestIcfDeterminism(t *testing.T) {
	key := func(ctx *Context) string {
		out := ""
		for _, obj := range ctx.Objs {
			for _, isec := range obj.Sections {
				if isec.Leader == nil {
					out += "-;"
					continue
				}
				out += fmt.Sprintf("%d:%d;",
					isec.Leader.File.Priority, isec.Leader.Shndx)
			}
		}
		return out
	}

	first := key(buildInvariantScenario())
	for i := 0; i < 3; i++ {
		if got := key(buildInvariantScenario()); got != first {
			t.Fatalf("run %d differs:\n%s\n%s", i+2, got, first)
		}
	}
}

func TestIcfIdempotence(t *testing.T) {
	ctx := buildInvariantScenario()

	killedBefore := 0
	for _, obj := range ctx.Objs {
		for _, isec := range obj.Sections {
			if isec.Killed {
				killedBefore++
			}
			// Reset pass-local state the way a fresh link would see it.
			isec.IcfEligible = false
			isec.IcfLeaf = false
			isec.IcfIdx = 0
			isec.Leader = nil
		}
	}

	IcfSections(ctx)

	killedAfter := 0
	for _, obj := range ctx.Objs {
		for _, isec := range obj.Sections {
			if isec.Killed {
				killedAfter++
			}
		}
	}

	if killedAfter != killedBefore {
		t.Errorf("second run folded more: %d -> %d", killedBefore, killedAfter)
	}
}

func TestIsCIdentifier(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"foo", true},
		{"_start", true},
		{"a1_b2", true},
		{"", false},
		{"1abc", false},
		{".text", false},
		{".text.foo", false},
		{"foo-bar", false},
	}

	for _, tt := range tests {
		if got := isCIdentifier(tt.name); got != tt.want {
			t.Errorf("isCIdentifier(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIcfDigestSensitivity(t *testing.T) {
	mk := func(contents []byte, addend int64) *InputSection {
		obj := newTestObject("a.o", 1,
			testSection{name: ".text.f", flags: testExecFlags, contents: contents},
			testSection{name: ".rodata.x", flags: uint64(elf.SHF_ALLOC),
				contents: []byte{1}})
		isec := obj.Sections[0]
		sym := addTestSymbol(obj.Sections[1], 0)
		isec.Rels = []Rela{{Offset: 0, Type: uint32(elf.R_RISCV_CALL),
			Sym: sym, Addend: addend}}
		return isec
	}

	base := computeIcfDigest(mk([]byte{1, 2, 3}, 0))

	if d := computeIcfDigest(mk([]byte{1, 2, 3}, 0)); d != base {
		t.Errorf("identical sections produced different digests")
	}
	if d := computeIcfDigest(mk([]byte{1, 2, 4}, 0)); d == base {
		t.Errorf("contents change not reflected in digest")
	}
	if d := computeIcfDigest(mk([]byte{1, 2, 3}, 8)); d == base {
		t.Errorf("addend change not reflected in digest")
	}
}
