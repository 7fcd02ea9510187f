package linker

import (
	"debug/elf"

	"github.com/seeekr/mold/pkg/utils"
)

// EhReloc is a relocation inside one .eh_frame record, with Offset
// rebased to the start of the record. The first relocation of an FDE
// is its CIE pointer.
type EhReloc struct {
	Sym    *Symbol
	Type   uint32
	Offset uint32
	Addend int64
}

// FdeRecord is one frame description entry, attached to the text
// section whose unwinding it describes. Contents keeps the raw record
// bytes including the length and CIE-offset words; both are position
// dependent, so everything that compares FDEs starts at offset 8.
type FdeRecord struct {
	Contents []byte
	Rels     []EhReloc
}

type CieRecord struct {
	Contents []byte
	Rels     []EhReloc
}

// SplitEhframeSections breaks each .eh_frame section into CIE and FDE
// records and attaches every FDE to the section it covers; CIE records
// are not kept. The .eh_frame input section itself is dropped, and no
// .eh_frame output is written from the records.
func (o *ObjectFile) SplitEhframeSections() {
	for _, isec := range o.Sections {
		if isec == nil || !isec.IsAlive || isec.Name() != ".eh_frame" {
			continue
		}

		o.splitEhframe(isec)
		isec.IsAlive = false
	}
}

func (o *ObjectFile) splitEhframe(isec *InputSection) {
	rels := isec.GetRels()
	relIdx := 0
	contents := isec.Contents
	pos := uint64(0)

	for pos < uint64(len(contents)) {
		rest := contents[pos:]
		if len(rest) < 4 {
			utils.Fatal("corrupted .eh_frame")
		}

		length := uint64(utils.Read[uint32](rest))
		if length == 0 {
			// Null terminator record.
			break
		}
		if length == 0xffffffff {
			utils.Fatal("64-bit .eh_frame is not supported")
		}

		end := pos + 4 + length
		if end > uint64(len(contents)) || length < 8 {
			utils.Fatal("corrupted .eh_frame")
		}

		rec := contents[pos:end]
		id := utils.Read[uint32](rec[4:])

		var ehRels []EhReloc
		for relIdx < len(rels) && rels[relIdx].Offset < end {
			rel := &rels[relIdx]
			if rel.Offset >= pos && rel.Type != uint32(elf.R_RISCV_NONE) {
				ehRels = append(ehRels, EhReloc{
					Sym:    o.Symbols[rel.Sym],
					Type:   rel.Type,
					Offset: uint32(rel.Offset - pos),
					Addend: rel.Addend,
				})
			}
			relIdx++
		}

		if id != 0 {
			// An FDE. Its first relocation points back at the CIE; the
			// second one gives the function the record covers.
			if target := fdeTarget(ehRels); target != nil {
				target.Fdes = append(target.Fdes,
					FdeRecord{Contents: rec, Rels: ehRels})
			}
		}

		pos = end
	}
}

func fdeTarget(rels []EhReloc) *InputSection {
	if len(rels) < 2 {
		return nil
	}

	sym := rels[1].Sym
	if sym == nil {
		return nil
	}
	return sym.InputSection
}
