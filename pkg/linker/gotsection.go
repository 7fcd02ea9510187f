package linker

import (
	"debug/elf"

	"github.com/seeekr/mold/pkg/utils"
)

type GotSection struct {
	Chunk
	GotTpSyms []*Symbol
}

func NewGotSection() *GotSection {
	g := &GotSection{Chunk: NewChunk()}
	g.Name = ".got"
	g.Shdr.Type = uint32(elf.SHT_PROGBITS)
	g.Shdr.Flags = uint64(elf.SHF_ALLOC) | uint64(elf.SHF_WRITE)
	g.Shdr.AddrAlign = 8
	return g
}

func (g *GotSection) AddGotTpSymbol(sym *Symbol) {
	sym.GotTpIdx = int32(g.Shdr.Size / 8)
	g.Shdr.Size += 8
	g.GotTpSyms = append(g.GotTpSyms, sym)
}

func (g *GotSection) CopyBuf(ctx *Context) {
	base := ctx.Buf[g.Shdr.Offset:]
	for _, sym := range g.GotTpSyms {
		utils.Write[uint64](base[sym.GotTpIdx*8:], sym.GetAddr()-ctx.TpAddr)
	}
}
