package linker

import (
	"debug/elf"

	"github.com/seeekr/mold/pkg/utils"
)

type OutputPhdr struct {
	Chunk
	Phdrs []Phdr
}

func NewOutputPhdr() *OutputPhdr {
	o := &OutputPhdr{Chunk: NewChunk()}
	o.Shdr.Flags = uint64(elf.SHF_ALLOC)
	o.Shdr.AddrAlign = 8
	return o
}

func toPhdrFlags(chunk Chunker) uint32 {
	ret := uint32(elf.PF_R)
	if chunk.GetShdr().Flags&uint64(elf.SHF_WRITE) != 0 {
		ret |= uint32(elf.PF_W)
	}
	if chunk.GetShdr().Flags&uint64(elf.SHF_EXECINSTR) != 0 {
		ret |= uint32(elf.PF_X)
	}
	return ret
}

func createPhdr(ctx *Context) []Phdr {
	vec := make([]Phdr, 0)

	define := func(typ, flags uint32, minAlign uint64, chunk Chunker) {
		vec = append(vec, Phdr{})
		phdr := &vec[len(vec)-1]
		phdr.Type = typ
		phdr.Flags = flags
		phdr.Align = max(minAlign, chunk.GetShdr().AddrAlign)
		phdr.Offset = chunk.GetShdr().Offset
		if chunk.GetShdr().Type != uint32(elf.SHT_NOBITS) {
			phdr.FileSize = chunk.GetShdr().Size
		}
		phdr.VAddr = chunk.GetShdr().Addr
		phdr.PAddr = chunk.GetShdr().Addr
		phdr.MemSize = chunk.GetShdr().Size
	}

	push := func(chunk Chunker) {
		phdr := &vec[len(vec)-1]
		phdr.Align = max(phdr.Align, chunk.GetShdr().AddrAlign)
		if chunk.GetShdr().Type != uint32(elf.SHT_NOBITS) {
			phdr.FileSize = chunk.GetShdr().Addr + chunk.GetShdr().Size -
				phdr.VAddr
		}
		phdr.MemSize = chunk.GetShdr().Addr + chunk.GetShdr().Size -
			phdr.VAddr
	}

	isTls := func(chunk Chunker) bool {
		return chunk.GetShdr().Flags&uint64(elf.SHF_TLS) != 0
	}

	isBss := func(chunk Chunker) bool {
		return chunk.GetShdr().Type == uint32(elf.SHT_NOBITS) && !isTls(chunk)
	}

	isNote := func(chunk Chunker) bool {
		shdr := chunk.GetShdr()
		return shdr.Type == uint32(elf.SHT_NOTE) &&
			shdr.Flags&uint64(elf.SHF_ALLOC) != 0
	}

	// PT_PHDR
	define(uint32(elf.PT_PHDR), uint32(elf.PF_R), 8, ctx.Phdr)

	// PT_NOTE segments
	end := len(ctx.Chunks)
	for i := 0; i < end; {
		first := ctx.Chunks[i]
		i++

		if !isNote(first) {
			continue
		}

		flags := toPhdrFlags(first)
		alignment := first.GetShdr().AddrAlign
		define(uint32(elf.PT_NOTE), flags, alignment, first)

		for i < end && isNote(ctx.Chunks[i]) &&
			toPhdrFlags(ctx.Chunks[i]) == flags {
			push(ctx.Chunks[i])
			i++
		}
	}

	// PT_LOAD segments
	{
		chunks := make([]Chunker, 0)
		for _, chunk := range ctx.Chunks {
			if !isTbss(chunk) {
				chunks = append(chunks, chunk)
			}
		}

		for i := 0; i < len(chunks); {
			first := chunks[i]
			i++

			if first.GetShdr().Flags&uint64(elf.SHF_ALLOC) == 0 {
				break
			}

			flags := toPhdrFlags(first)
			define(uint32(elf.PT_LOAD), flags, PageSize, first)

			if !isBss(first) {
				for i < len(chunks) && !isBss(chunks[i]) &&
					toPhdrFlags(chunks[i]) == flags {
					push(chunks[i])
					i++
				}
			}

			for i < len(chunks) && isBss(chunks[i]) &&
				toPhdrFlags(chunks[i]) == flags {
				push(chunks[i])
				i++
			}
		}
	}

	// PT_TLS
	for i := 0; i < len(ctx.Chunks); {
		first := ctx.Chunks[i]
		i++

		if !isTls(first) {
			continue
		}

		define(uint32(elf.PT_TLS), toPhdrFlags(first),
			first.GetShdr().AddrAlign, first)

		for i < len(ctx.Chunks) && isTls(ctx.Chunks[i]) {
			push(ctx.Chunks[i])
			i++
		}

		phdr := &vec[len(vec)-1]
		ctx.TpAddr = phdr.VAddr
	}

	return vec
}

func (o *OutputPhdr) UpdateShdr(ctx *Context) {
	o.Phdrs = createPhdr(ctx)
	o.Shdr.Size = uint64(len(o.Phdrs)) * uint64(PhdrSize)
}

func (o *OutputPhdr) CopyBuf(ctx *Context) {
	base := ctx.Buf[o.Shdr.Offset:]
	for i, phdr := range o.Phdrs {
		utils.Write[Phdr](base[i*PhdrSize:], phdr)
	}
}
