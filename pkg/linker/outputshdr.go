package linker

import "github.com/seeekr/mold/pkg/utils"

type OutputShdr struct {
	Chunk
}

func NewOutputShdr() *OutputShdr {
	o := &OutputShdr{Chunk: NewChunk()}
	o.Shdr.AddrAlign = 8
	return o
}

func (o *OutputShdr) UpdateShdr(ctx *Context) {
	o.Shdr.Size = uint64(len(ctx.Chunks)+1) * uint64(ShdrSize)
}

func (o *OutputShdr) CopyBuf(ctx *Context) {
	base := ctx.Buf[o.Shdr.Offset:]
	utils.Write[Shdr](base, Shdr{})

	for i, chunk := range ctx.Chunks {
		utils.Write[Shdr](base[(i+1)*ShdrSize:], *chunk.GetShdr())
	}
}
