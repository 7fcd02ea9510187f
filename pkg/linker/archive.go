package linker

import (
	"github.com/seeekr/mold/pkg/utils"
)

// ReadArchiveMembers extracts the object members of a SysV ar archive.
// The symbol table member is skipped; the long-filename string table is
// consumed so that member names can be resolved.
func ReadArchiveMembers(file *File) []*File {
	utils.Assert(GetFileType(file.Contents) == FileTypeArchive)

	pos := 8
	var strTab []byte
	var files []*File

	for len(file.Contents)-pos > 1 {
		if pos%2 == 1 {
			pos++
		}

		hdr := utils.Read[ArHdr](file.Contents[pos:])
		dataStart := pos + ArHdrSize
		pos = dataStart + hdr.GetSize()
		dataEnd := pos
		contents := file.Contents[dataStart:dataEnd]

		if hdr.IsSymtab() {
			continue
		}
		if hdr.IsStrtab() {
			strTab = contents
			continue
		}

		files = append(files, &File{
			Name:     hdr.ReadName(strTab),
			Contents: contents,
			Parent:   file,
		})
	}

	return files
}
