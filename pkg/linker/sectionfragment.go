package linker

import "math"

// SectionFragment is one deduplicated piece of a mergeable section.
// Data is the fragment's bytes; identical fragments across files share
// a single SectionFragment, so fragments compare by identity.
type SectionFragment struct {
	OutputSection *MergedSection
	Data          []byte
	Offset        uint32
	P2Align       uint32
	IsAlive       bool
}

func NewSectionFragment(m *MergedSection, data []byte) *SectionFragment {
	return &SectionFragment{
		OutputSection: m,
		Data:          data,
		Offset:        math.MaxUint32,
	}
}

func (s *SectionFragment) GetAddr() uint64 {
	return s.OutputSection.Shdr.Addr + uint64(s.Offset)
}
