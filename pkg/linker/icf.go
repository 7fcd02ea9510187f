package linker

import (
	"bytes"
	"crypto/sha256"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/seeekr/mold/pkg/utils"
)

// Identical code folding. Sections with the same contents, relocations
// and unwinding records fold into a single surviving copy even when the
// equality is only visible through the section reference graph, e.g.
// two functions that each call another pair of identical functions.
//
// The pass runs in three stages: sections without outgoing references
// ("leaves") are deduplicated by structural equality up front; the
// remaining eligible sections get a digest of their local contents and
// then repeatedly fold their neighbors' digests into their own until
// the partition induced by the digests stops refining; equal digests
// then mean equal sections, and each class is redirected to its
// lowest-priority member.

const icfHashSize = 16

// Digest is a 16-byte truncation of a SHA-256 hash, used as the
// per-section fingerprint during propagation.
type Digest = [icfHashSize]byte

func isIcfEligible(isec *InputSection) bool {
	shdr := isec.Shdr()
	name := isec.Name()

	isAlloc := shdr.Flags&uint64(elf.SHF_ALLOC) != 0
	isExecutable := shdr.Flags&uint64(elf.SHF_EXECINSTR) != 0
	isWritable := shdr.Flags&uint64(elf.SHF_WRITE) != 0
	isBss := shdr.Type == uint32(elf.SHT_NOBITS)
	isInit := shdr.Type == uint32(elf.SHT_INIT_ARRAY) || name == ".init"
	isFini := shdr.Type == uint32(elf.SHT_FINI_ARRAY) || name == ".fini"
	isEnumerable := isCIdentifier(name)

	return isAlloc && isExecutable && !isWritable && !isBss &&
		!isInit && !isFini && !isEnumerable
}

// isCIdentifier reports whether name could be enumerated from startup
// code via generated __start_/__stop_ symbols. Folding such sections
// would change the symbol arithmetic those programs rely on.
func isCIdentifier(name string) bool {
	if len(name) == 0 {
		return false
	}

	isAlpha := func(c byte) bool {
		return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
	}
	isAlnum := func(c byte) bool {
		return isAlpha(c) || ('0' <= c && c <= '9')
	}

	if !isAlpha(name[0]) {
		return false
	}
	for i := 1; i < len(name); i++ {
		if !isAlnum(name[i]) {
			return false
		}
	}
	return true
}

// A leaf has no outgoing edge into the folding graph: no relocations,
// and no FDE relocation beyond the CIE pointer.
func isIcfLeaf(isec *InputSection) bool {
	if len(isec.GetRels()) > 0 {
		return false
	}

	for i := range isec.Fdes {
		if len(isec.Fdes[i].Rels) > 1 {
			return false
		}
	}
	return true
}

// Leaf equality ignores the first 8 bytes of each FDE: bytes 0..4 hold
// the record length and 4..8 the CIE offset, both position dependent.
func icfLeafEq(a, b *InputSection) bool {
	if !bytes.Equal(a.Contents, b.Contents) {
		return false
	}
	if len(a.Fdes) != len(b.Fdes) {
		return false
	}
	for i := range a.Fdes {
		x := a.Fdes[i].Contents
		y := b.Fdes[i].Contents
		if len(x) != len(y) {
			return false
		}
		if !bytes.Equal(x[8:], y[8:]) {
			return false
		}
	}
	return true
}

func icfLeafHash(isec *InputSection) uint64 {
	hashOf := func(bs []byte) uint64 {
		h := fnv.New64a()
		h.Write(bs)
		return h.Sum64()
	}

	h := hashOf(isec.Contents)
	for i := range isec.Fdes {
		h2 := hashOf(isec.Fdes[i].Contents[8:])
		h ^= h2 + 0x9e3779b9 + (h << 6) + (h >> 2)
	}
	return h
}

// leafTable is a sharded hash table from leaf equality classes to the
// class's surviving section. Concurrent inserts race only on the shard
// lock; the lowest-priority section wins regardless of insert order,
// which keeps leaf leaders deterministic.
type leafTable struct {
	shards [leafShardCount]leafShard
}

const leafShardCount = 64

type leafShard struct {
	mu      sync.Mutex
	buckets map[uint64][]*InputSection
}

func newLeafTable() *leafTable {
	t := &leafTable{}
	for i := range t.shards {
		t.shards[i].buckets = make(map[uint64][]*InputSection)
	}
	return t
}

func (t *leafTable) insert(isec *InputSection) {
	hash := icfLeafHash(isec)
	shard := &t.shards[hash%leafShardCount]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	bucket := shard.buckets[hash]
	for i, rep := range bucket {
		if icfLeafEq(rep, isec) {
			if isec.GetPriority() < rep.GetPriority() {
				bucket[i] = isec
			}
			return
		}
	}
	shard.buckets[hash] = append(bucket, isec)
}

func (t *leafTable) find(isec *InputSection) *InputSection {
	hash := icfLeafHash(isec)
	shard := &t.shards[hash%leafShardCount]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	for _, rep := range shard.buckets[hash] {
		if icfLeafEq(rep, isec) {
			return rep
		}
	}
	return nil
}

// computeIcfDigest fingerprints everything locally observable about a
// section: contents, flags, unwinding records and relocations. Targets
// of relocations are encoded with a tag per case; eligible targets
// (tag 5) deliberately carry no identity, as their contribution is
// discovered through the reference graph during propagation, and
// leaf-folded targets (tag 4) are encoded by their leader so that the
// digest respects the leaf partition.
func computeIcfDigest(isec *InputSection) Digest {
	h := sha256.New()

	var scratch [8]byte
	hashU64 := func(val uint64) {
		binary.LittleEndian.PutUint64(scratch[:], val)
		h.Write(scratch[:])
	}
	hashBytes := func(bs []byte) {
		hashU64(uint64(len(bs)))
		h.Write(bs)
	}
	hashSymbol := func(sym *Symbol) {
		if frag := sym.SectionFragment; frag != nil {
			hashU64(2)
			hashBytes(frag.Data)
		} else if sym.InputSection == nil {
			hashU64(3)
		} else if leader := sym.InputSection.Leader; leader != nil {
			hashU64(4)
			hashU64(leader.GetPriority())
		} else if sym.InputSection.IcfEligible {
			hashU64(5)
		} else {
			hashU64(6)
			hashU64(sym.InputSection.GetPriority())
		}
		hashU64(sym.Value)
	}

	rels := isec.GetRels()

	hashBytes(isec.Contents)
	hashU64(isec.Shdr().Flags)
	hashU64(uint64(len(isec.Fdes)))
	hashU64(uint64(len(rels)))

	for i := range isec.Fdes {
		fde := &isec.Fdes[i]
		hashBytes(fde.Contents[8:])
		hashU64(uint64(len(fde.Rels)))

		// Skip the CIE pointer; it is identical for all FDEs sharing
		// a CIE shape and its offset is position noise.
		for k := 1; k < len(fde.Rels); k++ {
			rel := &fde.Rels[k]
			hashSymbol(rel.Sym)
			hashU64(uint64(rel.Type))
			hashU64(uint64(rel.Offset))
			hashU64(uint64(rel.Addend))
		}
	}

	refIdx := 0
	for j := range rels {
		rel := &rels[j]
		hashU64(rel.Offset)
		hashU64(uint64(rel.Type))
		hashU64(uint64(rel.Addend))

		if len(isec.HasFragments) > 0 && isec.HasFragments[j] {
			ref := &isec.RelFragments[refIdx]
			refIdx++
			hashU64(1)
			hashU64(uint64(ref.Addend))
			hashBytes(ref.Frag.Data)
		} else {
			hashSymbol(isec.File.Symbols[rel.Sym])
		}
	}

	var digest Digest
	copy(digest[:], h.Sum(nil))
	return digest
}

// gatherIcfSections collects every eligible non-leaf section into a
// dense index space: per-file counts in parallel, a sequential prefix
// sum for the slots, then a parallel fill. The order (file order,
// section order) is input determined.
func gatherIcfSections(ctx *Context) []*InputSection {
	numSections := make([]int, len(ctx.Objs))
	utils.ParallelFor(len(ctx.Objs), func(i int) {
		for _, isec := range ctx.Objs[i].Sections {
			if isec != nil && isec.IcfEligible {
				numSections[i]++
			}
		}
	})

	sectionIndices := make([]int, len(ctx.Objs)+1)
	for i := 0; i < len(ctx.Objs); i++ {
		sectionIndices[i+1] = sectionIndices[i] + numSections[i]
	}

	sections := make([]*InputSection, sectionIndices[len(ctx.Objs)])
	utils.ParallelFor(len(ctx.Objs), func(i int) {
		idx := sectionIndices[i]
		for _, isec := range ctx.Objs[i].Sections {
			if isec != nil && isec.IcfEligible {
				sections[idx] = isec
				idx++
			}
		}
	})

	utils.ParallelFor(len(sections), func(i int) {
		sections[i].IcfIdx = uint32(i)
	})

	return sections
}

func computeIcfDigests(sections []*InputSection) []Digest {
	digests := make([]Digest, len(sections))
	utils.ParallelFor(len(sections), func(i int) {
		digests[i] = computeIcfDigest(sections[i])
	})
	return digests
}

// icfEdge reports whether a relocation contributes an edge to the
// folding graph: it must not be a fragment reference and must target a
// non-fragment symbol defined in an eligible section.
func icfEdge(isec *InputSection, j int) *InputSection {
	if len(isec.HasFragments) > 0 && isec.HasFragments[j] {
		return nil
	}

	sym := isec.File.Symbols[isec.Rels[j].Sym]
	if sym.SectionFragment != nil {
		return nil
	}
	if sym.InputSection == nil || !sym.InputSection.IcfEligible {
		return nil
	}
	return sym.InputSection
}

// gatherIcfEdges builds the reference graph in compressed sparse row
// form. Multi-edges are kept; the multiplicity of a reference is part
// of a section's identity.
func gatherIcfEdges(sections []*InputSection) (edges []uint32, edgeIndices []uint32) {
	numEdges := make([]uint32, len(sections))
	edgeIndices = make([]uint32, len(sections))

	utils.ParallelFor(len(sections), func(i int) {
		isec := sections[i]
		utils.Assert(isec.IcfEligible)

		for j := range isec.GetRels() {
			if icfEdge(isec, j) != nil {
				numEdges[i]++
			}
		}
	})

	for i := 0; i < len(sections)-1; i++ {
		edgeIndices[i+1] = edgeIndices[i] + numEdges[i]
	}

	total := uint32(0)
	if n := len(sections); n > 0 {
		total = edgeIndices[n-1] + numEdges[n-1]
	}
	edges = make([]uint32, total)

	utils.ParallelFor(len(sections), func(i int) {
		isec := sections[i]
		idx := edgeIndices[i]

		for j := range isec.GetRels() {
			if target := icfEdge(isec, j); target != nil {
				edges[idx] = target.IcfIdx
				idx++
			}
		}
	})

	return edges, edgeIndices
}

// icfPropagate runs one refinement round: each node's next digest is
// the hash of its current digest followed by its out-neighbors'
// digests, in relocation order. Reads go to digests[slot], writes to
// digests[slot^1]; each index is written by exactly one worker.
func icfPropagate(digests *[2][]Digest, edges, edgeIndices []uint32, slot int) {
	cur := digests[slot]
	next := digests[slot^1]

	utils.ParallelFor(len(cur), func(i int) {
		begin := int(edgeIndices[i])
		end := len(edges)
		if i+1 < len(cur) {
			end = int(edgeIndices[i+1])
		}

		h := sha256.New()
		h.Write(cur[i][:])
		for j := begin; j < end; j++ {
			h.Write(cur[edges[j]][:])
		}

		copy(next[i][:], h.Sum(nil))
	})
}

// countIcfClasses returns the number of distinct digests. Propagation
// halts once this stops growing between two checks; the partition can
// only refine, so an unchanged count means a fixed point.
func countIcfClasses(digests []Digest) int {
	vec := make([]Digest, len(digests))
	copy(vec, digests)
	sort.Slice(vec, func(i, j int) bool {
		return bytes.Compare(vec[i][:], vec[j][:]) < 0
	})

	if len(vec) == 0 {
		return 0
	}

	// Every adjacent difference starts a new class after the first one.
	var numClasses atomic.Int64
	utils.ParallelFor(len(vec)-1, func(i int) {
		if vec[i] != vec[i+1] {
			numClasses.Add(1)
		}
	})
	return int(numClasses.Load()) + 1
}

// IcfSections folds identical sections. On return, every participating
// section has Leader set to its class representative, sections folded
// into another one are killed, and all symbols point at survivors.
func IcfSections(ctx *Context) {
	// Stage one: partition leaves by structural equality.
	table := newLeafTable()

	utils.ParallelFor(len(ctx.Objs), func(i int) {
		for _, isec := range ctx.Objs[i].Sections {
			if isec == nil || !isec.IsAlive || !isIcfEligible(isec) {
				continue
			}

			if isIcfLeaf(isec) {
				isec.IcfLeaf = true
				table.insert(isec)
			} else {
				isec.IcfEligible = true
			}
		}
	})

	utils.ParallelFor(len(ctx.Objs), func(i int) {
		for _, isec := range ctx.Objs[i].Sections {
			if isec == nil || !isec.IcfLeaf {
				continue
			}

			leader := table.find(isec)
			utils.Assert(leader != nil)
			isec.Leader = leader
		}
	})

	// Stage two: fingerprint the graph sections and refine.
	sections := gatherIcfSections(ctx)

	var digests [2][]Digest
	digests[0] = computeIcfDigests(sections)
	digests[1] = make([]Digest, len(digests[0]))

	edges, edgeIndices := gatherIcfEdges(sections)

	slot := 0
	numClasses := -1

	for i := 0; ; i++ {
		icfPropagate(&digests, edges, edgeIndices, slot)
		slot ^= 1

		if i%10 == 9 {
			n := countIcfClasses(digests[slot])
			if n == numClasses {
				break
			}
			numClasses = n
		}
	}

	// Stage three: group by digest and pick leaders. Sorting by
	// priority within a digest run makes the lowest-priority section
	// the leader of its class.
	digest := digests[slot]

	sort.Slice(sections, func(i, j int) bool {
		a, b := sections[i], sections[j]
		if c := bytes.Compare(digest[a.IcfIdx][:], digest[b.IcfIdx][:]); c != 0 {
			return c < 0
		}
		return a.GetPriority() < b.GetPriority()
	})

	utils.ParallelFor(len(sections), func(i int) {
		if i > 0 && digest[sections[i-1].IcfIdx] == digest[sections[i].IcfIdx] {
			return
		}

		sections[i].Leader = sections[i]
		for j := i + 1; j < len(sections) &&
			digest[sections[i].IcfIdx] == digest[sections[j].IcfIdx]; j++ {
			sections[j].Leader = sections[i]
		}
	})

	if ctx.Args.PrintIcfSections {
		printIcfSections(ctx)
	}

	// Re-assign input sections to symbols and kill the folded copies.
	utils.ParallelFor(len(ctx.Objs), func(i int) {
		file := ctx.Objs[i]
		for _, sym := range file.Symbols {
			if sym == nil || sym.File != file {
				continue
			}

			isec := sym.InputSection
			if isec != nil && isec.Leader != nil && isec.Leader != isec {
				sym.InputSection = isec.Leader
				isec.Kill()
			}
		}

		// Folded sections that no symbol refers to are killed as well.
		for _, isec := range file.Sections {
			if isec != nil && isec.Leader != nil && isec.Leader != isec {
				isec.Kill()
			}
		}
	})
}

type icfGroup struct {
	Leader  *InputSection
	Members []*InputSection
}

// gatherIcfGroups collects the non-singleton equivalence classes,
// ordered by leader priority, with members ordered by priority too.
// Returns the classes and the total bytes the folding saved.
func gatherIcfGroups(ctx *Context) ([]icfGroup, int64) {
	var mu sync.Mutex
	var leaders []*InputSection
	followers := make(map[*InputSection][]*InputSection)

	utils.ParallelFor(len(ctx.Objs), func(i int) {
		for _, isec := range ctx.Objs[i].Sections {
			if isec == nil || isec.Leader == nil {
				continue
			}

			mu.Lock()
			if isec == isec.Leader {
				leaders = append(leaders, isec)
			} else {
				followers[isec.Leader] = append(followers[isec.Leader], isec)
			}
			mu.Unlock()
		}
	})

	sort.Slice(leaders, func(i, j int) bool {
		return leaders[i].GetPriority() < leaders[j].GetPriority()
	})

	var groups []icfGroup
	savedBytes := int64(0)

	for _, leader := range leaders {
		members := followers[leader]
		if len(members) == 0 {
			continue
		}

		sort.Slice(members, func(i, j int) bool {
			return members[i].GetPriority() < members[j].GetPriority()
		})

		groups = append(groups, icfGroup{Leader: leader, Members: members})
		savedBytes += int64(len(leader.Contents)) * int64(len(members))
	}

	return groups, savedBytes
}

func printIcfSections(ctx *Context) {
	groups, savedBytes := gatherIcfGroups(ctx)

	for _, group := range groups {
		fmt.Printf("selected section %s:(%s)\n",
			group.Leader.File.File.Name, group.Leader.Name())
		for _, isec := range group.Members {
			fmt.Printf("  removing identical section %s:(%s)\n",
				isec.File.File.Name, isec.Name())
		}
	}

	fmt.Printf("ICF saved %d bytes\n", savedBytes)
}
