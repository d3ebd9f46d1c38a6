package sim

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// AllocStatus is the tri-state result of a capacity check, matching
// block_manager_v1.py's AllocStatus enum exactly: Ok means allocate now is
// safe, Later means retry on a future iteration once more blocks are free,
// Never means the request can never fit regardless of how much frees up.
type AllocStatus int

const (
	AllocOk AllocStatus = iota
	AllocLater
	AllocNever
)

func (s AllocStatus) String() string {
	switch s {
	case AllocOk:
		return "ok"
	case AllocLater:
		return "later"
	default:
		return "never"
	}
}

// BlockSpaceManagerConfig configures one BlockSpaceManager instance. Plain
// value-type struct per the teacher's KVCacheConfig/BatchConfig convention
// (sim/config.go) — no package-level defaults, no singleton.
type BlockSpaceManagerConfig struct {
	BlockSizeTokens     int64
	NumDeviceBlocks     int64
	NumHostBlocks       int64
	Watermark           int64
	EnablePrefixCaching bool
	Logger              logrus.FieldLogger
}

// BlockSpaceManager owns the device and host BlockAllocators and the
// per-sequence block tables, and implements the admission/append/swap/free
// operations of spec §4.2. Grounded on block_manager_v1.py's
// BlockSpaceManagerV1.
type BlockSpaceManager struct {
	cfg    BlockSpaceManagerConfig
	device BlockAllocator
	host   BlockAllocator
	tables map[string][]BlockLoc // seq id -> ordered block table
	log    logrus.FieldLogger
}

func NewBlockSpaceManager(cfg BlockSpaceManagerConfig) *BlockSpaceManager {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	var device BlockAllocator
	if cfg.EnablePrefixCaching {
		device = NewCachedBlockAllocator(Device, int(cfg.NumDeviceBlocks))
	} else {
		device = NewUncachedBlockAllocator(Device, int(cfg.NumDeviceBlocks))
	}
	host := NewUncachedBlockAllocator(Host, int(cfg.NumHostBlocks))
	return &BlockSpaceManager{cfg: cfg, device: device, host: host, tables: make(map[string][]BlockLoc), log: log}
}

func (m *BlockSpaceManager) blockSize() int64 { return m.cfg.BlockSizeTokens }

func (m *BlockSpaceManager) numRequiredBlocks(seq *Sequence) int64 {
	return ceilDiv(seq.TotalLen(), m.blockSize())
}

func (m *BlockSpaceManager) blockAt(loc BlockLoc) *Block {
	if loc.Tier == Device {
		return m.device.BlockAt(loc.Number)
	}
	return m.host.BlockAt(loc.Number)
}

// CanAllocate reports whether the group's prompt can be given device blocks,
// following block_manager_v1.py's can_allocate watermark check.
func (m *BlockSpaceManager) CanAllocate(g *SequenceGroup) AllocStatus {
	seq := g.Seqs[0]
	required := m.numRequiredBlocks(seq)
	if required > m.cfg.NumDeviceBlocks {
		return AllocNever
	}
	free := int64(m.device.NumFree())
	if free-required >= m.cfg.Watermark {
		return AllocOk
	}
	return AllocLater
}

// Allocate gives every sequence in g its prompt's device blocks. Sibling
// sequences (best_of > 1) share the first sequence's blocks by ref count,
// the same way fork shares a parent's table. Panics (FatalSchedulerError)
// if the device cannot satisfy a request CanAllocate already approved —
// that combination is an invariant violation, not a runtime condition.
func (m *BlockSpaceManager) Allocate(g *SequenceGroup) {
	primary := g.Seqs[0]
	n := m.numRequiredBlocks(primary)
	table := make([]BlockLoc, 0, n)
	tokens := primary.AllTokenIDs()
	for i := int64(0); i < n; i++ {
		end := min64((i+1)*m.blockSize(), int64(len(tokens)))
		var hash string
		if m.cfg.EnablePrefixCaching && end-i*m.blockSize() == m.blockSize() {
			hash = hashPrefixTokens(tokens[:end])
		}
		b, err := m.device.Allocate(hash, int(end))
		if err != nil {
			panicFatal(fmt.Errorf("%w: allocate for %s needed %d blocks", errOutOfDeviceMemory, g.RequestID, n))
		}
		table = append(table, b.Loc())
	}
	m.tables[primary.SeqID] = table
	primary.BlockTable = table
	for _, seq := range g.Seqs[1:] {
		shared := append([]BlockLoc(nil), table...)
		m.tables[seq.SeqID] = shared
		seq.BlockTable = shared
		for _, loc := range dedupeLocs(shared) {
			m.blockAt(loc).RefCount++
		}
	}
}

// CanAppendSlots reports whether every currently running sequence in g can
// be given one more slot of storage right now (the non-chunked worst case:
// one new block per running sequence).
func (m *BlockSpaceManager) CanAppendSlots(g *SequenceGroup) bool {
	numSeqs := int64(len(g.RunningSeqs()))
	if numSeqs == 0 {
		return true
	}
	return numSeqs <= int64(m.device.NumFree())
}

// AppendSlotsForGroup advances every running sequence by one generated
// token's worth of storage, performing copy-on-write when a shared last
// block must be split. Assumes CanAppendSlots(g) was already checked.
func (m *BlockSpaceManager) AppendSlotsForGroup(g *SequenceGroup) []BlockMove {
	var cows []BlockMove
	for _, seq := range g.Seqs {
		if seq.Status != StatusRunning {
			continue
		}
		cows = append(cows, m.appendSlots(seq)...)
	}
	return cows
}

func (m *BlockSpaceManager) appendSlots(seq *Sequence) []BlockMove {
	table := m.tables[seq.SeqID]
	nBlocks := m.numRequiredBlocks(seq)
	if int64(len(table)) < nBlocks {
		b, err := m.device.Allocate("", 0)
		if err != nil {
			panicFatal(fmt.Errorf("%w: append_slots could not grow table for seq %s", errOutOfDeviceMemory, seq.SeqID))
		}
		table = append(table, b.Loc())
		m.tables[seq.SeqID] = table
		seq.BlockTable = table
		return nil
	}
	last := table[len(table)-1]
	blk := m.blockAt(last)
	if blk.RefCount == 1 {
		if m.cfg.EnablePrefixCaching {
			table[len(table)-1] = m.maybePromoteLastBlock(seq, last)
			seq.BlockTable = table
		}
		return nil
	}
	// Shared last block: copy-on-write.
	newBlk, err := m.device.Allocate("", 0)
	if err != nil {
		panicFatal(fmt.Errorf("%w: copy-on-write could not allocate for seq %s", errOutOfDeviceMemory, seq.SeqID))
	}
	move := BlockMove{Src: last.Number, Dst: newBlk.Number}
	table[len(table)-1] = newBlk.Loc()
	seq.BlockTable = table
	m.device.Free(blk)
	return []BlockMove{move}
}

// maybePromoteLastBlock follows _promote_last_block: once a sequence's last
// block becomes exactly full, it becomes eligible for prefix-cache sharing.
// If another block already carries that exact hash, merge onto it (free our
// own copy); otherwise just re-key this block under its new hash.
func (m *BlockSpaceManager) maybePromoteLastBlock(seq *Sequence, loc BlockLoc) BlockLoc {
	total := seq.TotalLen()
	if total == 0 || total%m.blockSize() != 0 {
		return loc
	}
	newHash := hashPrefixTokens(seq.AllTokenIDs()[:total])
	blk := m.blockAt(loc)
	if blk.ContentHash == newHash {
		return loc
	}
	if m.device.Contains(newHash) {
		m.device.Free(blk)
		shared, err := m.device.Allocate(newHash, int(total))
		if err != nil {
			panicFatal(fmt.Errorf("%w: prefix promotion for seq %s", errOutOfDeviceMemory, seq.SeqID))
		}
		return shared.Loc()
	}
	m.device.UpdateHash(blk.ContentHash, newHash, blk)
	return loc
}

// Fork shares a parent sequence's block table with a newly-created child
// (beam search / sampling fan-out), bumping ref counts once per distinct
// block — mirrors block_manager_v1.py's fork() deduping via set() before
// incrementing.
func (m *BlockSpaceManager) Fork(parent, child *Sequence) {
	src, ok := m.tables[parent.SeqID]
	if !ok {
		return
	}
	table := append([]BlockLoc(nil), src...)
	m.tables[child.SeqID] = table
	child.BlockTable = table
	for _, loc := range dedupeLocs(table) {
		m.blockAt(loc).RefCount++
	}
}

func (m *BlockSpaceManager) physicalBlockCount(g *SequenceGroup) int64 {
	seen := make(map[BlockLoc]bool)
	var n int64
	for _, seq := range g.Seqs {
		for _, loc := range m.tables[seq.SeqID] {
			if !seen[loc] {
				seen[loc] = true
				n++
			}
		}
	}
	return n
}

// TotalDeviceBlocks counts the distinct device-tier blocks currently backing
// g, used by the partial swap-out rate math (spec §4.5.4).
func (m *BlockSpaceManager) TotalDeviceBlocks(g *SequenceGroup) int64 {
	seen := make(map[BlockLoc]bool)
	var n int64
	for _, seq := range g.Seqs {
		for _, loc := range m.tables[seq.SeqID] {
			if loc.Tier == Device && !seen[loc] {
				seen[loc] = true
				n++
			}
		}
	}
	return n
}

// CanSwapIn follows can_swap_in: the device must have room for every
// physical block the group occupies plus one lookahead slot per swapped
// sequence (the decode token about to be produced on resume).
func (m *BlockSpaceManager) CanSwapIn(g *SequenceGroup) AllocStatus {
	blocks := m.physicalBlockCount(g)
	var swappedSeqs int64
	for _, seq := range g.Seqs {
		if seq.Status == StatusSwapped || seq.Status == StatusPartialSwapped {
			swappedSeqs++
		}
	}
	required := blocks + swappedSeqs
	if required > int64(m.device.NumTotal()) {
		return AllocNever
	}
	free := int64(m.device.NumFree())
	if free-required >= m.cfg.Watermark {
		return AllocOk
	}
	return AllocLater
}

// SwapIn moves every host-tier block of g back to the device tier (in full
// or in part — whatever is currently on host), deduping shared host blocks
// across sister sequences the same way Allocate dedupes prompt sharing.
// Assumes CanSwapIn(g) was already checked; panics on an unexpected device
// shortfall.
func (m *BlockSpaceManager) SwapIn(g *SequenceGroup) []BlockMove {
	moved := make(map[BlockLoc]BlockLoc)
	var result []BlockMove
	for _, seq := range g.Seqs {
		table := m.tables[seq.SeqID]
		for i, loc := range table {
			if loc.Tier != Host {
				continue
			}
			devLoc, ok := moved[loc]
			if !ok {
				hostBlk := m.blockAt(loc)
				devBlk, err := m.device.Allocate(hostBlk.ContentHash, 0)
				if err != nil {
					panicFatal(fmt.Errorf("%w: swap_in for %s", errOutOfDeviceMemory, g.RequestID))
				}
				devLoc = devBlk.Loc()
				moved[loc] = devLoc
				m.host.Free(hostBlk)
				result = append(result, BlockMove{Src: loc.Number, Dst: devLoc.Number})
			}
			table[i] = devLoc
		}
		m.tables[seq.SeqID] = table
		seq.BlockTable = table
		if seq.Status == StatusSwapped || seq.Status == StatusPartialSwapped {
			seq.Status = StatusRunning
			seq.SwappedBlockCount = 0
		}
	}
	return result
}

// CanSwapOut follows can_swap_out: every physical block the group occupies
// must fit in the currently free host blocks.
func (m *BlockSpaceManager) CanSwapOut(g *SequenceGroup) bool {
	return m.physicalBlockCount(g) <= int64(m.host.NumFree())
}

// SwapOut moves up to nblocks device blocks per sequence (counting from
// where a previous partial swap-out left off) to the host tier. nblocks < 0
// means "swap out everything still on device". Returns ErrOutOfHostMemory
// (recoverable: callers fall back to Recompute) rather than panicking,
// since forced swap-out racing against host capacity is an expected runtime
// condition, not a scheduler bug — see spec §7.
func (m *BlockSpaceManager) SwapOut(g *SequenceGroup, nblocks int64) ([]BlockMove, error) {
	if !m.CanSwapOut(g) {
		return nil, fmt.Errorf("%w: group %s", ErrOutOfHostMemory, g.RequestID)
	}
	moved := make(map[BlockLoc]BlockLoc)
	var result []BlockMove
	swappedAny := false
	fullySwapped := true
	for _, seq := range g.Seqs {
		if seq.Status != StatusRunning && seq.Status != StatusPartialSwapped {
			continue
		}
		table := m.tables[seq.SeqID]
		start := seq.SwappedBlockCount
		end := int64(len(table))
		if nblocks >= 0 {
			end = min64(start+nblocks, int64(len(table)))
		}
		if start >= end {
			if end < int64(len(table)) {
				fullySwapped = false
			}
			continue
		}
		for i := start; i < end; i++ {
			loc := table[i]
			if loc.Tier != Device {
				continue
			}
			hostLoc, ok := moved[loc]
			if !ok {
				devBlk := m.blockAt(loc)
				hostBlk, err := m.host.Allocate(devBlk.ContentHash, 0)
				if err != nil {
					return nil, fmt.Errorf("%w: swap_out for %s", ErrOutOfHostMemory, g.RequestID)
				}
				hostLoc = hostBlk.Loc()
				moved[loc] = hostLoc
				m.device.Free(devBlk)
				result = append(result, BlockMove{Src: loc.Number, Dst: hostLoc.Number})
			}
			table[i] = hostLoc
		}
		seq.SwappedBlockCount = end
		m.tables[seq.SeqID] = table
		seq.BlockTable = table
		swappedAny = true
		if end < int64(len(table)) {
			fullySwapped = false
		}
	}
	if swappedAny {
		for _, seq := range g.Seqs {
			if seq.Status != StatusRunning && seq.Status != StatusPartialSwapped {
				continue
			}
			if fullySwapped {
				seq.Status = StatusSwapped
			} else {
				seq.Status = StatusPartialSwapped
			}
		}
	}
	return result, nil
}

// Free releases every block a finished or aborted sequence holds, in
// reverse block order — matches the teacher's ReleaseKVBlocks rationale
// (sim/kvcache.go): a sequence's last block hashes the longest, most
// request-specific prefix and so is the least likely to be reused by
// another request, so it should become evictable first.
func (m *BlockSpaceManager) Free(seq *Sequence) {
	table, ok := m.tables[seq.SeqID]
	if !ok {
		return
	}
	delete(m.tables, seq.SeqID)
	seq.BlockTable = nil
	for i := len(table) - 1; i >= 0; i-- {
		loc := table[i]
		blk := m.blockAt(loc)
		if loc.Tier == Device {
			m.device.Free(blk)
		} else {
			m.host.Free(blk)
		}
	}
}

// MarkBlocksAsComputed flags every block fully covered by num_computed_tokens
// as computed, used by get_common_computed_block_ids. No-op when prefix
// caching is disabled (computed-block bookkeeping only matters for skipping
// recomputation of a shared prefix).
func (m *BlockSpaceManager) MarkBlocksAsComputed(g *SequenceGroup) {
	if !m.cfg.EnablePrefixCaching {
		return
	}
	for _, seq := range g.Seqs {
		table := m.tables[seq.SeqID]
		full := seq.NumComputedTokens / m.blockSize()
		for i := int64(0); i < full && i < int64(len(table)); i++ {
			m.blockAt(table[i]).Computed = true
		}
	}
}

// CommonComputedPrefixTokens probes, without allocating anything, how many
// leading tokens of seq's prompt are already sitting in an existing
// device-tier cached block from an earlier request that shared the same
// prefix. schedulePrefills uses this to skip recomputing that prefix —
// spec §4.2's stated reason prefix caching marks blocks computed in the
// first place. Returns 0 when prefix caching is disabled or the prefix
// hasn't been cached (by anyone) yet.
func (m *BlockSpaceManager) CommonComputedPrefixTokens(seq *Sequence) int64 {
	if !m.cfg.EnablePrefixCaching {
		return 0
	}
	tokens := seq.AllTokenIDs()
	var computed int64
	for i := int64(0); ; i++ {
		end := (i + 1) * m.blockSize()
		if end > int64(len(tokens)) {
			break
		}
		hash := hashPrefixTokens(tokens[:end])
		b, ok := m.device.Lookup(hash)
		if !ok || !b.Computed {
			break
		}
		computed = end
	}
	return computed
}

// GetCommonComputedBlockIDs returns the longest prefix of block numbers
// every sequence in g agrees is computed — the blocks a newly-forked or
// resumed sibling sequence can skip recomputing.
func (m *BlockSpaceManager) GetCommonComputedBlockIDs(g *SequenceGroup) []BlockID {
	if len(g.Seqs) == 0 {
		return nil
	}
	var common []BlockLoc
	for i, seq := range g.Seqs {
		table := m.tables[seq.SeqID]
		var computed []BlockLoc
		for _, loc := range table {
			if !m.blockAt(loc).Computed {
				break
			}
			computed = append(computed, loc)
		}
		if i == 0 {
			common = computed
			continue
		}
		common = commonPrefix(common, computed)
	}
	ids := make([]BlockID, len(common))
	for i, loc := range common {
		ids[i] = loc.Number
	}
	return ids
}

// BlockMove records a single block's relocation, either across tiers
// (swap in/out) or within a tier (copy-on-write).
type BlockMove struct {
	Src BlockID
	Dst BlockID
}
