package kad

import (
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-kaddht/pkg/types"
)

// ============================================================================
//                              路由表表项
// ============================================================================

// Entry 路由表表项
//
// 表项只由 MainLoop 创建、修改和销毁。
type Entry struct {
	// ID 节点 ID
	ID types.PeerID

	// Addrs 已知地址集合（插入时非空）
	Addrs []string

	// Aliveness 最近一次确证存活的时间
	//
	// 仅由确实观测到的成功 RPC 或新鲜 identify 更新。
	Aliveness time.Time

	// ConnType 线路级连接状态提示
	ConnType types.ConnectionType

	// Connected Host 当前是否持有到该节点的连接
	Connected bool

	// key 节点 Key（缓存，避免重复哈希）
	key types.Key
}

// clone 复制表项（快照用）
func (e *Entry) clone() Entry {
	c := *e
	c.Addrs = append([]string(nil), e.Addrs...)
	return c
}

// mergeAddrs 合并地址并保持原有顺序
func (e *Entry) mergeAddrs(addrs []string) {
	known := make(map[string]struct{}, len(e.Addrs))
	for _, a := range e.Addrs {
		known[a] = struct{}{}
	}
	for _, a := range addrs {
		if _, ok := known[a]; !ok {
			e.Addrs = append(e.Addrs, a)
			known[a] = struct{}{}
		}
	}
}

// ============================================================================
//                              插入结果
// ============================================================================

// InsertOutcome 插入或更新的结果
type InsertOutcome int

const (
	// OutcomeAdded 新表项已追加
	OutcomeAdded InsertOutcome = iota
	// OutcomeUpdated 已有表项被合并刷新
	OutcomeUpdated
	// OutcomeReplaced 失活旧表项被替换
	OutcomeReplaced
	// OutcomeFull 桶已满且无失活表项，候选被丢弃
	OutcomeFull
	// OutcomeRejected 候选非法（本地节点或无地址）
	OutcomeRejected
)

// String 返回插入结果的字符串表示
func (o InsertOutcome) String() string {
	switch o {
	case OutcomeAdded:
		return "added"
	case OutcomeUpdated:
		return "updated"
	case OutcomeReplaced:
		return "replaced"
	case OutcomeFull:
		return "full"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ============================================================================
//                              K 桶
// ============================================================================

// kBucket K 桶
//
// 表项按插入顺序存放：最旧在前，最新在后。没有候补列表。
type kBucket struct {
	entries []*Entry
}

// remove 按 ID 移除表项
func (b *kBucket) remove(id types.PeerID) *Entry {
	for i, e := range b.entries {
		if e.ID == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return e
		}
	}
	return nil
}

// oldestStale 返回活性最旧且早于 cutoff 的表项下标
//
// 没有失活表项时返回 -1。
func (b *kBucket) oldestStale(cutoff time.Time) int {
	idx := -1
	for i, e := range b.entries {
		if e.Aliveness.After(cutoff) || e.Aliveness.Equal(cutoff) {
			continue
		}
		if idx == -1 || e.Aliveness.Before(b.entries[idx].Aliveness) {
			idx = i
		}
	}
	return idx
}

// ============================================================================
//                              路由表
// ============================================================================

// Table Kademlia 路由表
//
// 固定 256 个 K 桶加本地 Key。表是全部表项的唯一所有者，
// 由 MainLoop 独占持有，因此内部不加锁；并发读取一律通过
// Snapshot/ClosestEntries 产生的副本。
type Table struct {
	// local 本地节点 ID
	local types.PeerID

	// localKey 本地节点 Key
	localKey types.Key

	// buckets K 桶数组
	buckets [types.KeySize]kBucket

	// index 全表 ID 索引（保证全表每个节点至多一个表项）
	index map[types.PeerID]*Entry

	// lastRefreshed 各桶最近一次被触达的时间
	lastRefreshed [types.KeySize]time.Time

	// bucketSize 桶容量
	bucketSize int

	// staleReplace 满桶替换的失活门限
	staleReplace time.Duration

	// clock 时钟源
	clock clock.Clock
}

// NewTable 创建路由表
func NewTable(local types.PeerID, bucketSize int, staleReplace time.Duration, clk clock.Clock) *Table {
	t := &Table{
		local:        local,
		localKey:     types.KeyOfPeer(local),
		index:        make(map[types.PeerID]*Entry),
		bucketSize:   bucketSize,
		staleReplace: staleReplace,
		clock:        clk,
	}
	now := clk.Now()
	for i := range t.lastRefreshed {
		t.lastRefreshed[i] = now
	}
	return t
}

// Local 返回本地节点 ID
func (t *Table) Local() types.PeerID {
	return t.local
}

// LocalKey 返回本地节点 Key
func (t *Table) LocalKey() types.Key {
	return t.localKey
}

// Size 返回表项总数
func (t *Table) Size() int {
	return len(t.index)
}

// bucketIndexOf 计算 Key 所属桶下标
func (t *Table) bucketIndexOf(k types.Key) int {
	return types.BucketIndex(t.localKey, k)
}

// InsertOrUpdate 插入或更新表项
//
// 语义：
//   - 已存在：合并地址、刷新活性，返回 OutcomeUpdated
//   - 桶有空位：追加到桶尾，返回 OutcomeAdded
//   - 桶满且有失活表项：替换其中活性最旧的一个，返回 OutcomeReplaced 和被逐节点
//   - 桶满且全部新鲜：丢弃候选，返回 OutcomeFull（没有候补列表）
func (t *Table) InsertOrUpdate(id types.PeerID, addrs []string) (InsertOutcome, types.PeerID) {
	if id == t.local {
		return OutcomeRejected, types.EmptyPeerID
	}

	now := t.clock.Now()

	if e, ok := t.index[id]; ok {
		e.mergeAddrs(addrs)
		e.Aliveness = now
		t.touchBucket(t.bucketIndexOf(e.key), now)
		return OutcomeUpdated, types.EmptyPeerID
	}

	if len(addrs) == 0 {
		return OutcomeRejected, types.EmptyPeerID
	}

	key := types.KeyOfPeer(id)
	bi := t.bucketIndexOf(key)
	if bi < 0 {
		return OutcomeRejected, types.EmptyPeerID
	}
	b := &t.buckets[bi]

	entry := &Entry{
		ID:        id,
		Addrs:     append([]string(nil), addrs...),
		Aliveness: now,
		ConnType:  types.ConnNotConnected,
		key:       key,
	}

	if len(b.entries) < t.bucketSize {
		b.entries = append(b.entries, entry)
		t.index[id] = entry
		t.touchBucket(bi, now)
		return OutcomeAdded, types.EmptyPeerID
	}

	// 桶满：尝试替换失活表项
	cutoff := now.Add(-t.staleReplace)
	idx := b.oldestStale(cutoff)
	if idx == -1 {
		return OutcomeFull, types.EmptyPeerID
	}

	old := b.entries[idx]
	delete(t.index, old.ID)
	b.entries = append(b.entries[:idx], b.entries[idx+1:]...)
	b.entries = append(b.entries, entry)
	t.index[id] = entry
	t.touchBucket(bi, now)
	return OutcomeReplaced, old.ID
}

// Remove 移除表项
//
// 返回被移除的表项副本；不存在时返回 nil。
func (t *Table) Remove(id types.PeerID) *Entry {
	e, ok := t.index[id]
	if !ok {
		return nil
	}
	delete(t.index, id)
	bi := t.bucketIndexOf(e.key)
	t.buckets[bi].remove(id)
	c := e.clone()
	return &c
}

// UpdateAliveness 刷新表项活性
//
// 节点不在表中时为空操作。
func (t *Table) UpdateAliveness(id types.PeerID) bool {
	e, ok := t.index[id]
	if !ok {
		return false
	}
	e.Aliveness = t.clock.Now()
	return true
}

// AlivenessOf 返回表项的活性时间
func (t *Table) AlivenessOf(id types.PeerID) (time.Time, bool) {
	e, ok := t.index[id]
	if !ok {
		return time.Time{}, false
	}
	return e.Aliveness, true
}

// Contains 检查节点是否在表中
func (t *Table) Contains(id types.PeerID) bool {
	_, ok := t.index[id]
	return ok
}

// MarkConnected 更新表项的连接状态
//
// 断开连接本身不驱逐表项。
func (t *Table) MarkConnected(id types.PeerID, connected bool) {
	e, ok := t.index[id]
	if !ok {
		return
	}
	e.Connected = connected
	if connected {
		e.ConnType = types.ConnConnected
	} else {
		e.ConnType = types.ConnCanConnect
	}
}

// MarkUnreachable 标记节点连接失败
func (t *Table) MarkUnreachable(id types.PeerID) {
	if e, ok := t.index[id]; ok {
		e.ConnType = types.ConnCannotConnect
	}
}

// Closest 返回距 target 最近的至多 count 个节点 ID
//
// 从 target 所属桶向两侧扩展收集候选，再按 XOR 距离排序。
func (t *Table) Closest(target types.Key, count int) []types.PeerID {
	entries := t.ClosestEntries(target, count)
	ids := make([]types.PeerID, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids
}

// ClosestEntries 返回距 target 最近的至多 count 个表项副本
func (t *Table) ClosestEntries(target types.Key, count int) []Entry {
	if count <= 0 || len(t.index) == 0 {
		return nil
	}

	start := t.bucketIndexOf(target)
	if start < 0 {
		start = types.KeySize - 1
	}

	// 从目标桶向两侧收集候选
	var candidates []*Entry
	for offset := 0; offset < types.KeySize; offset++ {
		lo, hi := start-offset, start+offset
		if lo >= 0 {
			candidates = append(candidates, t.buckets[lo].entries...)
		}
		if hi < types.KeySize && hi != lo {
			candidates = append(candidates, t.buckets[hi].entries...)
		}
		if len(candidates) >= count && offset > 0 {
			break
		}
	}

	sortEntriesByDistance(candidates, target)

	if len(candidates) > count {
		candidates = candidates[:count]
	}
	out := make([]Entry, 0, len(candidates))
	for _, e := range candidates {
		out = append(out, e.clone())
	}
	return out
}

// sortEntriesByDistance 按到 target 的 XOR 距离升序排序
//
// 距离相等时按 PeerID 字节序。
func sortEntriesByDistance(entries []*Entry, target types.Key) {
	sort.SliceStable(entries, func(i, j int) bool {
		cmp := types.DistanceBetween(entries[i].key, target).Cmp(types.DistanceBetween(entries[j].key, target))
		if cmp != 0 {
			return cmp < 0
		}
		return entries[i].ID.Less(entries[j].ID)
	})
}

// IterStale 返回活性早于门限的节点列表
//
// 周期健康检查据此驱逐失活节点。
func (t *Table) IterStale(threshold time.Duration) []types.PeerID {
	cutoff := t.clock.Now().Add(-threshold)
	var stale []types.PeerID
	for i := range t.buckets {
		for _, e := range t.buckets[i].entries {
			if e.Aliveness.Before(cutoff) {
				stale = append(stale, e.ID)
			}
		}
	}
	return stale
}

// Snapshot 返回全表表项副本
//
// 用于 Dump 和调试，按桶序排列。
func (t *Table) Snapshot() []Entry {
	out := make([]Entry, 0, len(t.index))
	for i := range t.buckets {
		for _, e := range t.buckets[i].entries {
			out = append(out, e.clone())
		}
	}
	return out
}

// ============================================================================
//                              桶刷新记账
// ============================================================================

// touchBucket 记录桶被触达
func (t *Table) touchBucket(idx int, now time.Time) {
	if idx >= 0 && idx < types.KeySize {
		t.lastRefreshed[idx] = now
	}
}

// BucketsNeedingRefresh 返回超过 interval 未被触达的桶下标
func (t *Table) BucketsNeedingRefresh(interval time.Duration) []int {
	cutoff := t.clock.Now().Add(-interval)
	var indices []int
	for i := range t.lastRefreshed {
		if t.lastRefreshed[i].Before(cutoff) {
			indices = append(indices, i)
		}
	}
	return indices
}

// MarkBucketRefreshed 标记桶已刷新
func (t *Table) MarkBucketRefreshed(idx int) {
	t.touchBucket(idx, t.clock.Now())
}
