package kad

import (
	"github.com/dep2p/go-kaddht/pkg/types"
)

// ============================================================================
//                              刷新调度
// ============================================================================

// maxBucketRefreshes 单次刷新最多触发的桶查找数
//
// 限制刚启动时 256 个桶同时发起查找；低编号（远距离）桶优先。
const maxBucketRefreshes = 16

// refreshRun 一次进行中的刷新
type refreshRun struct {
	// pending 尚未完成的刷新查找数
	pending int

	// failed 自查找的失败原因（刷新整体的成败以自查找为准）
	failed error

	// onDone 完成回调（Bootstrap 等待方）
	onDone []func(error)
}

// startRefresh 启动一次刷新
//
// 流程：健康检查驱逐失活节点 → 自查找 → 对超期未触达的桶
// 发起随机目标查找。已有刷新进行中时只追加完成回调。
// 全部查找结束后重置刷新定时器并通知等待方。
func (d *DHT) startRefresh(onDone func(error)) {
	if d.refresh != nil {
		if onDone != nil {
			d.refresh.onDone = append(d.refresh.onDone, onDone)
		}
		return
	}

	d.stats.recordRefresh()

	// 健康检查：驱逐活性超过门限的节点
	stale := d.table.IterStale(d.cfg.StaleEvictThreshold)
	for _, id := range stale {
		d.table.Remove(id)
		d.tableDirty = true
	}
	if len(stale) > 0 {
		logger.Info("健康检查驱逐失活节点", "count", len(stale))
	}

	r := &refreshRun{}
	if onDone != nil {
		r.onDone = append(r.onDone, onDone)
	}

	// 自查找
	selfRaw := d.host.ID().Bytes()
	started := d.startQuery(nil, QueryFindNode, selfRaw, nil, func(_ *QueryResult, err error) {
		if err != nil && r.failed == nil {
			r.failed = err
		}
		d.refreshQueryDone(r)
	})
	if !started {
		// 表空，刷新无从谈起
		d.refreshTimer.Reset(d.cfg.RefreshInterval)
		for _, f := range r.onDone {
			f(ErrNoKnownPeers)
		}
		return
	}
	d.refresh = r
	r.pending++

	// 超期桶的随机目标查找
	buckets := d.table.BucketsNeedingRefresh(d.cfg.RefreshInterval)
	if len(buckets) > maxBucketRefreshes {
		logger.Debug("刷新桶数超过上限，截断", "total", len(buckets), "limit", maxBucketRefreshes)
		buckets = buckets[:maxBucketRefreshes]
	}
	for _, idx := range buckets {
		idx := idx
		raw := randomPreimageForBucket(d.table.LocalKey(), idx)
		ok := d.startQuery(nil, QueryFindNode, raw, nil, func(_ *QueryResult, _ error) {
			d.table.MarkBucketRefreshed(idx)
			d.refreshQueryDone(r)
		})
		if ok {
			r.pending++
		}
	}

	logger.Debug("刷新已启动", "lookups", r.pending, "staleEvicted", len(stale))
}

// refreshQueryDone 刷新查找完成记账
//
// 在 MainLoop 中由查询完成事件触发。
func (d *DHT) refreshQueryDone(r *refreshRun) {
	r.pending--
	if r.pending > 0 {
		return
	}

	d.refresh = nil
	d.refreshTimer.Reset(d.cfg.RefreshInterval)

	for _, f := range r.onDone {
		f(r.failed)
	}

	logger.Debug("刷新完成", "tableSize", d.table.Size(), "err", r.failed)
}

// randomPreimageForBucket 生成目标落入指定桶的随机原像
//
// 线上 FIND_NODE 携带的是原像字节，对端重新哈希得到目标，
// 因此无法直接指定目标 Key；这里只能随机尝试若干原像，取桶
// 索引最接近的一个。桶归属是尽力而为，不保证命中。
func randomPreimageForBucket(local types.Key, bucket int) []byte {
	var best types.PeerID
	bestDiff := int(^uint(0) >> 1)

	for i := 0; i < 32; i++ {
		id := types.RandomPeerID()
		bi := types.BucketIndex(local, types.KeyOfPeer(id))
		diff := bi - bucket
		if diff < 0 {
			diff = -diff
		}
		if diff == 0 {
			return id.Bytes()
		}
		if diff < bestDiff {
			best, bestDiff = id, diff
		}
	}

	return best.Bytes()
}
