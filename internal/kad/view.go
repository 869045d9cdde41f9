package kad

import (
	"sort"

	"github.com/dep2p/go-kaddht/internal/kad/pb"
	"github.com/dep2p/go-kaddht/pkg/types"
)

// ============================================================================
//                              路由表只读视图
// ============================================================================

// tableView 路由表的不可变快照
//
// MainLoop 在每次表变更后发布新视图；MessageRouter 无锁读取，
// 从不触碰表本身。
type tableView struct {
	localKey types.Key
	entries  []Entry
}

// closest 返回距 target 最近的至多 count 个节点记录
//
// exclude 通常为请求方自身，避免把请求方回给它自己。
func (v *tableView) closest(target types.Key, count int, exclude types.PeerID) []pb.Peer {
	if v == nil || count <= 0 {
		return nil
	}

	type scored struct {
		idx  int
		dist types.Distance
	}
	candidates := make([]scored, 0, len(v.entries))
	for i := range v.entries {
		if v.entries[i].ID == exclude {
			continue
		}
		candidates = append(candidates, scored{
			idx:  i,
			dist: types.DistanceBetween(types.KeyOfPeer(v.entries[i].ID), target),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		cmp := candidates[i].dist.Cmp(candidates[j].dist)
		if cmp != 0 {
			return cmp < 0
		}
		return v.entries[candidates[i].idx].ID.Less(v.entries[candidates[j].idx].ID)
	})

	if len(candidates) > count {
		candidates = candidates[:count]
	}

	peers := make([]pb.Peer, 0, len(candidates))
	for _, c := range candidates {
		e := &v.entries[c.idx]
		peers = append(peers, pb.PeerFromInfo(types.PeerInfo{ID: e.ID, Addrs: e.Addrs}, e.ConnType))
	}
	return peers
}
