package kad

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-kaddht/internal/kad/pb"
	"github.com/dep2p/go-kaddht/pkg/interfaces"
	"github.com/dep2p/go-kaddht/pkg/lib/log"
	"github.com/dep2p/go-kaddht/pkg/types"
)

var queryLogger = log.Logger("kad/query")

// ============================================================================
//                              候选名单
// ============================================================================

// peerState 查询中单个节点的状态
type peerState int

const (
	// stateNotContacted 尚未联系
	stateNotContacted peerState = iota
	// stateWaiting RPC 进行中
	stateWaiting
	// stateSucceeded RPC 成功
	stateSucceeded
	// stateFailed RPC 失败或超时
	stateFailed
	// stateUnreachable 拨号或开流失败
	stateUnreachable
)

// slPeer 候选名单中的节点
type slPeer struct {
	info  types.PeerInfo
	key   types.Key
	state peerState
}

// excluded 检查节点是否被排除出前沿（失败或不可达）
func (p *slPeer) excluded() bool {
	return p.state == stateFailed || p.state == stateUnreachable
}

// shortlist 查询候选名单
//
// 节点按到目标的 XOR 距离升序维护。前沿（front）是距离最近的
// K 个未被排除的节点。
type shortlist struct {
	target types.Key
	peers  map[types.PeerID]*slPeer
	sorted []*slPeer
}

// newShortlist 创建候选名单
func newShortlist(target types.Key) *shortlist {
	return &shortlist{
		target: target,
		peers:  make(map[types.PeerID]*slPeer),
	}
}

// add 加入新节点（状态 NotContacted）
//
// 已存在的节点只合并地址、不回退状态，返回 false。
func (s *shortlist) add(info types.PeerInfo) bool {
	if p, ok := s.peers[info.ID]; ok {
		p.info.Addrs = mergeAddrStrings(p.info.Addrs, info.Addrs)
		return false
	}

	p := &slPeer{
		info:  info,
		key:   types.KeyOfPeer(info.ID),
		state: stateNotContacted,
	}
	s.peers[info.ID] = p

	// 按距离插入有序视图
	d := types.DistanceBetween(p.key, s.target)
	idx := len(s.sorted)
	for i, q := range s.sorted {
		cmp := types.DistanceBetween(q.key, s.target).Cmp(d)
		if cmp > 0 || (cmp == 0 && p.info.ID.Less(q.info.ID)) {
			idx = i
			break
		}
	}
	s.sorted = append(s.sorted, nil)
	copy(s.sorted[idx+1:], s.sorted[idx:])
	s.sorted[idx] = p
	return true
}

// front 返回前沿：距离最近的至多 k 个未被排除的节点
func (s *shortlist) front(k int) []*slPeer {
	out := make([]*slPeer, 0, k)
	for _, p := range s.sorted {
		if p.excluded() {
			continue
		}
		out = append(out, p)
		if len(out) == k {
			break
		}
	}
	return out
}

// candidates 返回前沿中未联系的节点，至多 max 个，按距离升序
func (s *shortlist) candidates(k, max int) []*slPeer {
	out := make([]*slPeer, 0, max)
	for _, p := range s.front(k) {
		if p.state != stateNotContacted {
			continue
		}
		out = append(out, p)
		if len(out) == max {
			break
		}
	}
	return out
}

// bestDistance 返回未被排除节点中的最小距离
//
// 名单为空时返回 (Distance{}, false)。
func (s *shortlist) bestDistance() (types.Distance, bool) {
	for _, p := range s.sorted {
		if p.excluded() {
			continue
		}
		return types.DistanceBetween(p.key, s.target), true
	}
	return types.Distance{}, false
}

// succeeded 返回全部成功节点，按距离升序
func (s *shortlist) succeeded() []*slPeer {
	var out []*slPeer
	for _, p := range s.sorted {
		if p.state == stateSucceeded {
			out = append(out, p)
		}
	}
	return out
}

// mergeAddrStrings 合并地址列表并去重
func mergeAddrStrings(dst, src []string) []string {
	known := make(map[string]struct{}, len(dst))
	for _, a := range dst {
		known[a] = struct{}{}
	}
	for _, a := range src {
		if _, ok := known[a]; !ok {
			dst = append(dst, a)
			known[a] = struct{}{}
		}
	}
	return dst
}

// ============================================================================
//                              查询任务
// ============================================================================

// queryTask 迭代查询任务
//
// 每个查询在独立 goroutine 中运行，只通过事件通道与 MainLoop
// 交互；路由表内容在启动时以种子列表的形式一次性传入。
type queryTask struct {
	id        QueryID
	qtype     QueryType
	rawKey    []byte    // 线上携带的键（节点 ID 或记录键的原始字节）
	targetKey types.Key // 距离度量目标
	value     []byte    // PUT_VALUE 的值
	seeds     []types.PeerInfo
	selfInfo  types.PeerInfo // ADD_PROVIDER 宣告的提供者信息

	cfg    *Config
	host   interfaces.Host
	clock  clock.Clock
	events chan<- loopEvent

	stats QueryStats
	votes []*interfaces.Record // GET_VALUE 收到的记录
}

// lookupState 迭代查找阶段的产出
type lookupState struct {
	sl        *shortlist
	record    *interfaces.Record
	providers []types.PeerInfo
}

// run 执行查询并上报完成事件
//
// MainLoop 在独立 goroutine 中调用；ctx 由命令上下文加查询
// 截止时间派生，取消即中止全部在途 RPC。
func (q *queryTask) run(ctx context.Context) {
	start := q.clock.Now()
	result, err := q.execute(ctx)
	if result != nil {
		q.stats.Elapsed = q.clock.Now().Sub(start)
		result.Stats = q.stats
	}

	queryLogger.Debug("查询结束",
		"qid", q.id, "type", q.qtype.String(),
		"rounds", q.stats.Rounds, "contacted", q.stats.Contacted,
		"succeeded", q.stats.Succeeded, "failed", q.stats.Failed,
		"err", err)

	q.notify(context.Background(), evtQueryCompleted{qid: q.id, result: result, err: err})
}

// execute 按查询类型执行
func (q *queryTask) execute(ctx context.Context) (*QueryResult, error) {
	state, err := q.iterate(ctx)
	if err != nil {
		return nil, err
	}

	switch q.qtype {
	case QueryFindNode:
		return q.buildResult(state), nil

	case QueryGetValue:
		if state.record == nil {
			state.record = q.bestVote()
		}
		res := q.buildResult(state)
		if state.record == nil {
			return res, ErrNotFound
		}
		return res, nil

	case QueryGetProviders:
		res := q.buildResult(state)
		if len(res.Providers) == 0 {
			return res, ErrNotFound
		}
		return res, nil

	case QueryPutValue, QueryAddProvider:
		return q.writePhase(ctx, state)

	default:
		return nil, fmt.Errorf("%w: unknown query type %d", ErrInternal, q.qtype)
	}
}

// iterate 迭代查找循环
//
// 以轮为单位推进：每轮并发联系前沿中至多 Alpha 个未联系节点，
// 全部返回后合并发现的新节点。连续 Beta 轮未发现比此前最近
// 节点更近的节点即终止；前沿全部进入终止状态或名单耗尽也终止。
func (q *queryTask) iterate(ctx context.Context) (*lookupState, error) {
	state := &lookupState{sl: newShortlist(q.targetKey)}
	for _, s := range q.seeds {
		state.sl.add(s)
	}
	if len(state.sl.peers) == 0 {
		return nil, ErrNoKnownPeers
	}

	stall := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, q.ctxError(err)
		}

		batch := state.sl.candidates(q.cfg.BucketSize, q.cfg.Alpha)
		if len(batch) == 0 {
			// 前沿全部处于终止状态，或名单耗尽
			return state, nil
		}

		prevBest, hadBest := state.sl.bestDistance()
		q.stats.Rounds++

		outcomes := q.dispatchRound(ctx, batch)

		improved := false
		done := false
		for _, oc := range outcomes {
			if q.processOutcome(state, oc, prevBest, hadBest) {
				improved = true
			}
		}

		// GET_VALUE 法定数量短路
		if q.qtype == QueryGetValue && state.record != nil {
			done = true
		}

		if done {
			return state, nil
		}

		if improved {
			stall = 0
		} else {
			stall++
			if stall >= q.cfg.Beta {
				return state, nil
			}
		}
	}
}

// rpcOutcome 单节点 RPC 的结果
type rpcOutcome struct {
	peer *slPeer
	resp *pb.Message
	err  error
}

// dispatchRound 并发联系一批节点并等待全部返回
func (q *queryTask) dispatchRound(ctx context.Context, batch []*slPeer) []rpcOutcome {
	results := make(chan rpcOutcome, len(batch))
	var wg sync.WaitGroup

	for _, p := range batch {
		p.state = stateWaiting
		q.stats.Contacted++

		wg.Add(1)
		go func(p *slPeer) {
			defer wg.Done()
			resp, err := q.exchange(ctx, p.info, q.requestMessage(), true)
			results <- rpcOutcome{peer: p, resp: resp, err: err}
		}(p)
	}

	wg.Wait()
	close(results)

	out := make([]rpcOutcome, 0, len(batch))
	for oc := range results {
		out = append(out, oc)
	}
	return out
}

// processOutcome 处理单节点 RPC 结果，返回是否发现了更近节点
func (q *queryTask) processOutcome(state *lookupState, oc rpcOutcome, prevBest types.Distance, hadBest bool) bool {
	p := oc.peer

	if oc.err != nil {
		if errors.Is(oc.err, ErrUnreachable) {
			p.state = stateUnreachable
		} else {
			p.state = stateFailed
		}
		q.stats.Failed++
		q.notify(context.Background(), evtQueryProgress{
			qid: q.id, peer: p.info.ID, addrs: p.info.Addrs, rpcType: q.rpcType(), success: false,
		})
		return false
	}

	p.state = stateSucceeded
	q.stats.Succeeded++

	improved := false
	for i := range oc.resp.CloserPeers {
		info, ok := oc.resp.CloserPeers[i].ToPeerInfo()
		if !ok || info.ID == q.host.ID() {
			continue
		}
		if state.sl.add(info) && hadBest {
			d := types.DistanceBetween(types.KeyOfPeer(info.ID), q.targetKey)
			if d.Cmp(prevBest) < 0 {
				improved = true
			}
		}
	}

	// 按查询类型收集记录/提供者
	switch q.qtype {
	case QueryGetValue:
		if oc.resp.Record != nil && len(oc.resp.Record.Value) > 0 {
			q.collectRecord(state, oc.resp.Record)
		}
	case QueryGetProviders:
		for i := range oc.resp.ProviderPeers {
			info, ok := oc.resp.ProviderPeers[i].ToPeerInfo()
			if !ok {
				continue
			}
			state.providers = appendProvider(state.providers, info)
		}
	}

	q.notify(context.Background(), evtQueryProgress{
		qid: q.id, peer: p.info.ID, addrs: p.info.Addrs, rpcType: q.rpcType(), success: true,
	})
	return improved
}

// collectRecord 记录 GET_VALUE 响应并检查法定数量
//
// 达到 GetQuorum 个一致记录后置 state.record 触发短路终止。
func (q *queryTask) collectRecord(state *lookupState, rec *pb.Record) {
	if !bytes.Equal(rec.Key, q.rawKey) {
		return
	}

	received := q.clock.Now()
	if t, err := time.Parse(time.RFC3339Nano, rec.TimeReceived); err == nil {
		received = t
	}

	vote := &interfaces.Record{
		Key:          append([]byte(nil), rec.Key...),
		Value:        append([]byte(nil), rec.Value...),
		TimeReceived: received,
	}
	q.votes = append(q.votes, vote)

	matches := 0
	for _, v := range q.votes {
		if bytes.Equal(v.Value, vote.Value) {
			matches++
		}
	}
	if matches >= q.cfg.GetQuorum {
		state.record = vote
	}
}

// bestVote 返回出现次数最多的记录
//
// 法定数量未凑足而查询自然终止时的兜底结果。
func (q *queryTask) bestVote() *interfaces.Record {
	var best *interfaces.Record
	bestCount := 0
	for _, v := range q.votes {
		count := 0
		for _, o := range q.votes {
			if bytes.Equal(o.Value, v.Value) {
				count++
			}
		}
		if count > bestCount {
			best, bestCount = v, count
		}
	}
	return best
}

// appendProvider 去重追加提供者
func appendProvider(list []types.PeerInfo, info types.PeerInfo) []types.PeerInfo {
	for i := range list {
		if list[i].ID == info.ID {
			list[i].Addrs = mergeAddrStrings(list[i].Addrs, info.Addrs)
			return list
		}
	}
	return append(list, info)
}

// buildResult 汇总查找阶段结果
func (q *queryTask) buildResult(state *lookupState) *QueryResult {
	res := &QueryResult{
		Record:    state.record,
		Providers: state.providers,
	}
	for _, p := range state.sl.succeeded() {
		res.Peers = append(res.Peers, p.info)
		if len(res.Peers) == q.cfg.BucketSize {
			break
		}
	}
	return res
}

// ============================================================================
//                              写入阶段
// ============================================================================

// writePhase PUT_VALUE/ADD_PROVIDER 的写入扇出
//
// 查找阶段结束后，向距目标最近的成功节点扇出写入 RPC，
// 凑足 min(ReplicationFactor, 成功节点数) 个确认即返回；
// 个别节点失败时顺延到下一个最近节点重试。
func (q *queryTask) writePhase(ctx context.Context, state *lookupState) (*QueryResult, error) {
	targets := state.sl.succeeded()
	if len(targets) == 0 {
		return nil, ErrNoKnownPeers
	}

	need := q.cfg.ReplicationFactor
	if need > len(targets) {
		need = len(targets)
	}

	var mu sync.Mutex
	acks := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.cfg.Alpha)

	for _, t := range targets {
		t := t
		g.Go(func() error {
			mu.Lock()
			enough := acks >= need
			mu.Unlock()
			if enough || gctx.Err() != nil {
				return nil
			}

			req := q.writeMessage()
			expectResp := q.qtype == QueryPutValue // ADD_PROVIDER 无响应
			_, err := q.exchange(gctx, t.info, req, expectResp)

			q.notify(context.Background(), evtQueryProgress{
				qid: q.id, peer: t.info.ID, addrs: t.info.Addrs, rpcType: req.Type, success: err == nil,
			})

			mu.Lock()
			if err == nil {
				acks++
			} else {
				q.stats.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	res := q.buildResult(state)
	res.Acks = acks

	if err := ctx.Err(); err != nil && acks < need {
		return res, q.ctxError(err)
	}
	if acks < need {
		return res, fmt.Errorf("%w: %d/%d writes acknowledged", ErrTimeout, acks, need)
	}
	return res, nil
}

// ============================================================================
//                              RPC 交换
// ============================================================================

// requestMessage 构造查找阶段的请求消息
func (q *queryTask) requestMessage() *pb.Message {
	switch q.qtype {
	case QueryGetValue:
		return &pb.Message{Type: pb.MessageTypeGetValue, Key: q.rawKey}
	case QueryGetProviders:
		return &pb.Message{Type: pb.MessageTypeGetProviders, Key: q.rawKey}
	default:
		// FindNode 及写入查询的查找阶段
		return &pb.Message{Type: pb.MessageTypeFindNode, Key: q.rawKey}
	}
}

// writeMessage 构造写入阶段的请求消息
func (q *queryTask) writeMessage() *pb.Message {
	switch q.qtype {
	case QueryPutValue:
		return &pb.Message{
			Type: pb.MessageTypePutValue,
			Key:  q.rawKey,
			Record: &pb.Record{
				Key:          q.rawKey,
				Value:        q.value,
				TimeReceived: q.clock.Now().UTC().Format(time.RFC3339Nano),
			},
		}
	default:
		return &pb.Message{
			Type:          pb.MessageTypeAddProvider,
			Key:           q.rawKey,
			ProviderPeers: []pb.Peer{pb.PeerFromInfo(q.selfInfo, types.ConnConnected)},
		}
	}
}

// rpcType 返回查找阶段发出的 RPC 类型
func (q *queryTask) rpcType() pb.MessageType {
	return q.requestMessage().Type
}

// exchange 对单个节点执行一次请求/响应交换
//
// 拨号或开流失败返回 ErrUnreachable；响应类型与请求不符
// 返回 ErrProtocol。每次交换占用一条新流，结束即关闭。
func (q *queryTask) exchange(ctx context.Context, peer types.PeerInfo, req *pb.Message, expectResp bool) (*pb.Message, error) {
	rctx, cancel := context.WithTimeout(ctx, q.cfg.RPCTimeout)
	defer cancel()

	if err := q.host.Connect(rctx, peer.ID, peer.Addrs); err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", ErrUnreachable, peer.ID.ShortString(), err)
	}

	stream, err := q.host.NewStream(rctx, peer.ID, q.cfg.ProtocolIDs...)
	if err != nil {
		return nil, fmt.Errorf("%w: open stream to %s: %v", ErrUnreachable, peer.ID.ShortString(), err)
	}
	defer stream.Close()

	// 流截止时间用墙钟：传输层超时与逻辑时钟无关
	_ = stream.SetDeadline(time.Now().Add(q.cfg.RPCTimeout))

	if err := WriteMessage(stream, req); err != nil {
		_ = stream.Reset()
		return nil, err
	}

	if !expectResp {
		return nil, nil
	}

	resp, err := readMessageCtx(rctx, stream)
	if err != nil {
		_ = stream.Reset()
		return nil, err
	}
	if resp.Type != req.Type {
		_ = stream.Reset()
		return nil, fmt.Errorf("%w: expected %s reply, got %s", ErrProtocol, req.Type, resp.Type)
	}
	return resp, nil
}

// readMessageCtx 在 ctx 取消时中止的消息读取
func readMessageCtx(ctx context.Context, stream interfaces.Stream) (*pb.Message, error) {
	type readResult struct {
		msg *pb.Message
		err error
	}
	ch := make(chan readResult, 1)
	go func() {
		msg, err := ReadMessage(stream)
		ch <- readResult{msg, err}
	}()

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		_ = stream.Reset()
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

// notify 向 MainLoop 上报事件
func (q *queryTask) notify(ctx context.Context, ev loopEvent) {
	select {
	case q.events <- ev:
	case <-ctx.Done():
	}
}

// ctxError 将上下文错误映射为查询错误
func (q *queryTask) ctxError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrStopped
}
