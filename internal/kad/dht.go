// Package kad 实现 Kademlia DHT 路由核心
package kad

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/dep2p/go-kaddht/internal/recordstore"
	"github.com/dep2p/go-kaddht/pkg/interfaces"
	"github.com/dep2p/go-kaddht/pkg/lib/log"
	"github.com/dep2p/go-kaddht/pkg/types"
)

var logger = log.Logger("kad")

// DHT Kademlia DHT 节点核心
//
// 单线程 MainLoop 独占持有路由表、连接表、查询注册表和统计；
// 命令、主机通知、路由器事件、查询事件和定时器在 MainLoop 中
// 串行处理。所有 I/O 都委托给派生任务（QueryTask、入站流处理），
// 任务只通过通道向 MainLoop 汇报。
type DHT struct {
	// host 网络主机
	host interfaces.Host

	// store 记录存储
	store interfaces.RecordStore

	// ownsStore 记录存储是否由本节点创建（Stop 时负责关闭）
	ownsStore bool

	// cfg 配置
	cfg *Config

	// clock 时钟源
	clock clock.Clock

	// table 路由表（仅 MainLoop 访问）
	table *Table

	// view 路由表快照（MessageRouter 无锁读取）
	view atomic.Pointer[tableView]

	// router 入站消息路由
	router *messageRouter

	// cmds 控制器命令通道
	cmds chan command

	// events 路由器与查询任务的事件通道
	events chan loopEvent

	// connected 当前连接集合（仅 MainLoop 访问）
	connected map[types.PeerID]time.Time

	// queries 活动查询注册表（仅 MainLoop 访问）
	queries map[QueryID]*queryHandle

	// nextQueryID 查询 ID 分配器
	nextQueryID QueryID

	// stats 运行统计（仅 MainLoop 访问）
	stats *stats

	// refresh 进行中的刷新（仅 MainLoop 访问）
	refresh *refreshRun

	// refreshTimer 刷新定时器（完成后重新计时）
	refreshTimer *clock.Timer

	// tableDirty 表变更标志，触发快照重发布
	tableDirty bool

	// taskWG 查询任务计数
	taskWG sync.WaitGroup

	// started 启动标志
	started atomic.Bool

	// done 关闭信号（Stop 时关闭）
	done chan struct{}

	// loopDone MainLoop 退出信号
	loopDone chan struct{}

	// cancelLoop 取消 MainLoop
	cancelLoop context.CancelFunc

	// stopOnce 保证 Stop 只执行一次
	stopOnce sync.Once
}

// queryHandle 活动查询的登记信息
type queryHandle struct {
	id      QueryID
	qtype   QueryType
	started time.Time
	cancel  context.CancelFunc
	deliver func(*QueryResult, error)
}

// New 创建 DHT
//
// store 为 nil 时使用内存记录存储。
func New(host interfaces.Host, store interfaces.RecordStore, opts ...ConfigOption) (*DHT, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return newWithConfig(host, store, cfg)
}

// newWithConfig 用现成配置创建 DHT
func newWithConfig(host interfaces.Host, store interfaces.RecordStore, cfg *Config) (*DHT, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ownsStore := false
	if store == nil {
		store = recordstore.NewMemoryStore(cfg.Clock)
		ownsStore = true
	}

	d := &DHT{
		host:      host,
		store:     store,
		cfg:       cfg,
		clock:     cfg.Clock,
		table:     NewTable(host.ID(), cfg.BucketSize, cfg.StaleReplaceThreshold, cfg.Clock),
		cmds:      make(chan command, cfg.CommandBuffer),
		events:    make(chan loopEvent, cfg.EventBuffer),
		connected: make(map[types.PeerID]time.Time),
		queries:   make(map[QueryID]*queryHandle),
		stats:     newStats(),
		ownsStore: ownsStore,
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}

	d.publishView()
	d.router = newMessageRouter(host.ID(), &d.view, store, cfg, d.events, d.done)

	return d, nil
}

// Start 启动 DHT
//
// 注册协议流处理器并启动 MainLoop。
func (d *DHT) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return ErrInternal
	}

	logger.Info("正在启动 Kad DHT",
		"local", d.host.ID().ShortString(),
		"protocols", d.cfg.ProtocolIDs,
		"bucketSize", d.cfg.BucketSize,
		"alpha", d.cfg.Alpha,
		"beta", d.cfg.Beta)

	for _, pid := range d.cfg.ProtocolIDs {
		d.host.SetStreamHandler(pid, d.router.handleStream)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancelLoop = cancel
	go d.run(loopCtx)

	return nil
}

// Stop 停止 DHT
//
// 尽力排空在途查询（有界超时）后关闭 done 信号；命令与事件通道
// 不关闭，停止后经控制器发起的调用返回 ErrStopped。
func (d *DHT) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		if !d.started.Load() {
			return
		}

		logger.Info("正在停止 Kad DHT", "local", d.host.ID().ShortString())

		for _, pid := range d.cfg.ProtocolIDs {
			d.host.RemoveStreamHandler(pid)
		}
		d.router.close()

		if d.cancelLoop != nil {
			d.cancelLoop()
			<-d.loopDone
		}
		close(d.done)

		if d.ownsStore {
			err = multierr.Append(err, d.store.Close())
		}
	})
	return err
}

// Controller 返回控制器句柄
//
// 句柄可以廉价复制，支持多个并发调用方。
func (d *DHT) Controller() *Controller {
	return &Controller{cmds: d.cmds, done: d.done}
}

// ============================================================================
//                              MainLoop
// ============================================================================

// run MainLoop 主循环
//
// 单线程协作式：仅在所有输入通道为空时挂起，从不直接做 I/O。
// 各通道内部保序；跨通道的到达顺序不作假设。
func (d *DHT) run(ctx context.Context) {
	defer close(d.loopDone)

	d.refreshTimer = d.clock.Timer(d.cfg.RefreshInterval)
	defer d.refreshTimer.Stop()

	hostEvents := d.host.Events()

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return

		case cmd := <-d.cmds:
			d.handleCommand(ctx, cmd)

		case ev := <-d.events:
			d.handleEvent(ev)

		case hev, ok := <-hostEvents:
			if !ok {
				hostEvents = nil
				continue
			}
			d.handleHostEvent(hev)

		case <-d.refreshTimer.C:
			// 刷新兼做健康检查
			d.startRefresh(nil)
		}

		if d.tableDirty {
			d.publishView()
			d.tableDirty = false
		}
	}
}

// shutdown 关闭期排空
//
// 取消全部在途查询，消费其尾部事件直到任务全部退出。
func (d *DHT) shutdown() {
	for _, h := range d.queries {
		h.cancel()
	}

	tasksDone := make(chan struct{})
	go func() {
		d.taskWG.Wait()
		close(tasksDone)
	}()

	timeout := d.clock.Timer(10 * time.Second)
	defer timeout.Stop()

	for {
		select {
		case ev := <-d.events:
			if c, ok := ev.(evtQueryCompleted); ok {
				if h, exists := d.queries[c.qid]; exists {
					delete(d.queries, c.qid)
					h.deliver(c.result, ErrStopped)
				}
			}
		case <-tasksDone:
			// 非阻塞清空残余事件
			for {
				select {
				case ev := <-d.events:
					if c, ok := ev.(evtQueryCompleted); ok {
						if h, exists := d.queries[c.qid]; exists {
							delete(d.queries, c.qid)
							h.deliver(c.result, ErrStopped)
						}
					}
				default:
					return
				}
			}
		case <-timeout.C:
			logger.Warn("关闭排空超时，放弃剩余查询", "remaining", len(d.queries))
			for _, h := range d.queries {
				h.deliver(nil, ErrStopped)
			}
			return
		}
	}
}

// publishView 发布路由表快照
func (d *DHT) publishView() {
	d.view.Store(&tableView{
		localKey: types.KeyOfPeer(d.host.ID()),
		entries:  d.table.Snapshot(),
	})
}

// ============================================================================
//                              命令处理
// ============================================================================

// handleCommand 处理控制器命令
func (d *DHT) handleCommand(ctx context.Context, cmd command) {
	switch c := cmd.(type) {
	case cmdBootstrap:
		d.handleBootstrap(c)

	case cmdFindPeer:
		target := c.peer
		d.startQuery(c.ctx, QueryFindNode, target.Bytes(), nil, func(res *QueryResult, err error) {
			if err != nil {
				c.reply <- findPeerReply{err: err}
				return
			}
			for _, info := range res.Peers {
				if info.ID == target {
					c.reply <- findPeerReply{info: info}
					return
				}
			}
			c.reply <- findPeerReply{err: ErrNotFound}
		})

	case cmdFindProviders:
		d.startQuery(c.ctx, QueryGetProviders, c.key, nil, func(res *QueryResult, err error) {
			if err != nil {
				c.reply <- providersReply{err: err}
				return
			}
			c.reply <- providersReply{providers: res.Providers}
		})

	case cmdGetValue:
		// 本地记录直接命中
		if rec, ok := d.store.Get(c.key); ok {
			c.reply <- valueReply{record: rec}
			return
		}
		d.startQuery(c.ctx, QueryGetValue, c.key, nil, func(res *QueryResult, err error) {
			if err != nil {
				c.reply <- valueReply{err: err}
				return
			}
			c.reply <- valueReply{record: *res.Record}
		})

	case cmdPutValue:
		// 先写入本地存储，再向网络扇出
		rec := interfaces.Record{Key: c.key, Value: c.value, TimeReceived: d.clock.Now()}
		if err := d.store.Put(c.key, rec, d.cfg.RecordTTL); err != nil {
			c.reply <- writeReply{err: err}
			return
		}
		d.startQuery(c.ctx, QueryPutValue, c.key, c.value, func(res *QueryResult, err error) {
			acks := 0
			if res != nil {
				acks = res.Acks
			}
			c.reply <- writeReply{acks: acks, err: err}
		})

	case cmdAddProvider:
		self := types.PeerInfo{ID: d.host.ID(), Addrs: d.host.Addrs()}
		if err := d.store.AddProvider(c.key, self, d.cfg.ProviderTTL); err != nil {
			c.reply <- writeReply{err: err}
			return
		}
		d.startQuery(c.ctx, QueryAddProvider, c.key, nil, func(res *QueryResult, err error) {
			acks := 0
			if res != nil {
				acks = res.Acks
			}
			c.reply <- writeReply{acks: acks, err: err}
		})

	case cmdAddPeer:
		outcome, evicted := d.table.InsertOrUpdate(c.info.ID, c.info.Addrs)
		d.tableDirty = true
		d.logInsert(c.info.ID, outcome, evicted)
		if outcome == OutcomeRejected {
			c.reply <- NewKadError("add_peer", ErrInternal, "peer rejected")
			return
		}
		c.reply <- nil

	case cmdRemovePeer:
		d.table.Remove(c.peer)
		d.tableDirty = true
		c.reply <- nil

	case cmdDump:
		c.reply <- d.buildDump()

	case cmdStats:
		c.reply <- d.stats.snapshot(d.table.Size(), len(d.queries))
	}
}

// handleBootstrap 引导流程
//
// 先将配置的引导节点写入路由表，再执行一次刷新；
// 首次刷新完成后答复调用方。
func (d *DHT) handleBootstrap(c cmdBootstrap) {
	for _, info := range d.cfg.BootstrapPeers {
		outcome, evicted := d.table.InsertOrUpdate(info.ID, info.Addrs)
		d.tableDirty = true
		d.logInsert(info.ID, outcome, evicted)
	}

	if d.table.Size() == 0 {
		c.reply <- ErrNoKnownPeers
		return
	}

	d.startRefresh(func(err error) {
		c.reply <- err
	})
}

// logInsert 记录插入结果
func (d *DHT) logInsert(id types.PeerID, outcome InsertOutcome, evicted types.PeerID) {
	switch outcome {
	case OutcomeAdded:
		logger.Debug("节点加入路由表", "peer", id.ShortString())
	case OutcomeReplaced:
		logger.Debug("失活节点被替换", "peer", id.ShortString(), "evicted", evicted.ShortString())
	}
}

// buildDump 构建状态快照
func (d *DHT) buildDump() DumpSnapshot {
	entries := d.table.Snapshot()
	infos := make([]EntryInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, EntryInfo{
			ID:        e.ID.String(),
			Addrs:     e.Addrs,
			Aliveness: e.Aliveness,
			ConnType:  e.ConnType.String(),
			Connected: e.Connected,
		})
	}

	connected := make([]string, 0, len(d.connected))
	for id := range d.connected {
		connected = append(connected, id.String())
	}

	queries := make([]QueryInfo, 0, len(d.queries))
	for _, h := range d.queries {
		queries = append(queries, QueryInfo{
			ID:      h.id,
			Type:    h.qtype.String(),
			Started: h.started,
		})
	}

	return DumpSnapshot{
		Local:         d.host.ID().String(),
		TableSize:     len(entries),
		Table:         infos,
		Connected:     connected,
		ActiveQueries: queries,
	}
}

// ============================================================================
//                              查询派生
// ============================================================================

// startQuery 派生查询任务
//
// 以当前表中距目标最近的 K 个节点为种子；种子为空时直接
// 以 ErrNoKnownPeers 答复。deliver 回调在 MainLoop 内执行。
func (d *DHT) startQuery(cmdCtx context.Context, qtype QueryType, rawKey []byte, value []byte, deliver func(*QueryResult, error)) bool {
	target := types.KeyFromBytes(rawKey)
	seedEntries := d.table.ClosestEntries(target, d.cfg.BucketSize)
	if len(seedEntries) == 0 {
		deliver(nil, ErrNoKnownPeers)
		return false
	}

	seeds := make([]types.PeerInfo, 0, len(seedEntries))
	for _, e := range seedEntries {
		seeds = append(seeds, types.PeerInfo{ID: e.ID, Addrs: e.Addrs})
	}

	if cmdCtx == nil {
		cmdCtx = context.Background()
	}
	qctx, cancel := context.WithTimeout(cmdCtx, d.cfg.QueryDeadline)

	d.nextQueryID++
	id := d.nextQueryID
	d.stats.recordQueryStart()

	task := &queryTask{
		id:        id,
		qtype:     qtype,
		rawKey:    rawKey,
		targetKey: target,
		value:     value,
		seeds:     seeds,
		selfInfo:  types.PeerInfo{ID: d.host.ID(), Addrs: d.host.Addrs()},
		cfg:       d.cfg,
		host:      d.host,
		clock:     d.clock,
		events:    d.events,
	}

	d.queries[id] = &queryHandle{
		id:      id,
		qtype:   qtype,
		started: d.clock.Now(),
		cancel:  cancel,
		deliver: deliver,
	}

	d.taskWG.Add(1)
	go func() {
		defer d.taskWG.Done()
		defer cancel()
		task.run(qctx)
	}()

	return true
}

// ============================================================================
//                              事件处理
// ============================================================================

// handleEvent 处理路由器与查询任务事件
func (d *DHT) handleEvent(ev loopEvent) {
	switch e := ev.(type) {
	case evtPeerSeen:
		d.stats.recordRx(e.msgType.String())
		if d.table.UpdateAliveness(e.peer) {
			d.tableDirty = true
		}

	case evtRecordWritten:
		d.stats.recordStored()

	case evtQueryProgress:
		d.stats.recordTx(e.rpcType.String())
		if e.success {
			// 成功 RPC 是确凿的存活证据
			if d.table.Contains(e.peer) {
				d.table.UpdateAliveness(e.peer)
			} else {
				outcome, evicted := d.table.InsertOrUpdate(e.peer, e.addrs)
				d.logInsert(e.peer, outcome, evicted)
			}
			d.tableDirty = true
		} else {
			// 仅驱逐活性已超宽限的节点，避免单次抖动误伤新节点
			if aliveness, ok := d.table.AlivenessOf(e.peer); ok {
				if d.clock.Now().Sub(aliveness) > d.cfg.FailureEvictGrace {
					d.table.Remove(e.peer)
					d.tableDirty = true
					logger.Debug("失败节点移出路由表", "peer", e.peer.ShortString())
				}
			}
		}

	case evtQueryCompleted:
		h, ok := d.queries[e.qid]
		if !ok {
			return
		}
		delete(d.queries, e.qid)
		if e.result != nil {
			d.stats.recordQueryDone(e.result.Stats.Elapsed)
		}
		h.deliver(e.result, e.err)
	}
}

// handleHostEvent 处理主机通知
func (d *DHT) handleHostEvent(ev interfaces.HostEvent) {
	switch e := ev.(type) {
	case interfaces.EvtConnected:
		d.connected[e.Peer] = d.clock.Now()
		d.table.MarkConnected(e.Peer, true)
		d.tableDirty = true

	case interfaces.EvtDisconnected:
		delete(d.connected, e.Peer)
		d.table.MarkConnected(e.Peer, false)
		d.tableDirty = true

	case interfaces.EvtPeerIdentified:
		if !d.supportsKad(e.Protocols) {
			return
		}
		outcome, evicted := d.table.InsertOrUpdate(e.Peer, e.Addrs)
		d.tableDirty = true
		d.logInsert(e.Peer, outcome, evicted)
	}
}

// supportsKad 检查协议列表是否包含本节点的 Kad 协议
func (d *DHT) supportsKad(protocols []string) bool {
	for _, p := range protocols {
		for _, own := range d.cfg.ProtocolIDs {
			if p == own {
				return true
			}
		}
	}
	return false
}
