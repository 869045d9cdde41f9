package kad

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/dep2p/go-kaddht/internal/kad/pb"
	"github.com/dep2p/go-kaddht/pkg/interfaces"
	"github.com/dep2p/go-kaddht/pkg/lib/log"
	"github.com/dep2p/go-kaddht/pkg/types"
)

var handlerLogger = log.Logger("kad/handler")

// ============================================================================
//                              入站写入限速
// ============================================================================

const (
	// InboundWriteRateLimit 单个发送者每分钟允许的写入请求数
	InboundWriteRateLimit = 50

	// InboundWriteBurst 写入限速的突发额度
	InboundWriteBurst = 10
)

// senderLimiter 按发送者维护写入限速器
type senderLimiter struct {
	limiters map[types.PeerID]*rate.Limiter
	mu       sync.Mutex
}

// newSenderLimiter 创建发送者限速器
func newSenderLimiter() *senderLimiter {
	return &senderLimiter{
		limiters: make(map[types.PeerID]*rate.Limiter),
	}
}

// allow 检查发送者是否允许写入
func (sl *senderLimiter) allow(sender types.PeerID) bool {
	sl.mu.Lock()
	l, ok := sl.limiters[sender]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/InboundWriteRateLimit), InboundWriteBurst)
		sl.limiters[sender] = l
	}
	sl.mu.Unlock()
	return l.Allow()
}

// ============================================================================
//                              入站消息路由
// ============================================================================

// messageRouter 处理入站 Kad RPC
//
// 每条入站流由独立 goroutine 服务，基于路由表的不可变快照
// 应答，不直接访问 MainLoop 拥有的表。每条消息同时向
// MainLoop 上报 peerSeen 以刷新发送者活性。
type messageRouter struct {
	// self 本地节点 ID
	self types.PeerID

	// view 路由表快照（MainLoop 发布）
	view *atomic.Pointer[tableView]

	// store 记录存储
	store interfaces.RecordStore

	// cfg 配置
	cfg *Config

	// events 上报 MainLoop 的事件通道
	events chan<- loopEvent

	// limiter 入站写入限速
	limiter *senderLimiter

	// clock 时钟源
	clock clock.Clock

	// done 节点关闭信号
	done <-chan struct{}

	// closed 关闭标志
	closed atomic.Bool
}

// newMessageRouter 创建消息路由器
func newMessageRouter(self types.PeerID, view *atomic.Pointer[tableView], store interfaces.RecordStore, cfg *Config, events chan<- loopEvent, done <-chan struct{}) *messageRouter {
	return &messageRouter{
		self:    self,
		view:    view,
		store:   store,
		cfg:     cfg,
		events:  events,
		limiter: newSenderLimiter(),
		clock:   cfg.Clock,
		done:    done,
	}
}

// handleStream 服务一条入站流
//
// 在流上循环处理请求直至对端关闭或出错；编码错误只终止
// 该流，不影响其他流。
func (r *messageRouter) handleStream(stream interfaces.Stream) {
	defer stream.Close()
	remote := stream.RemotePeer()

	for {
		if r.closed.Load() {
			return
		}

		msg, err := ReadMessage(stream)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				handlerLogger.Debug("入站流读取结束", "peer", remote.ShortString(), "error", err)
			}
			return
		}

		r.emit(evtPeerSeen{peer: remote, msgType: msg.Type})

		reply, err := r.handle(remote, msg)
		if err != nil {
			handlerLogger.Debug("入站请求被拒绝",
				"peer", remote.ShortString(), "type", msg.Type.String(), "error", err)
			_ = stream.Reset()
			return
		}

		if reply == nil {
			continue
		}

		if err := WriteMessage(stream, reply); err != nil {
			handlerLogger.Debug("入站响应写入失败", "peer", remote.ShortString(), "error", err)
			_ = stream.Reset()
			return
		}
	}
}

// handle 处理单条入站消息
//
// 返回 (nil, nil) 表示该消息无响应（ADD_PROVIDER）。
func (r *messageRouter) handle(remote types.PeerID, msg *pb.Message) (*pb.Message, error) {
	switch msg.Type {
	case pb.MessageTypeFindNode:
		return r.handleFindNode(remote, msg), nil

	case pb.MessageTypeGetValue:
		return r.handleGetValue(remote, msg), nil

	case pb.MessageTypePutValue:
		return r.handlePutValue(remote, msg)

	case pb.MessageTypeGetProviders:
		return r.handleGetProviders(remote, msg), nil

	case pb.MessageTypeAddProvider:
		return nil, r.handleAddProvider(remote, msg)

	case pb.MessageTypePing:
		return &pb.Message{Type: pb.MessageTypePing}, nil

	default:
		return nil, fmt.Errorf("%w: unexpected message type %d", ErrProtocol, msg.Type)
	}
}

// handleFindNode FIND_NODE → 至多 K 个最近节点
func (r *messageRouter) handleFindNode(remote types.PeerID, msg *pb.Message) *pb.Message {
	target := types.KeyFromBytes(msg.Key)
	return &pb.Message{
		Type:        pb.MessageTypeFindNode,
		Key:         msg.Key,
		CloserPeers: r.view.Load().closest(target, r.cfg.BucketSize, remote),
	}
}

// handleGetValue GET_VALUE → 本地记录（如有）+ 最近节点
func (r *messageRouter) handleGetValue(remote types.PeerID, msg *pb.Message) *pb.Message {
	target := types.KeyFromBytes(msg.Key)
	reply := &pb.Message{
		Type:        pb.MessageTypeGetValue,
		Key:         msg.Key,
		CloserPeers: r.view.Load().closest(target, r.cfg.BucketSize, remote),
	}

	if rec, ok := r.store.Get(msg.Key); ok {
		reply.Record = &pb.Record{
			Key:          rec.Key,
			Value:        rec.Value,
			TimeReceived: rec.TimeReceived.UTC().Format(time.RFC3339Nano),
		}
	}
	return reply
}

// handlePutValue PUT_VALUE → 校验后写入 RecordStore
func (r *messageRouter) handlePutValue(remote types.PeerID, msg *pb.Message) (*pb.Message, error) {
	if msg.Record == nil {
		return nil, fmt.Errorf("%w: PUT_VALUE without record", ErrProtocol)
	}
	if !bytes.Equal(msg.Record.Key, msg.Key) {
		return nil, fmt.Errorf("%w: record key mismatch", ErrProtocol)
	}
	if !r.limiter.allow(remote) {
		return nil, fmt.Errorf("%w: write rate limit exceeded", ErrProtocol)
	}

	received := r.clock.Now()
	if t, err := time.Parse(time.RFC3339Nano, msg.Record.TimeReceived); err == nil {
		received = t
	}

	rec := interfaces.Record{
		Key:          append([]byte(nil), msg.Record.Key...),
		Value:        append([]byte(nil), msg.Record.Value...),
		TimeReceived: received,
	}
	if err := r.store.Put(msg.Key, rec, r.cfg.RecordTTL); err != nil {
		return nil, fmt.Errorf("store put: %w", err)
	}

	r.emit(evtRecordWritten{key: append([]byte(nil), msg.Key...)})

	// 响应回显请求，表示写入成功
	return &pb.Message{Type: pb.MessageTypePutValue, Key: msg.Key, Record: msg.Record}, nil
}

// handleGetProviders GET_PROVIDERS → 本地提供者 + 最近节点
func (r *messageRouter) handleGetProviders(remote types.PeerID, msg *pb.Message) *pb.Message {
	target := types.KeyFromBytes(msg.Key)
	reply := &pb.Message{
		Type:        pb.MessageTypeGetProviders,
		Key:         msg.Key,
		CloserPeers: r.view.Load().closest(target, r.cfg.BucketSize, remote),
	}

	for _, info := range r.store.Providers(msg.Key) {
		conn := types.ConnNotConnected
		if info.ID == r.self {
			conn = types.ConnConnected
		}
		reply.ProviderPeers = append(reply.ProviderPeers, pb.PeerFromInfo(info, conn))
	}
	return reply
}

// handleAddProvider ADD_PROVIDER → 写入提供者记录
//
// 提供者 ID 必须与流对端一致，否则拒绝。无响应。
func (r *messageRouter) handleAddProvider(remote types.PeerID, msg *pb.Message) error {
	if len(msg.ProviderPeers) == 0 {
		return fmt.Errorf("%w: ADD_PROVIDER without providers", ErrProtocol)
	}
	if !r.limiter.allow(remote) {
		return fmt.Errorf("%w: write rate limit exceeded", ErrProtocol)
	}

	accepted := 0
	for i := range msg.ProviderPeers {
		info, ok := msg.ProviderPeers[i].ToPeerInfo()
		if !ok {
			continue
		}
		if info.ID != remote {
			// 只接受对端为自己做的宣告
			return fmt.Errorf("%w: provider %s does not match sender %s",
				ErrProtocol, info.ID.ShortString(), remote.ShortString())
		}
		if err := r.store.AddProvider(msg.Key, info, r.cfg.ProviderTTL); err != nil {
			return fmt.Errorf("store add provider: %w", err)
		}
		accepted++
	}

	if accepted == 0 {
		return fmt.Errorf("%w: no valid providers in ADD_PROVIDER", ErrProtocol)
	}
	return nil
}

// emit 上报事件到 MainLoop
//
// 事件通道满时等待，形成对入站流的自然背压。
func (r *messageRouter) emit(ev loopEvent) {
	if r.closed.Load() {
		return
	}
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

// close 停止处理新消息
func (r *messageRouter) close() {
	r.closed.Store(true)
}
