package kad

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dep2p/go-kaddht/internal/kad/pb"
	"github.com/dep2p/go-kaddht/pkg/interfaces"
	"github.com/dep2p/go-kaddht/pkg/types"
)

// ============================================================================
// 测试用内存网络
// ============================================================================

// mocknet 进程内节点网络
//
// 主机之间通过 net.Pipe 互联，流经过真实编解码路径。
type mocknet struct {
	hosts map[types.PeerID]*mockHost
	mu    sync.Mutex
}

// newMocknet 创建内存网络
func newMocknet() *mocknet {
	return &mocknet{hosts: make(map[types.PeerID]*mockHost)}
}

// newHost 创建并接入一台主机
func (m *mocknet) newHost() *mockHost {
	h := &mockHost{
		id:       types.RandomPeerID(),
		net:      m,
		handlers: make(map[string]interfaces.StreamHandler),
		events:   make(chan interfaces.HostEvent, 64),
		failDial: make(map[types.PeerID]bool),
	}
	h.addrs = []string{"/memory/" + h.id.ShortString()}

	m.mu.Lock()
	m.hosts[h.id] = h
	m.mu.Unlock()
	return h
}

// lookup 查找主机
func (m *mocknet) lookup(id types.PeerID) *mockHost {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hosts[id]
}

// mockHost 内存主机
type mockHost struct {
	id    types.PeerID
	addrs []string
	net   *mocknet

	handlers map[string]interfaces.StreamHandler
	events   chan interfaces.HostEvent

	// failDial 拨号失败注入
	failDial map[types.PeerID]bool

	mu sync.Mutex
}

func (h *mockHost) ID() types.PeerID { return h.id }
func (h *mockHost) Addrs() []string  { return h.addrs }

func (h *mockHost) Connect(_ context.Context, peer types.PeerID, _ []string) error {
	h.mu.Lock()
	fail := h.failDial[peer]
	h.mu.Unlock()
	if fail {
		return fmt.Errorf("mockhost: dial to %s refused", peer.ShortString())
	}
	if h.net.lookup(peer) == nil {
		return fmt.Errorf("mockhost: unknown peer %s", peer.ShortString())
	}
	return nil
}

func (h *mockHost) NewStream(ctx context.Context, peer types.PeerID, protocolIDs ...string) (interfaces.Stream, error) {
	if err := h.Connect(ctx, peer, nil); err != nil {
		return nil, err
	}

	target := h.net.lookup(peer)
	target.mu.Lock()
	var handler interfaces.StreamHandler
	var proto string
	for _, pid := range protocolIDs {
		if hd, ok := target.handlers[pid]; ok {
			handler, proto = hd, pid
			break
		}
	}
	target.mu.Unlock()

	if handler == nil {
		return nil, fmt.Errorf("mockhost: peer %s speaks none of %v", peer.ShortString(), protocolIDs)
	}

	c1, c2 := net.Pipe()
	local := &mockStream{conn: c1, remote: peer, proto: proto}
	remoteEnd := &mockStream{conn: c2, remote: h.id, proto: proto}
	go handler(remoteEnd)
	return local, nil
}

func (h *mockHost) SetStreamHandler(protocolID string, handler interfaces.StreamHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[protocolID] = handler
}

func (h *mockHost) RemoveStreamHandler(protocolID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers, protocolID)
}

func (h *mockHost) Events() <-chan interfaces.HostEvent { return h.events }

func (h *mockHost) Close() error { return nil }

// setDialFailure 注入拨号失败
func (h *mockHost) setDialFailure(peer types.PeerID, fail bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failDial[peer] = fail
}

// emitEvent 注入主机事件
func (h *mockHost) emitEvent(ev interfaces.HostEvent) {
	h.events <- ev
}

// info 返回主机的 PeerInfo
func (h *mockHost) info() types.PeerInfo {
	return types.PeerInfo{ID: h.id, Addrs: h.addrs}
}

var _ interfaces.Host = (*mockHost)(nil)

// mockStream net.Pipe 封装
type mockStream struct {
	conn   net.Conn
	remote types.PeerID
	proto  string
}

func (s *mockStream) Read(p []byte) (int, error) { return s.conn.Read(p) }
func (s *mockStream) Write(p []byte) (int, error) { return s.conn.Write(p) }
func (s *mockStream) Close() error { return s.conn.Close() }
func (s *mockStream) Reset() error { return s.conn.Close() }
func (s *mockStream) SetDeadline(t time.Time) error { return s.conn.SetDeadline(t) }
func (s *mockStream) Protocol() string { return s.proto }
func (s *mockStream) RemotePeer() types.PeerID { return s.remote }

var _ interfaces.Stream = (*mockStream)(nil)

// ============================================================================
// 脚本化应答主机
// ============================================================================

// serveScripted 在主机上注册脚本化 Kad 应答
//
// respond 返回 nil 时关闭流不回复。
func serveScripted(h *mockHost, protocolID string, respond func(remote types.PeerID, msg *pb.Message) *pb.Message) {
	h.SetStreamHandler(protocolID, func(s interfaces.Stream) {
		defer s.Close()
		for {
			msg, err := ReadMessage(s)
			if err != nil {
				return
			}
			reply := respond(s.RemotePeer(), msg)
			if reply == nil {
				return
			}
			if err := WriteMessage(s, reply); err != nil {
				return
			}
		}
	})
}

// closerPeersReply 构造 FIND_NODE 应答
func closerPeersReply(key []byte, peers ...types.PeerInfo) *pb.Message {
	reply := &pb.Message{Type: pb.MessageTypeFindNode, Key: key}
	for _, info := range peers {
		reply.CloserPeers = append(reply.CloserPeers, pb.PeerFromInfo(info, types.ConnCanConnect))
	}
	return reply
}
