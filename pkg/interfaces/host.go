// Package interfaces 定义 go-kaddht 消费的外部协作者接口
//
// 本文件定义 Host 接口：DHT 核心通过它拨号、开流、收发连接事件。
// 传输层、流复用和安全握手均在 Host 实现内部，不属于本仓库。
package interfaces

import (
	"context"
	"time"

	"github.com/dep2p/go-kaddht/pkg/types"
)

// Host 定义 P2P 主机接口
//
// Host 是 DHT 核心唯一的网络入口：
//   - 出站：Connect + NewStream 建立到远端的 Kad 协议流
//   - 入站：SetStreamHandler 注册的处理器收到对端打开的流
//   - 事件：Events 通道上报连接建立/断开与节点识别
type Host interface {
	// ID 返回本地节点 ID
	ID() types.PeerID

	// Addrs 返回本地对外公告地址
	Addrs() []string

	// Connect 连接到指定节点
	//
	// addrs 为 multiaddr 字符串列表；对已连接节点应快速返回 nil。
	Connect(ctx context.Context, peer types.PeerID, addrs []string) error

	// NewStream 创建到指定节点的新流
	//
	// 按列表顺序协商协议，返回协商成功的流。
	NewStream(ctx context.Context, peer types.PeerID, protocolIDs ...string) (Stream, error)

	// SetStreamHandler 为指定协议设置入站流处理器
	SetStreamHandler(protocolID string, handler StreamHandler)

	// RemoveStreamHandler 移除指定协议的入站流处理器
	RemoveStreamHandler(protocolID string)

	// Events 返回主机事件通道
	//
	// 通道在 Host 关闭时关闭。事件按发生顺序投递。
	Events() <-chan HostEvent

	// Close 关闭主机
	Close() error
}

// StreamHandler 定义入站流处理函数类型
type StreamHandler func(Stream)

// Stream 定义双向流接口
//
// 一次 Kad 交换占用一条流：请求方写入请求、读取响应后关闭。
type Stream interface {
	// Read 从流中读取数据
	Read(p []byte) (n int, err error)

	// Write 向流中写入数据
	Write(p []byte) (n int, err error)

	// Close 关闭流
	Close() error

	// Reset 重置流（异常关闭）
	Reset() error

	// SetDeadline 设置读写截止时间
	//
	// 传入零值 time.Time{} 表示不超时。
	SetDeadline(t time.Time) error

	// Protocol 返回流协商出的协议 ID
	Protocol() string

	// RemotePeer 返回流对端节点 ID
	RemotePeer() types.PeerID
}

// ============================================================================
//                              主机事件
// ============================================================================

// HostEvent 主机事件
//
// 具体类型为 EvtConnected / EvtDisconnected / EvtPeerIdentified 之一。
type HostEvent interface {
	hostEvent()
}

// EvtConnected 与节点建立了连接
type EvtConnected struct {
	Peer types.PeerID
}

// EvtDisconnected 与节点的连接已断开
type EvtDisconnected struct {
	Peer types.PeerID
}

// EvtPeerIdentified 节点完成识别
//
// Identify 流程结束后上报，携带对端公告地址与支持的协议列表。
// DHT 核心据此判断对端是否支持 Kad 协议。
type EvtPeerIdentified struct {
	Peer      types.PeerID
	Addrs     []string
	Protocols []string
}

func (EvtConnected) hostEvent() {}
func (EvtDisconnected) hostEvent() {}
func (EvtPeerIdentified) hostEvent() {}
