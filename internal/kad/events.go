package kad

import (
	"context"
	"time"

	"github.com/dep2p/go-kaddht/internal/kad/pb"
	"github.com/dep2p/go-kaddht/pkg/interfaces"
	"github.com/dep2p/go-kaddht/pkg/types"
)

// ============================================================================
//                              查询标识
// ============================================================================

// QueryID 查询标识，单调递增
type QueryID uint64

// QueryType 查询类型
type QueryType int

const (
	// QueryFindNode 节点查找
	QueryFindNode QueryType = iota
	// QueryGetValue 值查找
	QueryGetValue
	// QueryPutValue 值写入
	QueryPutValue
	// QueryAddProvider 提供者宣告
	QueryAddProvider
	// QueryGetProviders 提供者查找
	QueryGetProviders
)

// String 返回查询类型的字符串表示
func (q QueryType) String() string {
	switch q {
	case QueryFindNode:
		return "FIND_NODE"
	case QueryGetValue:
		return "GET_VALUE"
	case QueryPutValue:
		return "PUT_VALUE"
	case QueryAddProvider:
		return "ADD_PROVIDER"
	case QueryGetProviders:
		return "GET_PROVIDERS"
	default:
		return "UNKNOWN"
	}
}

// ============================================================================
//                              查询结果
// ============================================================================

// QueryStats 单个查询的计数
type QueryStats struct {
	// Rounds 完成的轮数
	Rounds int `json:"rounds"`

	// Contacted 发出过 RPC 的节点数
	Contacted int `json:"contacted"`

	// Succeeded 成功响应的节点数
	Succeeded int `json:"succeeded"`

	// Failed 失败或超时的节点数
	Failed int `json:"failed"`

	// Elapsed 查询耗时
	Elapsed time.Duration `json:"elapsed"`
}

// QueryResult 查询的最终产出
type QueryResult struct {
	// Peers 至多 K 个成功节点，按距目标升序
	Peers []types.PeerInfo

	// Record GET_VALUE 找到的记录
	Record *interfaces.Record

	// Providers GET_PROVIDERS 收集的提供者
	Providers []types.PeerInfo

	// Acks PUT_VALUE/ADD_PROVIDER 确认写入的节点数
	Acks int

	// Stats 查询计数
	Stats QueryStats
}

// ============================================================================
//                              控制器命令
// ============================================================================

// command MainLoop 输入命令
type command interface {
	isCommand()
}

type cmdBootstrap struct {
	ctx   context.Context
	reply chan error
}

type cmdFindPeer struct {
	ctx   context.Context
	peer  types.PeerID
	reply chan findPeerReply
}

type findPeerReply struct {
	info types.PeerInfo
	err  error
}

type cmdFindProviders struct {
	ctx   context.Context
	key   []byte
	reply chan providersReply
}

type providersReply struct {
	providers []types.PeerInfo
	err       error
}

type cmdGetValue struct {
	ctx   context.Context
	key   []byte
	reply chan valueReply
}

type valueReply struct {
	record interfaces.Record
	err    error
}

type cmdPutValue struct {
	ctx   context.Context
	key   []byte
	value []byte
	reply chan writeReply
}

type cmdAddProvider struct {
	ctx   context.Context
	key   []byte
	reply chan writeReply
}

type writeReply struct {
	acks int
	err  error
}

type cmdAddPeer struct {
	info  types.PeerInfo
	reply chan error
}

type cmdRemovePeer struct {
	peer  types.PeerID
	reply chan error
}

type cmdDump struct {
	reply chan DumpSnapshot
}

type cmdStats struct {
	reply chan StatsSnapshot
}

func (cmdBootstrap) isCommand() {}
func (cmdFindPeer) isCommand() {}
func (cmdFindProviders) isCommand() {}
func (cmdGetValue) isCommand() {}
func (cmdPutValue) isCommand() {}
func (cmdAddProvider) isCommand() {}
func (cmdAddPeer) isCommand() {}
func (cmdRemovePeer) isCommand() {}
func (cmdDump) isCommand() {}
func (cmdStats) isCommand() {}

// ============================================================================
//                              内部事件
// ============================================================================

// loopEvent MainLoop 输入事件（来自 MessageRouter 和 QueryTask）
type loopEvent interface {
	isEvent()
}

// evtPeerSeen 入站消息确证节点存活
type evtPeerSeen struct {
	peer    types.PeerID
	msgType pb.MessageType
}

// evtRecordWritten 入站 PUT_VALUE 已写入本地存储
type evtRecordWritten struct {
	key []byte
}

// evtQueryProgress 查询任务的单节点 RPC 结束
type evtQueryProgress struct {
	qid     QueryID
	peer    types.PeerID
	addrs   []string
	rpcType pb.MessageType
	success bool
}

// evtQueryCompleted 查询任务结束
type evtQueryCompleted struct {
	qid    QueryID
	result *QueryResult
	err    error
}

func (evtPeerSeen) isEvent() {}
func (evtRecordWritten) isEvent() {}
func (evtQueryProgress) isEvent() {}
func (evtQueryCompleted) isEvent() {}

// ============================================================================
//                              Dump 快照
// ============================================================================

// EntryInfo 表项的可序列化视图
type EntryInfo struct {
	ID        string    `json:"id"`
	Addrs     []string  `json:"addrs"`
	Aliveness time.Time `json:"aliveness"`
	ConnType  string    `json:"conn_type"`
	Connected bool      `json:"connected"`
}

// QueryInfo 活动查询的可序列化视图
type QueryInfo struct {
	ID      QueryID   `json:"id"`
	Type    string    `json:"type"`
	Started time.Time `json:"started"`
}

// DumpSnapshot 节点状态快照
type DumpSnapshot struct {
	Local         string      `json:"local"`
	TableSize     int         `json:"table_size"`
	Table         []EntryInfo `json:"table"`
	Connected     []string    `json:"connected"`
	ActiveQueries []QueryInfo `json:"active_queries"`
}
