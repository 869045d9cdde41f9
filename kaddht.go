// Package kaddht 是 go-kaddht 的公共入口
//
// 实现位于 internal/kad；本包只做类型与构造函数的再导出，
// 保持外部导入路径稳定。
package kaddht

import (
	"github.com/dep2p/go-kaddht/internal/kad"
	"github.com/dep2p/go-kaddht/internal/recordstore"
	"github.com/dep2p/go-kaddht/pkg/interfaces"
)

// DHT Kademlia DHT 节点核心
type DHT = kad.DHT

// Controller DHT 对外操作句柄
type Controller = kad.Controller

// Config DHT 配置
type Config = kad.Config

// Option 配置选项函数
type Option = kad.ConfigOption

// DumpSnapshot 节点状态快照
type DumpSnapshot = kad.DumpSnapshot

// StatsSnapshot 运行统计快照
type StatsSnapshot = kad.StatsSnapshot

// Module Fx 模块
var Module = kad.Module

// 常用配置选项
var (
	WithBucketSize        = kad.WithBucketSize
	WithAlpha             = kad.WithAlpha
	WithBeta              = kad.WithBeta
	WithGetQuorum         = kad.WithGetQuorum
	WithReplicationFactor = kad.WithReplicationFactor
	WithRefreshInterval   = kad.WithRefreshInterval
	WithRPCTimeout        = kad.WithRPCTimeout
	WithQueryDeadline     = kad.WithQueryDeadline
	WithRecordTTL         = kad.WithRecordTTL
	WithProviderTTL       = kad.WithProviderTTL
	WithProtocolIDs       = kad.WithProtocolIDs
	WithBootstrapPeers    = kad.WithBootstrapPeers
	WithClock             = kad.WithClock
)

// 错误再导出
var (
	ErrNoKnownPeers = kad.ErrNoKnownPeers
	ErrTimeout      = kad.ErrTimeout
	ErrUnreachable  = kad.ErrUnreachable
	ErrProtocol     = kad.ErrProtocol
	ErrNotFound     = kad.ErrNotFound
	ErrStopped      = kad.ErrStopped
)

// New 创建 DHT
//
// store 为 nil 时使用内存记录存储。
func New(host interfaces.Host, store interfaces.RecordStore, opts ...Option) (*DHT, error) {
	return kad.New(host, store, opts...)
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return kad.DefaultConfig()
}

// NewMemoryRecordStore 创建内存记录存储
func NewMemoryRecordStore() interfaces.RecordStore {
	return recordstore.NewMemoryStore(nil)
}

// NewPersistentRecordStore 创建 BadgerDB 持久化记录存储
func NewPersistentRecordStore(dir string) (interfaces.RecordStore, error) {
	return recordstore.NewPersistentStore(dir, nil)
}
