package kad

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-kaddht/pkg/types"
)

// DefaultProtocolID Kad 协议 ID
const DefaultProtocolID = "/ipfs/kad/1.0.0"

// Config Kad DHT 配置
type Config struct {
	// BucketSize K-桶大小
	BucketSize int

	// Alpha 每个查询的并发 RPC 数
	Alpha int

	// Beta 连续无改进轮数达到该值时终止查询
	Beta int

	// GetQuorum GET_VALUE 提前终止所需的一致记录数
	GetQuorum int

	// ReplicationFactor PUT_VALUE/ADD_PROVIDER 写入的目标节点数
	ReplicationFactor int

	// RefreshInterval 路由表刷新间隔
	RefreshInterval time.Duration

	// RPCTimeout 单次 RPC 超时
	RPCTimeout time.Duration

	// QueryDeadline 单个查询的总截止时间
	QueryDeadline time.Duration

	// StaleReplaceThreshold 满桶替换的失活门限
	//
	// 桶满时，活性时间早于该门限的旧表项可被新节点替换。
	StaleReplaceThreshold time.Duration

	// StaleEvictThreshold 健康检查的失活门限
	//
	// 周期健康检查会驱逐活性时间早于该门限的表项。
	StaleEvictThreshold time.Duration

	// FailureEvictGrace 失败 RPC 触发驱逐的活性宽限
	//
	// 查询中对某节点的 RPC 失败时，仅当其活性时间早于该宽限
	// 才从路由表移除，避免单次抖动驱逐新加入的节点。
	FailureEvictGrace time.Duration

	// RecordTTL 值记录 TTL
	RecordTTL time.Duration

	// ProviderTTL 提供者记录 TTL
	ProviderTTL time.Duration

	// ProtocolIDs Kad 协议 ID 列表（首个用于出站协商）
	ProtocolIDs []string

	// BootstrapPeers 引导节点
	BootstrapPeers []types.PeerInfo

	// CommandBuffer 命令通道容量
	CommandBuffer int

	// EventBuffer 事件通道容量
	EventBuffer int

	// Clock 时钟源（测试注入 mock）
	Clock clock.Clock
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		BucketSize:            20,
		Alpha:                 3,
		Beta:                  3,
		GetQuorum:             1,
		ReplicationFactor:     3,
		RefreshInterval:       10 * time.Minute,
		RPCTimeout:            10 * time.Second,
		QueryDeadline:         60 * time.Second,
		StaleReplaceThreshold: 10 * time.Minute,
		StaleEvictThreshold:   1 * time.Hour,
		FailureEvictGrace:     1 * time.Minute,
		RecordTTL:             24 * time.Hour,
		ProviderTTL:           24 * time.Hour,
		ProtocolIDs:           []string{DefaultProtocolID},
		BootstrapPeers:        nil,
		CommandBuffer:         64,
		EventBuffer:           64,
		Clock:                 clock.New(),
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.BucketSize <= 0 {
		return errors.New("bucket size must be positive")
	}

	if c.Alpha <= 0 {
		return errors.New("alpha must be positive")
	}

	if c.Beta <= 0 {
		return errors.New("beta must be positive")
	}

	if c.GetQuorum <= 0 {
		return errors.New("get quorum must be positive")
	}

	if c.ReplicationFactor <= 0 {
		return errors.New("replication factor must be positive")
	}

	if c.RefreshInterval <= 0 {
		return errors.New("refresh interval must be positive")
	}

	if c.RPCTimeout <= 0 {
		return errors.New("rpc timeout must be positive")
	}

	if c.QueryDeadline <= 0 {
		return errors.New("query deadline must be positive")
	}

	if c.StaleReplaceThreshold <= 0 {
		return errors.New("stale replace threshold must be positive")
	}

	if c.StaleEvictThreshold <= 0 {
		return errors.New("stale evict threshold must be positive")
	}

	if c.RecordTTL <= 0 {
		return errors.New("record TTL must be positive")
	}

	if c.ProviderTTL <= 0 {
		return errors.New("provider TTL must be positive")
	}

	if len(c.ProtocolIDs) == 0 {
		return errors.New("at least one protocol ID required")
	}

	if c.Clock == nil {
		return errors.New("clock must not be nil")
	}

	return nil
}

// ConfigOption 配置选项函数
type ConfigOption func(*Config)

// WithBucketSize 设置 K-桶大小
func WithBucketSize(size int) ConfigOption {
	return func(c *Config) {
		c.BucketSize = size
	}
}

// WithAlpha 设置并发查询参数
func WithAlpha(alpha int) ConfigOption {
	return func(c *Config) {
		c.Alpha = alpha
	}
}

// WithBeta 设置失速终止轮数
func WithBeta(beta int) ConfigOption {
	return func(c *Config) {
		c.Beta = beta
	}
}

// WithGetQuorum 设置 GET_VALUE 提前终止所需的一致记录数
func WithGetQuorum(q int) ConfigOption {
	return func(c *Config) {
		c.GetQuorum = q
	}
}

// WithReplicationFactor 设置写入复制因子
func WithReplicationFactor(r int) ConfigOption {
	return func(c *Config) {
		c.ReplicationFactor = r
	}
}

// WithRefreshInterval 设置刷新间隔
func WithRefreshInterval(interval time.Duration) ConfigOption {
	return func(c *Config) {
		c.RefreshInterval = interval
	}
}

// WithRPCTimeout 设置单次 RPC 超时
func WithRPCTimeout(timeout time.Duration) ConfigOption {
	return func(c *Config) {
		c.RPCTimeout = timeout
	}
}

// WithQueryDeadline 设置查询截止时间
func WithQueryDeadline(deadline time.Duration) ConfigOption {
	return func(c *Config) {
		c.QueryDeadline = deadline
	}
}

// WithStaleReplaceThreshold 设置满桶替换的失活门限
func WithStaleReplaceThreshold(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.StaleReplaceThreshold = d
	}
}

// WithStaleEvictThreshold 设置健康检查的失活门限
func WithStaleEvictThreshold(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.StaleEvictThreshold = d
	}
}

// WithRecordTTL 设置值记录 TTL
func WithRecordTTL(ttl time.Duration) ConfigOption {
	return func(c *Config) {
		c.RecordTTL = ttl
	}
}

// WithProviderTTL 设置提供者记录 TTL
func WithProviderTTL(ttl time.Duration) ConfigOption {
	return func(c *Config) {
		c.ProviderTTL = ttl
	}
}

// WithProtocolIDs 设置 Kad 协议 ID 列表
func WithProtocolIDs(ids ...string) ConfigOption {
	return func(c *Config) {
		c.ProtocolIDs = ids
	}
}

// WithBootstrapPeers 设置引导节点
func WithBootstrapPeers(peers []types.PeerInfo) ConfigOption {
	return func(c *Config) {
		c.BootstrapPeers = peers
	}
}

// WithClock 设置时钟源
func WithClock(clk clock.Clock) ConfigOption {
	return func(c *Config) {
		c.Clock = clk
	}
}
