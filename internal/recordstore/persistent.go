package recordstore

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mr-tron/base58"

	"github.com/dep2p/go-kaddht/internal/storage/kv"
	"github.com/dep2p/go-kaddht/pkg/interfaces"
	"github.com/dep2p/go-kaddht/pkg/lib/log"
	"github.com/dep2p/go-kaddht/pkg/types"
)

var logger = log.Logger("recordstore")

const (
	// providerCacheSize 提供者查询缓存条目数
	providerCacheSize = 100

	// providerCacheTTL 提供者查询缓存时长
	providerCacheTTL = 5 * time.Minute
)

// persistedValue 持久化的值记录
type persistedValue struct {
	// Key 记录键
	Key []byte `json:"key"`
	// Value 记录值
	Value []byte `json:"value"`
	// TimeReceived 接收时间（Unix 纳秒）
	TimeReceived int64 `json:"time_received"`
}

// persistedProvider 持久化的提供者记录
type persistedProvider struct {
	// PeerID 节点 ID（Base58）
	PeerID string `json:"peer_id"`
	// Addrs 节点地址
	Addrs []string `json:"addrs"`
}

// PersistentStore 持久化记录存储
//
// 值记录与提供者记录分前缀存入 BadgerDB，过期由 Badger TTL
// 处理。提供者查询经过一层带过期的 LRU 缓存。
type PersistentStore struct {
	// values 值记录存储（前缀 v/）
	values *kv.Store

	// providers 提供者记录存储（前缀 p/）
	providers *kv.Store

	// cache 提供者查询缓存
	cache *expirable.LRU[string, []types.PeerInfo]

	// engine 底层引擎（Close 时关闭）
	engine *kv.Engine

	clock clock.Clock
}

// NewPersistentStore 创建持久化记录存储
//
// dir 为 BadgerDB 数据目录。
func NewPersistentStore(dir string, clk clock.Clock) (*PersistentStore, error) {
	engine, err := kv.Open(dir)
	if err != nil {
		return nil, err
	}
	return newPersistentStore(engine, clk), nil
}

// NewPersistentStoreInMemory 创建基于内存引擎的持久化存储（测试用）
func NewPersistentStoreInMemory(clk clock.Clock) (*PersistentStore, error) {
	engine, err := kv.OpenInMemory()
	if err != nil {
		return nil, err
	}
	return newPersistentStore(engine, clk), nil
}

func newPersistentStore(engine *kv.Engine, clk clock.Clock) *PersistentStore {
	if clk == nil {
		clk = clock.New()
	}
	return &PersistentStore{
		values:    kv.New(engine, []byte("v/")),
		providers: kv.New(engine, []byte("p/")),
		cache:     expirable.NewLRU[string, []types.PeerInfo](providerCacheSize, nil, providerCacheTTL),
		engine:    engine,
		clock:     clk,
	}
}

// Put 存储值记录
func (s *PersistentStore) Put(key []byte, rec interfaces.Record, ttl time.Duration) error {
	data, err := json.Marshal(persistedValue{
		Key:          rec.Key,
		Value:        rec.Value,
		TimeReceived: rec.TimeReceived.UnixNano(),
	})
	if err != nil {
		return err
	}
	return s.values.PutTTL(key, data, ttl)
}

// Get 获取值记录
func (s *PersistentStore) Get(key []byte) (interfaces.Record, bool) {
	data, err := s.values.Get(key)
	if errors.Is(err, kv.ErrNotFound) {
		return interfaces.Record{}, false
	}
	if err != nil {
		logger.Warn("读取值记录失败", "error", err)
		return interfaces.Record{}, false
	}

	var p persistedValue
	if err := json.Unmarshal(data, &p); err != nil {
		// 损坏的数据当作不存在
		logger.Warn("值记录损坏", "error", err)
		return interfaces.Record{}, false
	}
	return interfaces.Record{
		Key:          p.Key,
		Value:        p.Value,
		TimeReceived: time.Unix(0, p.TimeReceived),
	}, true
}

// providerKey 生成提供者存储键
//
// 格式: {key}/{peerID}。Base58 不含 '/'，解析取最后一段。
func providerKey(key []byte, id types.PeerID) []byte {
	return []byte(string(key) + "/" + id.String())
}

// AddProvider 添加提供者记录
func (s *PersistentStore) AddProvider(key []byte, provider types.PeerInfo, ttl time.Duration) error {
	data, err := json.Marshal(persistedProvider{
		PeerID: provider.ID.String(),
		Addrs:  provider.Addrs,
	})
	if err != nil {
		return err
	}
	if err := s.providers.PutTTL(providerKey(key, provider.ID), data, ttl); err != nil {
		return err
	}

	s.cache.Remove(string(key))
	return nil
}

// Providers 返回键的未过期提供者列表
func (s *PersistentStore) Providers(key []byte) []types.PeerInfo {
	if cached, ok := s.cache.Get(string(key)); ok {
		return cached
	}

	var out []types.PeerInfo
	prefix := []byte(string(key) + "/")
	err := s.providers.PrefixScan(prefix, func(storeKey, value []byte) bool {
		var p persistedProvider
		if err := json.Unmarshal(value, &p); err != nil {
			return true
		}

		// 键尾段与记录内的 PeerID 必须一致
		idx := strings.LastIndex(string(storeKey), "/")
		if idx == -1 || string(storeKey)[idx+1:] != p.PeerID {
			return true
		}

		raw, err := base58.Decode(p.PeerID)
		if err != nil {
			return true
		}
		id, err := types.PeerIDFromBytes(raw)
		if err != nil {
			return true
		}
		out = append(out, types.PeerInfo{ID: id, Addrs: p.Addrs})
		return true
	})
	if err != nil {
		logger.Warn("提供者扫描失败", "error", err)
		return nil
	}

	s.cache.Add(string(key), out)
	return out
}

// Close 关闭存储
func (s *PersistentStore) Close() error {
	return s.engine.Close()
}

var _ interfaces.RecordStore = (*PersistentStore)(nil)
