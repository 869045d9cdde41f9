// Package recordstore 实现 DHT 记录存储
//
// 提供两种 RecordStore 实现：
//   - MemoryStore: 纯内存，默认使用
//   - PersistentStore: BadgerDB 持久化，进程重启后记录仍在
//
// 两者都保存带 TTL 的值记录和提供者记录，并发安全。
package recordstore

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-kaddht/pkg/interfaces"
	"github.com/dep2p/go-kaddht/pkg/types"
)

// ============================================================================
//                              内存存储
// ============================================================================

// memValue 带过期时间的值记录
type memValue struct {
	rec       interfaces.Record
	expiresAt time.Time
}

// memProvider 带过期时间的提供者记录
type memProvider struct {
	info      types.PeerInfo
	expiresAt time.Time
}

// MemoryStore 内存记录存储
//
// 过期记录在读取时惰性剔除。
type MemoryStore struct {
	values    map[string]memValue
	providers map[string]map[types.PeerID]memProvider
	clock     clock.Clock
	mu        sync.RWMutex
}

// NewMemoryStore 创建内存记录存储
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{
		values:    make(map[string]memValue),
		providers: make(map[string]map[types.PeerID]memProvider),
		clock:     clk,
	}
}

// Put 存储值记录
func (s *MemoryStore) Put(key []byte, rec interfaces.Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[string(key)] = memValue{
		rec:       rec,
		expiresAt: s.clock.Now().Add(ttl),
	}
	return nil
}

// Get 获取值记录
func (s *MemoryStore) Get(key []byte) (interfaces.Record, bool) {
	s.mu.RLock()
	v, ok := s.values[string(key)]
	s.mu.RUnlock()

	if !ok {
		return interfaces.Record{}, false
	}
	if s.clock.Now().After(v.expiresAt) {
		s.mu.Lock()
		delete(s.values, string(key))
		s.mu.Unlock()
		return interfaces.Record{}, false
	}
	return v.rec, true
}

// AddProvider 添加提供者记录
func (s *MemoryStore) AddProvider(key []byte, provider types.PeerInfo, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := string(key)
	if s.providers[k] == nil {
		s.providers[k] = make(map[types.PeerID]memProvider)
	}
	s.providers[k][provider.ID] = memProvider{
		info:      provider,
		expiresAt: s.clock.Now().Add(ttl),
	}
	return nil
}

// Providers 返回键的未过期提供者列表
func (s *MemoryStore) Providers(key []byte) []types.PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := string(key)
	now := s.clock.Now()

	var out []types.PeerInfo
	for id, p := range s.providers[k] {
		if now.After(p.expiresAt) {
			delete(s.providers[k], id)
			continue
		}
		out = append(out, p.info)
	}
	if len(s.providers[k]) == 0 {
		delete(s.providers, k)
	}
	return out
}

// Close 关闭存储
func (s *MemoryStore) Close() error {
	return nil
}

var _ interfaces.RecordStore = (*MemoryStore)(nil)
