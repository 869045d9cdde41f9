// 本文件定义 RecordStore 接口，对应 internal/recordstore/ 实现。
package interfaces

import (
	"time"

	"github.com/dep2p/go-kaddht/pkg/types"
)

// Record DHT 值记录
type Record struct {
	// Key 记录键（原始字节，未哈希）
	Key []byte

	// Value 记录值
	Value []byte

	// TimeReceived 记录的接收时间
	//
	// 经网络收到的记录沿用消息中可解析的时间戳，否则取本节点收到时的时间。
	TimeReceived time.Time
}

// RecordStore 定义被动键值存储接口
//
// RecordStore 保存 GET_VALUE/PUT_VALUE 的值记录和
// ADD_PROVIDER/GET_PROVIDERS 的提供者记录，带 TTL 过期。
// 实现必须并发安全：MessageRouter 和 MainLoop 会同时访问。
type RecordStore interface {
	// Put 存储值记录
	Put(key []byte, rec Record, ttl time.Duration) error

	// Get 获取值记录
	//
	// 记录不存在或已过期时返回 (Record{}, false)。
	Get(key []byte) (Record, bool)

	// AddProvider 添加提供者记录
	AddProvider(key []byte, provider types.PeerInfo, ttl time.Duration) error

	// Providers 返回键的未过期提供者列表
	Providers(key []byte) []types.PeerInfo

	// Close 关闭存储
	Close() error
}
