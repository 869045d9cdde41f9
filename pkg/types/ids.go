// Package types 定义 go-kaddht 的基础类型
//
// 这是整个系统的最底层包，不依赖任何其他 kaddht 内部包。
// 所有类型都是纯值类型，用于在各模块间传递数据。
package types

import (
	"crypto/rand"
	"errors"

	"github.com/mr-tron/base58"
)

// ============================================================================
//                              PeerID - 节点标识
// ============================================================================

// PeerIDSize PeerID 字节长度
const PeerIDSize = 32

// PeerID 节点唯一标识符
// 由公钥派生（公钥多重哈希的摘要部分）
//
// 外部表示格式：
//   - String(): Base58 编码（用户可读、可分享）
//   - ShortString(): Base58 前缀（日志简短标识）
type PeerID [PeerIDSize]byte

// EmptyPeerID 空节点 ID
var EmptyPeerID PeerID

// ErrInvalidPeerID 无效的节点 ID 错误
var ErrInvalidPeerID = errors.New("invalid peer ID: must be 32-byte Base58")

// String 返回 PeerID 的 Base58 字符串表示
//
// 这是 PeerID 的规范外部表示，用于：
//   - Bootstrap 地址中的 /p2p/<PeerID>
//   - 配置文件
//   - 日志输出
func (id PeerID) String() string {
	if id.IsEmpty() {
		return ""
	}
	return base58.Encode(id[:])
}

// ShortString 返回 PeerID 的短字符串表示
//
// 格式：Base58 前 8 个字符，用于日志中的简短标识。
func (id PeerID) ShortString() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Bytes 返回 PeerID 的字节切片
func (id PeerID) Bytes() []byte {
	return id[:]
}

// Equal 比较两个 PeerID 是否相等
func (id PeerID) Equal(other PeerID) bool {
	return id == other
}

// IsEmpty 检查 PeerID 是否为空
func (id PeerID) IsEmpty() bool {
	return id == EmptyPeerID
}

// Less 按字节序比较两个 PeerID
//
// 用于距离相等时的稳定排序。
func (id PeerID) Less(other PeerID) bool {
	for i := 0; i < PeerIDSize; i++ {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// PeerIDFromBytes 从字节切片创建 PeerID
func PeerIDFromBytes(b []byte) (PeerID, error) {
	if len(b) != PeerIDSize {
		return EmptyPeerID, ErrInvalidPeerID
	}
	var id PeerID
	copy(id[:], b)
	return id, nil
}

// ParsePeerID 从 Base58 字符串解析 PeerID
func ParsePeerID(s string) (PeerID, error) {
	if s == "" {
		return EmptyPeerID, ErrInvalidPeerID
	}

	b, err := base58.Decode(s)
	if err != nil {
		return EmptyPeerID, ErrInvalidPeerID
	}
	if len(b) != PeerIDSize {
		return EmptyPeerID, ErrInvalidPeerID
	}

	var id PeerID
	copy(id[:], b)
	return id, nil
}

// RandomPeerID 生成随机 PeerID
//
// 仅用于测试和临时身份。
func RandomPeerID() PeerID {
	var id PeerID
	_, _ = rand.Read(id[:])
	return id
}
