package types

import (
	"math/bits"

	sha256 "github.com/minio/sha256-simd"
)

// ============================================================================
//                              Key - DHT 键空间
// ============================================================================

// KeySize 键空间位数（256 位）
const KeySize = 256

// Key DHT 键空间中的 256 位值
//
// 由 PeerID 或记录键经 SHA-256 哈希派生。
// 路由表和迭代查询均以 Key 的 XOR 距离作为度量。
type Key [32]byte

// KeyFromBytes 对任意字节串哈希得到 Key
func KeyFromBytes(b []byte) Key {
	return sha256.Sum256(b)
}

// KeyOfPeer 计算 PeerID 对应的 Key
func KeyOfPeer(id PeerID) Key {
	return sha256.Sum256(id[:])
}

// Bytes 返回 Key 的字节切片
func (k Key) Bytes() []byte {
	return k[:]
}

// Equal 比较两个 Key 是否相等
func (k Key) Equal(other Key) bool {
	return k == other
}

// ============================================================================
//                              XOR 距离度量
// ============================================================================

// Distance 两个 Key 的 XOR 距离
//
// 按大端序无符号整数比较。
type Distance [32]byte

// DistanceBetween 计算两个 Key 的 XOR 距离
func DistanceBetween(a, b Key) Distance {
	var d Distance
	for i := 0; i < len(a); i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Cmp 比较两个距离
//
// 返回：
//
//	-1 如果 d < other
//	 0 如果 d == other
//	 1 如果 d > other
func (d Distance) Cmp(other Distance) int {
	for i := 0; i < len(d); i++ {
		if d[i] < other[i] {
			return -1
		}
		if d[i] > other[i] {
			return 1
		}
	}
	return 0
}

// IsZero 检查距离是否为零（自身）
func (d Distance) IsZero() bool {
	return d == Distance{}
}

// CommonPrefixLen 计算两个 Key 的共同前缀长度（按位计数）
func CommonPrefixLen(a, b Key) int {
	zeroBits := 0
	for i := 0; i < len(a); i++ {
		x := a[i] ^ b[i]
		if x == 0 {
			zeroBits += 8
			continue
		}
		return zeroBits + bits.LeadingZeros8(x)
	}
	return zeroBits
}

// BucketIndex 计算 remote 相对于 local 的 K-Bucket 索引
//
// 索引即 XOR 距离的前导零位数（0-255）。
// 距离为零表示自身，返回 -1，不入任何桶。
func BucketIndex(local, remote Key) int {
	if local == remote {
		return -1
	}
	return CommonPrefixLen(local, remote)
}

// CompareDistance 比较 a 和 b 到 target 的距离
//
// 返回：
//
//	-1 如果 dist(a, target) < dist(b, target)
//	 0 如果 dist(a, target) == dist(b, target)
//	 1 如果 dist(a, target) > dist(b, target)
func CompareDistance(a, b, target Key) int {
	return DistanceBetween(a, target).Cmp(DistanceBetween(b, target))
}

