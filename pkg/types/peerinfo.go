package types

// ============================================================================
//                              PeerInfo - 节点信息
// ============================================================================

// PeerInfo 节点信息
//
// 用于在模块间传递节点 ID 与已知地址。
type PeerInfo struct {
	// ID 节点 ID
	ID PeerID

	// Addrs 地址列表（Multiaddr 字符串格式）
	Addrs []string
}

// HasAddrs 检查是否有地址
func (pi PeerInfo) HasAddrs() bool {
	return len(pi.Addrs) > 0
}

// ============================================================================
//                              ConnectionType - 连接状态提示
// ============================================================================

// ConnectionType 节点可达性的线路级提示
//
// 与 Kad 协议 Message.ConnectionType 的取值一一对应。
type ConnectionType int32

const (
	// ConnNotConnected 发送者未尝试连接该节点
	ConnNotConnected ConnectionType = 0
	// ConnConnected 发送者当前与该节点有连接
	ConnConnected ConnectionType = 1
	// ConnCanConnect 发送者最近成功连接过该节点
	ConnCanConnect ConnectionType = 2
	// ConnCannotConnect 发送者尝试连接该节点但失败
	ConnCannotConnect ConnectionType = 3
)

// String 返回连接状态的字符串表示
func (c ConnectionType) String() string {
	switch c {
	case ConnNotConnected:
		return "NOT_CONNECTED"
	case ConnConnected:
		return "CONNECTED"
	case ConnCanConnect:
		return "CAN_CONNECT"
	case ConnCannotConnect:
		return "CANNOT_CONNECT"
	default:
		return "UNKNOWN"
	}
}

// Valid 检查取值是否为协议定义的状态之一
func (c ConnectionType) Valid() bool {
	return c >= ConnNotConnected && c <= ConnCannotConnect
}
