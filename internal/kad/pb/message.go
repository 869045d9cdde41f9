// Package pb 实现 Kad 协议线格式消息
//
// 消息模型与标准 Kad 协议 schema 一致：
//
//	message Message {
//	    MessageType type = 1;
//	    bytes key = 2;
//	    Record record = 3;
//	    repeated Peer closerPeers = 8;
//	    repeated Peer providerPeers = 9;
//	    int32 clusterLevelRaw = 10;
//	}
//	message Peer { bytes id = 1; repeated bytes addrs = 2; ConnectionType connection = 3; }
//	message Record { bytes key = 1; bytes value = 2; string timeReceived = 5; }
//
// 编解码基于 protowire 直接实现。未知字段按线类型跳过，
// 因此携带 publisher/expiry 等扩展字段的消息可以正常解码。
package pb

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-kaddht/pkg/types"
)

// ============================================================================
//                              消息类型
// ============================================================================

// MessageType Kad 消息类型
type MessageType int32

const (
	// MessageTypePutValue PUT_VALUE 存储值
	MessageTypePutValue MessageType = 0
	// MessageTypeGetValue GET_VALUE 查找值
	MessageTypeGetValue MessageType = 1
	// MessageTypeAddProvider ADD_PROVIDER 宣告提供者
	MessageTypeAddProvider MessageType = 2
	// MessageTypeGetProviders GET_PROVIDERS 查找提供者
	MessageTypeGetProviders MessageType = 3
	// MessageTypeFindNode FIND_NODE 查找节点
	MessageTypeFindNode MessageType = 4
	// MessageTypePing PING 心跳
	MessageTypePing MessageType = 5
)

// String 返回消息类型的字符串表示
func (m MessageType) String() string {
	switch m {
	case MessageTypePutValue:
		return "PUT_VALUE"
	case MessageTypeGetValue:
		return "GET_VALUE"
	case MessageTypeAddProvider:
		return "ADD_PROVIDER"
	case MessageTypeGetProviders:
		return "GET_PROVIDERS"
	case MessageTypeFindNode:
		return "FIND_NODE"
	case MessageTypePing:
		return "PING"
	default:
		return "UNKNOWN"
	}
}

// Valid 检查取值是否为协议定义的类型之一
func (m MessageType) Valid() bool {
	return m >= MessageTypePutValue && m <= MessageTypePing
}

// ============================================================================
//                              消息结构
// ============================================================================

// ErrDecode 消息解码失败
var ErrDecode = errors.New("pb: message decode failed")

// Peer 消息中携带的节点记录
type Peer struct {
	// ID 节点 ID 原始字节
	ID []byte

	// Addrs 地址列表（multiaddr 字节串）
	Addrs [][]byte

	// Connection 发送者对该节点的连接状态提示
	Connection types.ConnectionType
}

// Record 消息中携带的值记录
type Record struct {
	// Key 记录键
	Key []byte

	// Value 记录值
	Value []byte

	// TimeReceived 接收时间（RFC 3339 格式字符串）
	TimeReceived string
}

// Message Kad 协议消息
type Message struct {
	// Type 消息类型
	Type MessageType

	// Key 目标键（FIND_NODE 为目标节点 ID 字节；值/提供者操作为记录键）
	Key []byte

	// Record 值记录（PUT_VALUE 请求与 GET_VALUE 响应携带）
	Record *Record

	// CloserPeers 距目标更近的节点列表（响应携带）
	CloserPeers []Peer

	// ProviderPeers 提供者节点列表（ADD_PROVIDER 请求与 GET_PROVIDERS 响应携带）
	ProviderPeers []Peer

	// ClusterLevelRaw 兼容字段，读写均忽略语义
	ClusterLevelRaw int32
}

// 字段编号（与标准 Kad schema 对齐）
const (
	fieldType          = 1
	fieldKey           = 2
	fieldRecord        = 3
	fieldCloserPeers   = 8
	fieldProviderPeers = 9
	fieldClusterLevel  = 10

	fieldPeerID         = 1
	fieldPeerAddrs      = 2
	fieldPeerConnection = 3

	fieldRecordKey          = 1
	fieldRecordValue        = 2
	fieldRecordTimeReceived = 5
)

// ============================================================================
//                              编码
// ============================================================================

// Marshal 编码消息为协议缓冲区线格式
//
// 与 proto3 序列化器一致，零值字段不写入。
func (m *Message) Marshal() []byte {
	var b []byte

	if m.Type != 0 {
		b = protowire.AppendTag(b, fieldType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Type))
	}
	if len(m.Key) > 0 {
		b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Key)
	}
	if m.Record != nil {
		b = protowire.AppendTag(b, fieldRecord, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Record.marshal())
	}
	for i := range m.CloserPeers {
		b = protowire.AppendTag(b, fieldCloserPeers, protowire.BytesType)
		b = protowire.AppendBytes(b, m.CloserPeers[i].marshal())
	}
	for i := range m.ProviderPeers {
		b = protowire.AppendTag(b, fieldProviderPeers, protowire.BytesType)
		b = protowire.AppendBytes(b, m.ProviderPeers[i].marshal())
	}
	if m.ClusterLevelRaw != 0 {
		b = protowire.AppendTag(b, fieldClusterLevel, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(m.ClusterLevelRaw)))
	}

	return b
}

// marshal 编码 Peer 子消息
func (p *Peer) marshal() []byte {
	var b []byte

	if len(p.ID) > 0 {
		b = protowire.AppendTag(b, fieldPeerID, protowire.BytesType)
		b = protowire.AppendBytes(b, p.ID)
	}
	for _, addr := range p.Addrs {
		b = protowire.AppendTag(b, fieldPeerAddrs, protowire.BytesType)
		b = protowire.AppendBytes(b, addr)
	}
	if p.Connection != 0 {
		b = protowire.AppendTag(b, fieldPeerConnection, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.Connection))
	}

	return b
}

// marshal 编码 Record 子消息
func (r *Record) marshal() []byte {
	var b []byte

	if len(r.Key) > 0 {
		b = protowire.AppendTag(b, fieldRecordKey, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Key)
	}
	if len(r.Value) > 0 {
		b = protowire.AppendTag(b, fieldRecordValue, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Value)
	}
	if r.TimeReceived != "" {
		b = protowire.AppendTag(b, fieldRecordTimeReceived, protowire.BytesType)
		b = protowire.AppendString(b, r.TimeReceived)
	}

	return b
}

// ============================================================================
//                              解码
// ============================================================================

// Unmarshal 从线格式解码消息
func (m *Message) Unmarshal(data []byte) error {
	*m = Message{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: bad tag", ErrDecode)
		}
		data = data[n:]

		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("%w: type field", ErrDecode)
			}
			m.Type = MessageType(int32(v))
			data = data[n:]

		case num == fieldKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: key field", ErrDecode)
			}
			m.Key = append([]byte(nil), v...)
			data = data[n:]

		case num == fieldRecord && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: record field", ErrDecode)
			}
			rec := &Record{}
			if err := rec.unmarshal(v); err != nil {
				return err
			}
			m.Record = rec
			data = data[n:]

		case num == fieldCloserPeers && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: closerPeers field", ErrDecode)
			}
			var p Peer
			if err := p.unmarshal(v); err != nil {
				return err
			}
			m.CloserPeers = append(m.CloserPeers, p)
			data = data[n:]

		case num == fieldProviderPeers && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: providerPeers field", ErrDecode)
			}
			var p Peer
			if err := p.unmarshal(v); err != nil {
				return err
			}
			m.ProviderPeers = append(m.ProviderPeers, p)
			data = data[n:]

		case num == fieldClusterLevel && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("%w: clusterLevelRaw field", ErrDecode)
			}
			m.ClusterLevelRaw = int32(v)
			data = data[n:]

		default:
			// 未知字段按线类型跳过
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: unknown field %d", ErrDecode, num)
			}
			data = data[n:]
		}
	}

	return nil
}

// unmarshal 解码 Peer 子消息
func (p *Peer) unmarshal(data []byte) error {
	*p = Peer{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: peer tag", ErrDecode)
		}
		data = data[n:]

		switch {
		case num == fieldPeerID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: peer id", ErrDecode)
			}
			p.ID = append([]byte(nil), v...)
			data = data[n:]

		case num == fieldPeerAddrs && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: peer addrs", ErrDecode)
			}
			p.Addrs = append(p.Addrs, append([]byte(nil), v...))
			data = data[n:]

		case num == fieldPeerConnection && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("%w: peer connection", ErrDecode)
			}
			p.Connection = types.ConnectionType(int32(v))
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: peer unknown field %d", ErrDecode, num)
			}
			data = data[n:]
		}
	}

	return nil
}

// unmarshal 解码 Record 子消息
func (r *Record) unmarshal(data []byte) error {
	*r = Record{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: record tag", ErrDecode)
		}
		data = data[n:]

		switch {
		case num == fieldRecordKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: record key", ErrDecode)
			}
			r.Key = append([]byte(nil), v...)
			data = data[n:]

		case num == fieldRecordValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: record value", ErrDecode)
			}
			r.Value = append([]byte(nil), v...)
			data = data[n:]

		case num == fieldRecordTimeReceived && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: record timeReceived", ErrDecode)
			}
			r.TimeReceived = string(v)
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: record unknown field %d", ErrDecode, num)
			}
			data = data[n:]
		}
	}

	return nil
}

// ============================================================================
//                              转换辅助
// ============================================================================

// PeerFromInfo 从 PeerInfo 构造消息节点记录
func PeerFromInfo(info types.PeerInfo, conn types.ConnectionType) Peer {
	addrs := make([][]byte, 0, len(info.Addrs))
	for _, a := range info.Addrs {
		addrs = append(addrs, []byte(a))
	}
	return Peer{
		ID:         info.ID.Bytes(),
		Addrs:      addrs,
		Connection: conn,
	}
}

// ToPeerInfo 将消息节点记录转换为 PeerInfo
//
// 节点 ID 非法时返回 false。
func (p *Peer) ToPeerInfo() (types.PeerInfo, bool) {
	id, err := types.PeerIDFromBytes(p.ID)
	if err != nil {
		return types.PeerInfo{}, false
	}
	addrs := make([]string, 0, len(p.Addrs))
	for _, a := range p.Addrs {
		addrs = append(addrs, string(a))
	}
	return types.PeerInfo{ID: id, Addrs: addrs}, true
}
