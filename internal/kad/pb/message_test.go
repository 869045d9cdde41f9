package pb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-kaddht/pkg/types"
)

// ============================================================================
// 消息编解码测试
// ============================================================================

// TestMessage_FindNodeRoundTrip 测试 FIND_NODE 往返
func TestMessage_FindNodeRoundTrip(t *testing.T) {
	peer := types.RandomPeerID()
	msg := &Message{
		Type: MessageTypeFindNode,
		Key:  peer.Bytes(),
		CloserPeers: []Peer{
			{
				ID:         types.RandomPeerID().Bytes(),
				Addrs:      [][]byte{[]byte("/ip4/1.2.3.4/tcp/4001")},
				Connection: types.ConnConnected,
			},
			{
				ID:         types.RandomPeerID().Bytes(),
				Addrs:      [][]byte{[]byte("/ip4/5.6.7.8/tcp/4001"), []byte("/ip6/::1/tcp/4001")},
				Connection: types.ConnCanConnect,
			},
		},
	}

	var decoded Message
	require.NoError(t, decoded.Unmarshal(msg.Marshal()))

	assert.Equal(t, msg.Type, decoded.Type)
	assert.Equal(t, msg.Key, decoded.Key)
	require.Len(t, decoded.CloserPeers, 2)
	assert.Equal(t, msg.CloserPeers[0].ID, decoded.CloserPeers[0].ID)
	assert.Equal(t, msg.CloserPeers[0].Connection, decoded.CloserPeers[0].Connection)
	assert.Equal(t, msg.CloserPeers[1].Addrs, decoded.CloserPeers[1].Addrs)

	t.Log("✅ FIND_NODE 消息编解码往返一致")
}

// TestMessage_RecordRoundTrip 测试带记录的消息往返
func TestMessage_RecordRoundTrip(t *testing.T) {
	msg := &Message{
		Type: MessageTypePutValue,
		Key:  []byte("/app/config"),
		Record: &Record{
			Key:          []byte("/app/config"),
			Value:        []byte("value-bytes"),
			TimeReceived: "2026-08-06T12:00:00Z",
		},
	}

	var decoded Message
	require.NoError(t, decoded.Unmarshal(msg.Marshal()))

	require.NotNil(t, decoded.Record)
	assert.Equal(t, msg.Record.Key, decoded.Record.Key)
	assert.Equal(t, msg.Record.Value, decoded.Record.Value)
	assert.Equal(t, msg.Record.TimeReceived, decoded.Record.TimeReceived)

	t.Log("✅ 值记录往返一致")
}

// TestMessage_ProvidersRoundTrip 测试提供者消息往返
func TestMessage_ProvidersRoundTrip(t *testing.T) {
	provider := types.PeerInfo{
		ID:    types.RandomPeerID(),
		Addrs: []string{"/ip4/9.9.9.9/udp/4001/quic-v1"},
	}
	msg := &Message{
		Type:          MessageTypeAddProvider,
		Key:           []byte("content-hash"),
		ProviderPeers: []Peer{PeerFromInfo(provider, types.ConnConnected)},
	}

	var decoded Message
	require.NoError(t, decoded.Unmarshal(msg.Marshal()))

	require.Len(t, decoded.ProviderPeers, 1)
	info, ok := decoded.ProviderPeers[0].ToPeerInfo()
	require.True(t, ok)
	assert.Equal(t, provider.ID, info.ID)
	assert.Equal(t, provider.Addrs, info.Addrs)

	t.Log("✅ 提供者消息往返一致")
}

// TestMessage_ZeroValue 测试零值消息
func TestMessage_ZeroValue(t *testing.T) {
	msg := &Message{Type: MessageTypePutValue} // PUT_VALUE == 0

	data := msg.Marshal()
	assert.Empty(t, data, "proto3 零值字段不写入")

	var decoded Message
	require.NoError(t, decoded.Unmarshal(data))
	assert.Equal(t, MessageTypePutValue, decoded.Type)

	t.Log("✅ 零值消息编码为空、解码回默认值")
}

// TestMessage_UnknownFieldsSkipped 测试未知字段被跳过
//
// 其他实现可能携带 publisher/expiry 等扩展字段；解码必须
// 忽略它们而不报错。
func TestMessage_UnknownFieldsSkipped(t *testing.T) {
	msg := &Message{Type: MessageTypeGetValue, Key: []byte("k")}
	data := msg.Marshal()

	// 追加一个未知的 bytes 字段（编号 20）和 varint 字段（编号 21）
	data = protowire.AppendTag(data, 20, protowire.BytesType)
	data = protowire.AppendBytes(data, []byte("publisher-extension"))
	data = protowire.AppendTag(data, 21, protowire.VarintType)
	data = protowire.AppendVarint(data, 12345)

	var decoded Message
	require.NoError(t, decoded.Unmarshal(data))
	assert.Equal(t, MessageTypeGetValue, decoded.Type)
	assert.Equal(t, []byte("k"), decoded.Key)

	t.Log("✅ 未知字段按线类型跳过")
}

// TestMessage_Truncated 测试截断数据报错
func TestMessage_Truncated(t *testing.T) {
	msg := &Message{
		Type: MessageTypeFindNode,
		Key:  []byte("some-lookup-target-key"),
	}
	data := msg.Marshal()

	var decoded Message
	err := decoded.Unmarshal(data[:len(data)-5])
	assert.ErrorIs(t, err, ErrDecode)

	t.Log("✅ 截断数据解码报错")
}

// TestPeer_ToPeerInfo_InvalidID 测试非法节点 ID
func TestPeer_ToPeerInfo_InvalidID(t *testing.T) {
	p := Peer{ID: []byte("too-short")}

	_, ok := p.ToPeerInfo()
	assert.False(t, ok)

	t.Log("✅ 非法节点 ID 被拒绝")
}

// TestMessageType_String 测试消息类型字符串
func TestMessageType_String(t *testing.T) {
	assert.Equal(t, "PUT_VALUE", MessageTypePutValue.String())
	assert.Equal(t, "GET_VALUE", MessageTypeGetValue.String())
	assert.Equal(t, "ADD_PROVIDER", MessageTypeAddProvider.String())
	assert.Equal(t, "GET_PROVIDERS", MessageTypeGetProviders.String())
	assert.Equal(t, "FIND_NODE", MessageTypeFindNode.String())
	assert.Equal(t, "PING", MessageTypePing.String())
	assert.Equal(t, "UNKNOWN", MessageType(99).String())

	t.Log("✅ 消息类型取值与协议对齐")
}
