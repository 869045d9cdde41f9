package kad

import (
	"bytes"
	"testing"

	"github.com/multiformats/go-varint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-kaddht/internal/kad/pb"
	"github.com/dep2p/go-kaddht/pkg/types"
)

// ============================================================================
// 消息帧编解码测试
// ============================================================================

// TestCodec_RoundTrip 测试帧往返
func TestCodec_RoundTrip(t *testing.T) {
	msg := &pb.Message{
		Type: pb.MessageTypeFindNode,
		Key:  types.RandomPeerID().Bytes(),
		CloserPeers: []pb.Peer{
			{ID: types.RandomPeerID().Bytes(), Addrs: [][]byte{[]byte("/ip4/1.1.1.1/tcp/1")}},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, msg))

	decoded, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, msg.Type, decoded.Type)
	assert.Equal(t, msg.Key, decoded.Key)
	require.Len(t, decoded.CloserPeers, 1)

	t.Log("✅ varint 帧编解码往返一致")
}

// TestCodec_MultipleFrames 测试同一流上的多条消息
func TestCodec_MultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	first := &pb.Message{Type: pb.MessageTypePing}
	second := &pb.Message{Type: pb.MessageTypeGetValue, Key: []byte("k")}

	require.NoError(t, WriteMessage(&buf, first))
	require.NoError(t, WriteMessage(&buf, second))

	m1, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, pb.MessageTypePing, m1.Type)

	m2, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, pb.MessageTypeGetValue, m2.Type)
	assert.Equal(t, []byte("k"), m2.Key)

	t.Log("✅ 同一流上连续帧按序解码")
}

// TestCodec_OversizeWrite 测试超限消息拒绝写入
func TestCodec_OversizeWrite(t *testing.T) {
	msg := &pb.Message{
		Type: pb.MessageTypePutValue,
		Key:  []byte("k"),
		Record: &pb.Record{
			Key:   []byte("k"),
			Value: make([]byte, MaxPacketSize+1),
		},
	}

	var buf bytes.Buffer
	err := WriteMessage(&buf, msg)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Zero(t, buf.Len())

	t.Log("✅ 超过 16KiB 的消息拒绝写入")
}

// TestCodec_OversizeRead 测试超限帧拒绝读取
func TestCodec_OversizeRead(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(varint.ToUvarint(MaxPacketSize + 1))
	buf.Write(make([]byte, 64))

	_, err := ReadMessage(&buf)
	assert.ErrorIs(t, err, ErrProtocol)

	t.Log("✅ 超限帧长度直接拒绝")
}

// TestCodec_TruncatedBody 测试帧体截断报错
func TestCodec_TruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(varint.ToUvarint(100))
	buf.Write([]byte("short"))

	_, err := ReadMessage(&buf)
	assert.Error(t, err)

	t.Log("✅ 帧体截断读取报错")
}
