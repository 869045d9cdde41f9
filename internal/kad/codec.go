package kad

import (
	"fmt"
	"io"

	"github.com/multiformats/go-varint"

	"github.com/dep2p/go-kaddht/internal/kad/pb"
)

// ============================================================================
//                              消息帧编解码
// ============================================================================

// MaxPacketSize 单条 Kad 消息的最大长度（16 KiB）
const MaxPacketSize = 16 * 1024

// WriteMessage 将消息写入流
//
// 帧格式：unsigned varint 长度前缀 + protobuf 消息体。
func WriteMessage(w io.Writer, msg *pb.Message) error {
	body := msg.Marshal()
	if len(body) > MaxPacketSize {
		return fmt.Errorf("%w: message size %d exceeds limit", ErrProtocol, len(body))
	}

	frame := varint.ToUvarint(uint64(len(body)))
	frame = append(frame, body...)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage 从流读取一条消息
//
// 超过 MaxPacketSize 的帧视为协议错误。
func ReadMessage(r io.Reader) (*pb.Message, error) {
	size, err := varint.ReadUvarint(byteReader{r})
	if err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	if size > MaxPacketSize {
		return nil, fmt.Errorf("%w: frame size %d exceeds limit", ErrProtocol, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	msg := &pb.Message{}
	if err := msg.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return msg, nil
}

// byteReader 为 varint 解码提供 io.ByteReader 视图
type byteReader struct {
	r io.Reader
}

func (b byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}
