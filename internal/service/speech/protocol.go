package speech

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// 火山引擎 openspeech 二进制帧：4 字节头，可选序号与事件字段，然后是
// 大端长度前缀的 payload。
const protocolVersion = 0b0001

// frameType 帧类型（头部第二字节高 4 位）
type frameType uint8

const (
	frameClientRequest frameType = 0b0001
	frameServerFull    frameType = 0b1001
	frameServerAudio   frameType = 0b1011
	frameServerError   frameType = 0b1111
)

// frameFlags 帧标志（头部第二字节低 4 位）
type frameFlags uint8

const (
	flagNoSequence       frameFlags = 0b0000
	flagPositiveSequence frameFlags = 0b0001
	flagLastNoSequence   frameFlags = 0b0010
	flagNegativeSequence frameFlags = 0b0011
	flagWithEvent        frameFlags = 0b0100
)

type serialization uint8

const (
	serializeRaw  serialization = 0b0000
	serializeJSON serialization = 0b0001
)

type compression uint8

const (
	compressNone compression = 0b0000
	compressGzip compression = 0b0001
)

// event 服务端事件编号
type event int32

const (
	eventStartConnection    event = 1
	eventFinishConnection   event = 2
	eventConnectionStarted  event = 50
	eventConnectionFailed   event = 51
	eventConnectionFinished event = 52
	eventSessionFinished    event = 152
)

type frameHeader struct {
	Type          frameType
	Flags         frameFlags
	Serialization serialization
	Compression   compression
	// size in 4-byte words, including the fixed word
	Size uint8
}

type frame struct {
	Header    frameHeader
	Sequence  int32
	Event     event
	SessionID string
	ConnectID string
	ErrorCode uint32
	Payload   []byte
}

func (h frameHeader) encode() []byte {
	size := h.Size
	if size == 0 {
		size = 1
	}
	return []byte{
		protocolVersion<<4 | size,
		uint8(h.Type)<<4 | uint8(h.Flags),
		uint8(h.Serialization)<<4 | uint8(h.Compression),
		0,
	}
}

func decodeHeader(b []byte) (frameHeader, error) {
	if len(b) < 4 {
		return frameHeader{}, fmt.Errorf("header too short: %d bytes", len(b))
	}
	if v := b[0] >> 4; v != protocolVersion {
		return frameHeader{}, fmt.Errorf("unsupported protocol version: %d", v)
	}
	return frameHeader{
		Size:          b[0] & 0x0F,
		Type:          frameType(b[1] >> 4),
		Flags:         frameFlags(b[1] & 0x0F),
		Serialization: serialization(b[2] >> 4),
		Compression:   compression(b[2] & 0x0F),
	}, nil
}

func (f *frame) hasSequence() bool {
	switch f.Header.Flags & 0b0011 {
	case flagPositiveSequence, flagNegativeSequence:
		return true
	}
	return false
}

func (f *frame) hasEvent() bool { return f.Header.Flags&flagWithEvent == flagWithEvent }

// last reports whether the server marked this as the final packet.
func (f *frame) last() bool {
	switch f.Header.Flags & 0b0011 {
	case flagLastNoSequence, flagNegativeSequence:
		return true
	}
	return false
}

// 连接级事件不带 session id
func (e event) skipsSessionID() bool {
	switch e {
	case eventStartConnection, eventFinishConnection,
		eventConnectionStarted, eventConnectionFailed, eventConnectionFinished:
		return true
	}
	return false
}

func (e event) hasConnectID() bool {
	switch e {
	case eventConnectionStarted, eventConnectionFailed, eventConnectionFinished:
		return true
	}
	return false
}

func writeSized(buf *bytes.Buffer, b []byte) {
	binary.Write(buf, binary.BigEndian, uint32(len(b)))
	buf.Write(b)
}

func readSized(r io.Reader, what string) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, fmt.Errorf("failed to read %s size: %w", what, err)
	}
	if size == 0 {
		return nil, nil
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("failed to read %s (expected %d bytes): %w", what, size, err)
	}
	return b, nil
}

// encode 编码完整帧，payload 按帧头压缩
func (f *frame) encode() ([]byte, error) {
	payload, err := compressPayload(f.Payload, f.Header.Compression)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(f.Header.encode())

	if f.hasSequence() {
		binary.Write(&buf, binary.BigEndian, f.Sequence)
	}
	if f.hasEvent() {
		binary.Write(&buf, binary.BigEndian, int32(f.Event))
		if !f.Event.skipsSessionID() {
			writeSized(&buf, []byte(f.SessionID))
		}
		if f.Event.hasConnectID() {
			writeSized(&buf, []byte(f.ConnectID))
		}
	}
	if f.Header.Type == frameServerError {
		binary.Write(&buf, binary.BigEndian, f.ErrorCode)
	}
	writeSized(&buf, payload)
	return buf.Bytes(), nil
}

// decodeFrame 解码一条服务端消息
func decodeFrame(data []byte) (*frame, error) {
	r := bytes.NewReader(data)

	head := make([]byte, 4)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	header, err := decodeHeader(head)
	if err != nil {
		return nil, err
	}
	f := &frame{Header: header}

	if extra := int(header.Size)*4 - 4; extra > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(extra)); err != nil {
			return nil, fmt.Errorf("failed to read extended header: %w", err)
		}
	}

	if f.hasSequence() {
		if err := binary.Read(r, binary.BigEndian, &f.Sequence); err != nil {
			return nil, fmt.Errorf("failed to read sequence: %w", err)
		}
	}

	if f.hasEvent() {
		var raw int32
		if err := binary.Read(r, binary.BigEndian, &raw); err != nil {
			return nil, fmt.Errorf("failed to read event type: %w", err)
		}
		f.Event = event(raw)
		if !f.Event.skipsSessionID() {
			b, err := readSized(r, "session id")
			if err != nil {
				return nil, err
			}
			f.SessionID = string(b)
		}
		if f.Event.hasConnectID() {
			b, err := readSized(r, "connect id")
			if err != nil {
				return nil, err
			}
			f.ConnectID = string(b)
		}
	}

	if header.Type == frameServerError {
		if err := binary.Read(r, binary.BigEndian, &f.ErrorCode); err != nil {
			return nil, fmt.Errorf("failed to read error code: %w", err)
		}
	}

	payload, err := readSized(r, "payload")
	if err != nil {
		return nil, err
	}
	f.Payload, err = decompress(payload, header.Compression)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// newRequestFrame 创建携带 JSON 参数的客户端请求帧
func newRequestFrame(payload []byte) *frame {
	return &frame{
		Header: frameHeader{
			Type:          frameClientRequest,
			Flags:         flagNoSequence,
			Serialization: serializeJSON,
			Compression:   compressNone,
		},
		Payload: payload,
	}
}
