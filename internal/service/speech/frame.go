package speech

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// 火山引擎语音 WebSocket 二进制帧：4 字节头 + 可选序号/事件 + payload。
const frameProtocolVersion = 0b0001

type frameType uint8

const (
	frameFullClientRequest  frameType = 0b0001
	frameAudioOnlyRequest   frameType = 0b0010
	frameFullServerResponse frameType = 0b1001
	frameAudioOnlyResponse  frameType = 0b1011
	frameError              frameType = 0b1111
)

type frameFlags uint8

const (
	flagNoSequence       frameFlags = 0b0000
	flagPositiveSequence frameFlags = 0b0001
	flagLastNoSequence   frameFlags = 0b0010
	flagNegativeSequence frameFlags = 0b0011
	flagWithEvent        frameFlags = 0b0100

	sequenceMask frameFlags = 0b0011
)

type serialization uint8

const (
	serializationNone serialization = 0b0000
	serializationJSON serialization = 0b0001
)

type compression uint8

const (
	compressionNone compression = 0b0000
	compressionGzip compression = 0b0001
)

// 服务端事件编号
type frameEvent int32

const (
	eventStartConnection    frameEvent = 1
	eventFinishConnection   frameEvent = 2
	eventConnectionStarted  frameEvent = 50
	eventConnectionFailed   frameEvent = 51
	eventConnectionFinished frameEvent = 52
	eventSessionStarted     frameEvent = 150
	eventSessionFinished    frameEvent = 152
	eventSessionFailed      frameEvent = 153
)

var errShortFrame = errors.New("frame too short")

type frame struct {
	kind          frameType
	flags         frameFlags
	serialization serialization
	compression   compression

	sequence  int32
	event     frameEvent
	sessionID string
	connectID string
	errorCode uint32

	// payload is stored as it travels on the wire, possibly compressed.
	payload []byte
}

// newRequestFrame 构造携带 JSON 参数的完整客户端请求。
func newRequestFrame(body []byte, comp compression) (*frame, error) {
	payload, err := compress(body, comp)
	if err != nil {
		return nil, err
	}
	return &frame{
		kind:          frameFullClientRequest,
		flags:         flagNoSequence,
		serialization: serializationJSON,
		compression:   comp,
		payload:       payload,
	}, nil
}

// newAudioFrame 构造音频分包；最后一包使用负序号。
func newAudioFrame(chunk []byte, sequence int32, last bool, comp compression) (*frame, error) {
	payload, err := compress(chunk, comp)
	if err != nil {
		return nil, err
	}

	f := &frame{
		kind:          frameAudioOnlyRequest,
		serialization: serializationNone,
		compression:   comp,
		sequence:      sequence,
		payload:       payload,
	}
	switch {
	case last && sequence != 0:
		f.flags = flagNegativeSequence
		f.sequence = -sequence
	case last:
		f.flags = flagLastNoSequence
	case sequence > 0:
		f.flags = flagPositiveSequence
	default:
		f.flags = flagNoSequence
	}
	return f, nil
}

func (f *frame) hasSequence() bool {
	switch f.flags & sequenceMask {
	case flagPositiveSequence, flagNegativeSequence:
		return true
	}
	return false
}

func (f *frame) hasEvent() bool {
	return f.flags&flagWithEvent == flagWithEvent
}

// isLast 判断是否为最后一包
func (f *frame) isLast() bool {
	switch f.flags & sequenceMask {
	case flagLastNoSequence, flagNegativeSequence:
		return true
	}
	return false
}

// body returns the decompressed payload.
func (f *frame) body() ([]byte, error) {
	return decompress(f.payload, f.compression)
}

func (f *frame) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(16 + len(f.payload))

	buf.WriteByte(frameProtocolVersion<<4 | 0b0001)
	buf.WriteByte(uint8(f.kind)<<4 | uint8(f.flags))
	buf.WriteByte(uint8(f.serialization)<<4 | uint8(f.compression))
	buf.WriteByte(0)

	if f.hasSequence() {
		writeUint32(&buf, uint32(f.sequence))
	}
	if f.hasEvent() {
		writeUint32(&buf, uint32(f.event))
		if !eventOmitsSession(f.event) {
			writeString(&buf, f.sessionID)
		}
		if eventCarriesConnectID(f.event) {
			writeString(&buf, f.connectID)
		}
	}
	if f.kind == frameError {
		writeUint32(&buf, f.errorCode)
	}
	writeUint32(&buf, uint32(len(f.payload)))
	buf.Write(f.payload)

	return buf.Bytes(), nil
}

func (f *frame) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return errShortFrame
	}
	version := data[0] >> 4
	if version != frameProtocolVersion {
		return fmt.Errorf("unsupported protocol version: %d", version)
	}
	headerSize := int(data[0]&0x0F) * 4
	if headerSize < 4 || len(data) < headerSize {
		return errShortFrame
	}

	f.kind = frameType(data[1] >> 4)
	f.flags = frameFlags(data[1] & 0x0F)
	f.serialization = serialization(data[2] >> 4)
	f.compression = compression(data[2] & 0x0F)

	r := bytes.NewReader(data[headerSize:])

	if f.hasSequence() {
		v, err := readUint32(r, "sequence")
		if err != nil {
			return err
		}
		f.sequence = int32(v)
	}
	if f.hasEvent() {
		v, err := readUint32(r, "event")
		if err != nil {
			return err
		}
		f.event = frameEvent(int32(v))
		if !eventOmitsSession(f.event) {
			if f.sessionID, err = readString(r, "session id"); err != nil {
				return err
			}
		}
		if eventCarriesConnectID(f.event) {
			if f.connectID, err = readString(r, "connect id"); err != nil {
				return err
			}
		}
	}
	if f.kind == frameError {
		code, err := readUint32(r, "error code")
		if err != nil {
			return err
		}
		f.errorCode = code
	}

	size, err := readUint32(r, "payload size")
	if err != nil {
		return err
	}
	if size > 0 {
		f.payload = make([]byte, size)
		if _, err := io.ReadFull(r, f.payload); err != nil {
			return fmt.Errorf("read payload (expected %d bytes): %w", size, err)
		}
	}
	return nil
}

func parseFrame(data []byte) (*frame, error) {
	f := &frame{}
	if err := f.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

func eventOmitsSession(e frameEvent) bool {
	switch e {
	case eventStartConnection, eventFinishConnection,
		eventConnectionStarted, eventConnectionFailed, eventConnectionFinished:
		return true
	}
	return false
}

func eventCarriesConnectID(e frameEvent) bool {
	switch e {
	case eventConnectionStarted, eventConnectionFailed, eventConnectionFinished:
		return true
	}
	return false
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readUint32(r io.Reader, field string) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("read %s: %w", field, err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readString(r *bytes.Reader, field string) (string, error) {
	n, err := readUint32(r, field+" size")
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	if int64(n) > int64(r.Len()) {
		return "", fmt.Errorf("read %s: %w", field, io.ErrUnexpectedEOF)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("read %s: %w", field, err)
	}
	return string(b), nil
}
