// Package protocol defines the binary frame protocol spoken between the
// hub relay and endpoint agents, and the JSON payloads carried by
// control-plane frames.
//
// Every frame is a 9-byte little-endian header followed by a payload:
//
//	offset 0  u8   type
//	offset 1  u16  length (payload byte count)
//	offset 3  u16  channel (0 = control plane)
//	offset 5  u32  request_id
//
// Control and session-setup payloads are UTF-8 JSON; media payloads
// (desktop frames, terminal data, file chunks) are opaque bytes.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// HeaderSize is the fixed frame header length in bytes.
const HeaderSize = 9

// MaxPayloadSize is the largest payload a decoder will accept (16 MiB).
const MaxPayloadSize = 16 * 1024 * 1024

// Control plane message types (channel must be 0).
const (
	MsgAuthRequest   byte = 0x01
	MsgAuthResponse  byte = 0x02
	MsgHeartbeat     byte = 0x03
	MsgHeartbeatAck  byte = 0x04
	MsgAgentInfo     byte = 0x05
	MsgCommand       byte = 0x06
	MsgCommandResult byte = 0x07
)

// Desktop session message types (channel > 0).
const (
	MsgDesktopOpen    byte = 0x10
	MsgDesktopClose   byte = 0x11
	MsgDesktopFrame   byte = 0x12
	MsgDesktopInput   byte = 0x13
	MsgDesktopResize  byte = 0x14
	MsgDesktopQuality byte = 0x15
)

// Terminal session message types (channel > 0).
const (
	MsgTerminalOpen   byte = 0x20
	MsgTerminalClose  byte = 0x21
	MsgTerminalData   byte = 0x22
	MsgTerminalResize byte = 0x23
)

// File session message types (channel > 0).
const (
	MsgFileListReq      byte = 0x30
	MsgFileListResp     byte = 0x31
	MsgFileDownloadReq  byte = 0x32
	MsgFileDownloadData byte = 0x33
	MsgFileUploadStart  byte = 0x34
	MsgFileUploadData   byte = 0x35
	MsgFileUploadDone   byte = 0x36
	MsgFileDeleteReq    byte = 0x37
	MsgFileResult       byte = 0x38
)

// Telemetry message types (channel 0).
const (
	MsgTelemetryReq  byte = 0x40
	MsgTelemetryData byte = 0x41
)

// Desktop input event sub-types, carried in the first byte of a
// DESKTOP_INPUT payload. The relay forwards them opaquely; they are
// exported for viewer clients.
const (
	InputMouseMove   byte = 0x01
	InputMouseButton byte = 0x02
	InputMouseScroll byte = 0x03
	InputKeyEvent    byte = 0x04
	InputTypeText    byte = 0x05
)

// Header is the decoded 9-byte frame header.
type Header struct {
	Type      byte
	Length    uint16
	Channel   uint16
	RequestID uint32
}

// Frame is one header+payload unit of the binary protocol.
type Frame struct {
	Header
	Payload []byte
}

// NewFrame builds a frame with the length field derived from the payload.
func NewFrame(msgType byte, channel uint16, requestID uint32, payload []byte) Frame {
	return Frame{
		Header: Header{
			Type:      msgType,
			Length:    uint16(len(payload)),
			Channel:   channel,
			RequestID: requestID,
		},
		Payload: payload,
	}
}

// Control builds a channel-0 frame.
func Control(msgType byte, requestID uint32, payload []byte) Frame {
	return NewFrame(msgType, 0, requestID, payload)
}

// ControlJSON builds a channel-0 frame with a JSON-encoded payload.
func ControlJSON(msgType byte, requestID uint32, v any) (Frame, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %#02x payload: %w", msgType, err)
	}
	return Control(msgType, requestID, payload), nil
}

// Session builds a frame on a viewer channel (channel > 0).
func Session(msgType byte, channel uint16, requestID uint32, payload []byte) Frame {
	return NewFrame(msgType, channel, requestID, payload)
}

// SessionJSON builds a session frame with a JSON-encoded payload.
func SessionJSON(msgType byte, channel uint16, requestID uint32, v any) (Frame, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %#02x payload: %w", msgType, err)
	}
	return Session(msgType, channel, requestID, payload), nil
}

// Heartbeat builds an empty HEARTBEAT frame.
func Heartbeat() Frame { return Control(MsgHeartbeat, 0, nil) }

// HeartbeatAck builds an empty HEARTBEAT_ACK frame.
func HeartbeatAck() Frame { return Control(MsgHeartbeatAck, 0, nil) }

// IsControl reports whether the message type belongs to the control plane.
func IsControl(msgType byte) bool {
	switch msgType {
	case MsgAuthRequest, MsgAuthResponse, MsgHeartbeat, MsgHeartbeatAck,
		MsgAgentInfo, MsgCommand, MsgCommandResult, MsgTelemetryReq, MsgTelemetryData:
		return true
	}
	return false
}

// Encode returns the frame as one contiguous byte slice. The header is
// never split from the payload.
func (f Frame) Encode() []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = f.Type
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(f.Payload)))
	binary.LittleEndian.PutUint16(buf[3:5], f.Channel)
	binary.LittleEndian.PutUint32(buf[5:9], f.RequestID)
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// DecodeJSON unmarshals the frame payload into v.
func (f Frame) DecodeJSON(v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %#02x payload: %w", f.Type, err)
	}
	return nil
}

// WithChannel returns a copy of the frame with the channel rewritten.
func (f Frame) WithChannel(channel uint16) Frame {
	f.Channel = channel
	return f
}

// ErrPayloadTooLarge is returned by the decoder when a frame declares a
// payload beyond MaxPayloadSize.
type ErrPayloadTooLarge struct {
	Size int
}

func (e *ErrPayloadTooLarge) Error() string {
	return fmt.Sprintf("payload too large: %d bytes (max %d)", e.Size, MaxPayloadSize)
}

// Decoder accumulates stream bytes and yields complete frames. Partial
// frames are buffered across pushes.
type Decoder struct {
	buf []byte
}

// Push appends stream data to the decoder buffer.
func (d *Decoder) Push(data []byte) {
	d.buf = append(d.buf, data...)
}

// Next returns the next complete frame. ok is false when the buffered
// data does not yet hold a full frame. A declared payload length beyond
// MaxPayloadSize returns *ErrPayloadTooLarge; the stream is then
// unrecoverable and the connection should be dropped.
func (d *Decoder) Next() (Frame, bool, error) {
	if len(d.buf) < HeaderSize {
		return Frame{}, false, nil
	}

	h := Header{
		Type:      d.buf[0],
		Length:    binary.LittleEndian.Uint16(d.buf[1:3]),
		Channel:   binary.LittleEndian.Uint16(d.buf[3:5]),
		RequestID: binary.LittleEndian.Uint32(d.buf[5:9]),
	}

	payloadLen := int(h.Length)
	if payloadLen > MaxPayloadSize {
		return Frame{}, false, &ErrPayloadTooLarge{Size: payloadLen}
	}

	total := HeaderSize + payloadLen
	if len(d.buf) < total {
		return Frame{}, false, nil
	}

	payload := make([]byte, payloadLen)
	copy(payload, d.buf[HeaderSize:total])
	d.buf = d.buf[total:]

	return Frame{Header: h, Payload: payload}, true, nil
}

// Decode parses a single frame from buf and returns the byte count
// consumed. ok is false when buf holds less than one complete frame.
func Decode(buf []byte) (f Frame, consumed int, ok bool, err error) {
	var d Decoder
	d.buf = buf
	before := len(d.buf)
	f, ok, err = d.Next()
	if err != nil || !ok {
		return Frame{}, 0, false, err
	}
	return f, before - len(d.buf), true, nil
}
