// Package tunnel carries USB endpoint payloads between the emulated
// controller and a remote peer over a stream connection.
//
// Wire format for each message:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
package tunnel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Version is exchanged in the hello message; peers refuse other versions.
const Version = 1

// MaxPayload bounds a single message body.
const MaxPayload = 1 << 20

// MsgType identifies a tunnel protocol message.
type MsgType uint32

const (
	MsgHello MsgType = 1 // 4-byte version
	MsgSend  MsgType = 2 // [ep][data], device to peer
	MsgAck   MsgType = 3 // 8-byte count of bytes the peer accepted
	MsgRecv  MsgType = 4 // [ep][8-byte max], device asks for data
	MsgData  MsgType = 5 // [ep][data], at most max bytes
)

func (t MsgType) String() string {
	switch t {
	case MsgHello:
		return "hello"
	case MsgSend:
		return "send"
	case MsgAck:
		return "ack"
	case MsgRecv:
		return "recv"
	case MsgData:
		return "data"
	default:
		return fmt.Sprintf("MsgType(%d)", uint32(t))
	}
}

var (
	ErrVersion         = errors.New("tunnel version mismatch")
	errPayloadTooLarge = errors.New("payload too large")
	errPayloadShort    = errors.New("payload too short")
	errUnexpected      = errors.New("unexpected message")
)

// Sender writes framed messages to an underlying writer.
type Sender struct {
	w   io.Writer
	hdr [12]byte
}

// NewSender wraps w as a tunnel Sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

// Send writes a single framed message.
func (s *Sender) Send(t MsgType, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("send %s: %w: %d bytes", t, errPayloadTooLarge, len(payload))
	}

	binary.BigEndian.PutUint32(s.hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(s.hdr[4:12], uint64(len(payload)))

	if _, err := s.w.Write(s.hdr[:]); err != nil {
		return fmt.Errorf("send header: %w", err)
	}

	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return fmt.Errorf("send payload: %w", err)
		}
	}

	return nil
}

func (s *Sender) SendHello() error {
	return s.Send(MsgHello, binary.BigEndian.AppendUint32(nil, Version))
}

// SendData sends an endpoint payload as t, which is MsgSend or MsgData.
func (s *Sender) SendData(t MsgType, ep uint8, data []byte) error {
	payload := make([]byte, 0, 1+len(data))
	payload = append(payload, ep)
	payload = append(payload, data...)

	return s.Send(t, payload)
}

func (s *Sender) SendAck(n uint64) error {
	return s.Send(MsgAck, binary.BigEndian.AppendUint64(nil, n))
}

func (s *Sender) SendRecv(ep uint8, limit uint64) error {
	return s.Send(MsgRecv, binary.BigEndian.AppendUint64([]byte{ep}, limit))
}

// Receiver reads framed messages from an underlying reader.
type Receiver struct {
	r io.Reader
}

// NewReceiver wraps r as a tunnel Receiver.
func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next reads the next message header and returns the type and full payload.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, 12)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length > MaxPayload {
		return 0, nil, fmt.Errorf("read %s: %w: %d bytes", t, errPayloadTooLarge, length)
	}

	if length == 0 {
		return t, nil, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload (type=%s len=%d): %w", t, length, err)
	}

	return t, payload, nil
}

// Expect reads the next message and fails unless it is of type t.
func (r *Receiver) Expect(t MsgType) ([]byte, error) {
	got, payload, err := r.Next()
	if err != nil {
		return nil, err
	}

	if got != t {
		return nil, fmt.Errorf("%w: expected %s, got %s", errUnexpected, t, got)
	}

	return payload, nil
}

// DecodeHello checks the version carried by a hello payload.
func DecodeHello(payload []byte) error {
	if len(payload) < 4 {
		return fmt.Errorf("hello: %w", errPayloadShort)
	}

	if v := binary.BigEndian.Uint32(payload); v != Version {
		return fmt.Errorf("%w: local %d, remote %d", ErrVersion, Version, v)
	}

	return nil
}

// DecodeData splits a MsgSend or MsgData payload.
func DecodeData(payload []byte) (uint8, []byte, error) {
	if len(payload) < 1 {
		return 0, nil, fmt.Errorf("data: %w", errPayloadShort)
	}

	return payload[0], payload[1:], nil
}

func DecodeAck(payload []byte) (uint64, error) {
	if len(payload) < 8 {
		return 0, fmt.Errorf("ack: %w", errPayloadShort)
	}

	return binary.BigEndian.Uint64(payload), nil
}

func DecodeRecv(payload []byte) (uint8, uint64, error) {
	if len(payload) < 9 {
		return 0, 0, fmt.Errorf("recv: %w", errPayloadShort)
	}

	return payload[0], binary.BigEndian.Uint64(payload[1:9]), nil
}
