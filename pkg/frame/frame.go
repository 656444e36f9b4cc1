package frame

import (
	"fmt"

	"github.com/bft-labs/camfleet/internal/domain"
)

// Header bits of the first byte of every packet.
const (
	ContinuationMask byte = 0x80
	headerTypeMask   byte = 0x60
	generalLenMask   byte = 0x1f

	headerGeneral byte = 0x00
	headerExt13   byte = 0x20
	headerExt16   byte = 0x40
	headerReserve byte = 0x60
)

// DefaultMaxPacket is the largest BLE packet the devices accept.
const DefaultMaxPacket = 20

// MaxMessageLen is the largest length a 16-bit header can declare.
const MaxMessageLen = 1<<16 - 1

// All framing errors match domain.ErrFraming.
var (
	ErrEmptyPacket        = fmt.Errorf("%w: empty packet", domain.ErrFraming)
	ErrReservedHeader     = fmt.Errorf("%w: reserved header type", domain.ErrFraming)
	ErrOrphanContinuation = fmt.Errorf("%w: continuation without active assembly", domain.ErrFraming)
	ErrUnexpectedStart    = fmt.Errorf("%w: start packet during active assembly", domain.ErrFraming)
	ErrOverflow           = fmt.Errorf("%w: assembled length exceeds declared length", domain.ErrFraming)
	ErrMessageTooLarge    = fmt.Errorf("%w: message too large", domain.ErrFraming)
)

// Limits constrains packet size and reassembly memory.
type Limits struct {
	MaxPacket  int
	MaxMessage int
}

// DefaultLimits returns the limits used by the devices.
func DefaultLimits() Limits {
	return Limits{
		MaxPacket:  DefaultMaxPacket,
		MaxMessage: MaxMessageLen,
	}
}

func (l Limits) normalized() Limits {
	if l.MaxPacket < 4 {
		l.MaxPacket = DefaultMaxPacket
	}
	if l.MaxMessage <= 0 || l.MaxMessage > MaxMessageLen {
		l.MaxMessage = MaxMessageLen
	}
	return l
}

// Encode splits msg into packets of at most limits.MaxPacket bytes.
// The first packet carries the declared total length.
func Encode(msg []byte, limits Limits) ([][]byte, error) {
	limits = limits.normalized()
	if len(msg) > limits.MaxMessage {
		return nil, ErrMessageTooLarge
	}

	var header []byte
	switch {
	case len(msg) < 1<<13:
		header = []byte{headerExt13 | byte(len(msg)>>8), byte(len(msg))}
	default:
		header = []byte{headerExt16, byte(len(msg) >> 8), byte(len(msg))}
	}

	first := limits.MaxPacket - len(header)
	if first > len(msg) {
		first = len(msg)
	}
	packets := make([][]byte, 0, 1+(len(msg)-first+limits.MaxPacket-2)/(limits.MaxPacket-1))

	pkt := make([]byte, 0, len(header)+first)
	pkt = append(pkt, header...)
	pkt = append(pkt, msg[:first]...)
	packets = append(packets, pkt)

	rest := msg[first:]
	step := limits.MaxPacket - 1
	for len(rest) > 0 {
		n := step
		if n > len(rest) {
			n = len(rest)
		}
		pkt := make([]byte, 0, n+1)
		pkt = append(pkt, ContinuationMask)
		pkt = append(pkt, rest[:n]...)
		packets = append(packets, pkt)
		rest = rest[n:]
	}
	return packets, nil
}

// IsContinuation reports whether pkt is a continuation packet.
func IsContinuation(pkt []byte) bool {
	return len(pkt) > 0 && pkt[0]&ContinuationMask != 0
}

// headerLen returns the size of the start header introduced by b.
func headerLen(b byte) int {
	switch b & headerTypeMask {
	case headerExt13:
		return 2
	case headerExt16:
		return 3
	default:
		return 1
	}
}

// decodeStart parses a start packet header and returns the declared length
// and the payload chunk. pkt must hold at least headerLen(pkt[0]) bytes.
func decodeStart(pkt []byte) (int, []byte, error) {
	switch pkt[0] & headerTypeMask {
	case headerGeneral:
		return int(pkt[0] & generalLenMask), pkt[1:], nil
	case headerExt13:
		return int(pkt[0]&generalLenMask)<<8 | int(pkt[1]), pkt[2:], nil
	case headerExt16:
		return int(pkt[1])<<8 | int(pkt[2]), pkt[3:], nil
	default:
		return 0, nil, ErrReservedHeader
	}
}
