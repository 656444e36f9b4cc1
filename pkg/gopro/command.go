package gopro

import (
	"errors"
	"fmt"

	"github.com/bft-labs/camfleet/pkg/link"
)

// TLV command identifiers.
const (
	CommandShutter byte = 0x01
	CommandSleep   byte = 0x05
)

// SettingKeepAlive is the setting written to hold off auto power-down.
const SettingKeepAlive byte = 0x5b

const keepAliveValue byte = 0x42

// TLV status codes.
const (
	StatusSuccess         byte = 0x00
	StatusError           byte = 0x01
	StatusInvalidArgument byte = 0x02
)

// ErrCommandRejected is returned when a TLV command reports a non-success status.
var ErrCommandRejected = errors.New("gopro: command rejected")

// CommandResult is the decoded reply to a TLV command.
type CommandResult struct {
	ID     byte
	Status byte
}

func decodeTLV(id byte, resp []byte) (any, error) {
	if len(resp) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortResponse, len(resp))
	}
	if resp[0] != id {
		return nil, fmt.Errorf("%w: got %#02x, want %#02x", ErrUnexpectedResponse, resp[0], id)
	}
	res := CommandResult{ID: resp[0], Status: resp[1]}
	if res.Status != StatusSuccess {
		return res, fmt.Errorf("%w: command %#02x status %d", ErrCommandRejected, id, res.Status)
	}
	return res, nil
}

// Shutter starts or stops capture.
type Shutter struct {
	On bool
}

func (Shutter) Channel() link.Channel { return ChannelCommand }

func (s Shutter) Encode() ([]byte, error) {
	var v byte
	if s.On {
		v = 1
	}
	return []byte{CommandShutter, 0x01, v}, nil
}

func (Shutter) Decode(resp []byte) (any, error) { return decodeTLV(CommandShutter, resp) }

// Sleep puts the camera to sleep. The link drops shortly after the reply.
type Sleep struct{}

func (Sleep) Channel() link.Channel           { return ChannelCommand }
func (Sleep) Encode() ([]byte, error)         { return []byte{CommandSleep}, nil }
func (Sleep) Decode(resp []byte) (any, error) { return decodeTLV(CommandSleep, resp) }

// KeepAlive resets the camera's power-down timer. It is cheap enough to use as
// a link liveness probe.
type KeepAlive struct{}

func (KeepAlive) Channel() link.Channel { return ChannelSettings }

func (KeepAlive) Encode() ([]byte, error) {
	return []byte{SettingKeepAlive, 0x01, keepAliveValue}, nil
}

func (KeepAlive) Decode(resp []byte) (any, error) { return decodeTLV(SettingKeepAlive, resp) }

// SetCOHN enables or disables the camera's home-network mode.
type SetCOHN struct {
	Active bool
}

func (SetCOHN) Channel() link.Channel { return ChannelCommand }

func (c SetCOHN) Encode() ([]byte, error) {
	return EncodeRequest(FeatureCommand, ActionSetCOHN, appendBool(nil, 1, c.Active)), nil
}

func (SetCOHN) Decode(resp []byte) (any, error) {
	b, err := DecodeResponse(FeatureCommand, ActionSetCOHN, resp)
	if err != nil {
		return nil, err
	}
	var r GenericResponse
	if err := r.Unmarshal(b); err != nil {
		return nil, err
	}
	if r.Result != ResultSuccess {
		return r, &ResultError{Action: ActionSetCOHN, Result: r.Result}
	}
	return r, nil
}
