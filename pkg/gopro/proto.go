package gopro

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Feature identifiers.
const (
	FeatureNetwork byte = 0x02
	FeatureCommand byte = 0xf1
	FeatureQuery   byte = 0xf5
)

// Action identifiers. Responses carry the request action with bit 7 set.
const (
	ActionConnectNew  byte = 0x05
	ActionSetCOHN     byte = 0x65
	ActionClearCert   byte = 0x66
	ActionCreateCert  byte = 0x67
	ActionGetCert     byte = 0x6e
	ActionGetStatus   byte = 0x6f
	responseActionBit byte = 0x80
)

// Result is the generic result code of a protobuf response.
type Result uint64

const (
	ResultUnknown             Result = 0
	ResultSuccess             Result = 1
	ResultIllFormed           Result = 2
	ResultNotSupported        Result = 3
	ResultArgumentOutOfBounds Result = 4
	ResultArgumentInvalid     Result = 5
	ResultResourceUnavailable Result = 6
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultIllFormed:
		return "ill-formed"
	case ResultNotSupported:
		return "not-supported"
	case ResultArgumentOutOfBounds:
		return "argument-out-of-bounds"
	case ResultArgumentInvalid:
		return "argument-invalid"
	case ResultResourceUnavailable:
		return "resource-unavailable"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(r))
	}
}

// COHN provisioning status.
const (
	COHNUnprovisioned uint64 = 0
	COHNProvisioned   uint64 = 1
)

// COHN network states.
const (
	NetworkStateInit         uint64 = 0
	NetworkStateError        uint64 = 1
	NetworkStateExit         uint64 = 2
	NetworkStateIdle         uint64 = 5
	NetworkStateConnected    uint64 = 27
	NetworkStateDisconnected uint64 = 28
	NetworkStateConnecting   uint64 = 29
	NetworkStateInvalid      uint64 = 30
)

// Provisioning states reported when joining a network.
const (
	ProvisioningUnknown       uint64 = 0
	ProvisioningNeverStarted  uint64 = 1
	ProvisioningStarted       uint64 = 2
	ProvisioningAborted       uint64 = 3
	ProvisioningCancelled     uint64 = 4
	ProvisioningSuccessNewAP  uint64 = 5
	ProvisioningSuccessOldAP  uint64 = 6
	ProvisioningAssociateFail uint64 = 7
	ProvisioningPasswordFail  uint64 = 8
	ProvisioningEULABlocking  uint64 = 9
	ProvisioningNoInternet    uint64 = 10
	ProvisioningUnsupported   uint64 = 11
)

var (
	ErrShortResponse      = errors.New("gopro: response too short")
	ErrUnexpectedResponse = errors.New("gopro: unexpected response id")
	ErrMalformed          = errors.New("gopro: malformed protobuf payload")
)

// fields is a decoded protobuf message: varint and length-delimited fields by number.
// Repeated fields keep the last value, which is all the messages used here need.
type fields struct {
	varints map[protowire.Number]uint64
	bytes   map[protowire.Number][]byte
}

func (f fields) varint(n protowire.Number) uint64 { return f.varints[n] }
func (f fields) flag(n protowire.Number) bool     { return f.varints[n] != 0 }
func (f fields) str(n protowire.Number) string    { return string(f.bytes[n]) }

func parseFields(b []byte) (fields, error) {
	f := fields{
		varints: map[protowire.Number]uint64{},
		bytes:   map[protowire.Number][]byte{},
	}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return f, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			f.varints[num] = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return f, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			f.bytes[num] = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return f, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return f, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

// EncodeRequest prefixes a protobuf body with its feature and action ids.
func EncodeRequest(feature, action byte, body []byte) []byte {
	out := make([]byte, 0, 2+len(body))
	out = append(out, feature, action)
	return append(out, body...)
}

// DecodeResponse checks the feature/action ids of a response to action and
// returns the protobuf body.
func DecodeResponse(feature, action byte, resp []byte) ([]byte, error) {
	if len(resp) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortResponse, len(resp))
	}
	if resp[0] != feature || resp[1] != action|responseActionBit {
		return nil, fmt.Errorf("%w: got %#02x/%#02x, want %#02x/%#02x",
			ErrUnexpectedResponse, resp[0], resp[1], feature, action|responseActionBit)
	}
	return resp[2:], nil
}

// ConnectNewRequest asks the camera to join a new access point.
type ConnectNewRequest struct {
	SSID     string
	Password string
}

func (r ConnectNewRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, r.SSID)
	return appendString(b, 2, r.Password)
}

func (r *ConnectNewRequest) Unmarshal(b []byte) error {
	f, err := parseFields(b)
	if err != nil {
		return err
	}
	r.SSID = f.str(1)
	r.Password = f.str(2)
	return nil
}

// ConnectNewResponse is the camera's answer to ConnectNewRequest.
type ConnectNewResponse struct {
	Result            Result
	ProvisioningState uint64
	TimeoutSeconds    uint64
}

func (r ConnectNewResponse) Marshal() []byte {
	b := MarshalResult(r.Result)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, r.ProvisioningState)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	return protowire.AppendVarint(b, r.TimeoutSeconds)
}

func (r *ConnectNewResponse) Unmarshal(b []byte) error {
	f, err := parseFields(b)
	if err != nil {
		return err
	}
	r.Result = Result(f.varint(1))
	r.ProvisioningState = f.varint(2)
	r.TimeoutSeconds = f.varint(3)
	return nil
}

func (r ConnectNewResponse) Failed() bool {
	switch r.ProvisioningState {
	case ProvisioningAborted, ProvisioningCancelled, ProvisioningAssociateFail,
		ProvisioningPasswordFail, ProvisioningEULABlocking, ProvisioningUnsupported:
		return true
	}
	return r.Result != ResultSuccess
}

// CreateCertRequest asks the camera to issue a new certificate.
type CreateCertRequest struct {
	Override bool
}

func (r CreateCertRequest) Marshal() []byte {
	return appendBool(nil, 1, r.Override)
}

func (r *CreateCertRequest) Unmarshal(b []byte) error {
	f, err := parseFields(b)
	if err != nil {
		return err
	}
	r.Override = f.flag(1)
	return nil
}

// StatusRequest queries the COHN status once, or registers for updates.
type StatusRequest struct {
	Register bool
}

func (r StatusRequest) Marshal() []byte {
	return appendBool(nil, 1, r.Register)
}

// Status is the camera's COHN status report.
type Status struct {
	Provisioning uint64
	NetworkState uint64
	Username     string
	Password     string
	IPAddress    string
	Enabled      bool
	SSID         string
	MACAddress   string
}

func (s *Status) Unmarshal(b []byte) error {
	f, err := parseFields(b)
	if err != nil {
		return err
	}
	s.Provisioning = f.varint(1)
	s.NetworkState = f.varint(2)
	s.Username = f.str(3)
	s.Password = f.str(4)
	s.IPAddress = f.str(5)
	s.Enabled = f.flag(6)
	s.SSID = f.str(7)
	s.MACAddress = f.str(8)
	return nil
}

// Marshal encodes s the way the camera does.
func (s Status) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, s.Provisioning)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, s.NetworkState)
	for _, kv := range []struct {
		num protowire.Number
		val string
	}{{3, s.Username}, {4, s.Password}, {5, s.IPAddress}} {
		if kv.val != "" {
			b = appendString(b, kv.num, kv.val)
		}
	}
	b = appendBool(b, 6, s.Enabled)
	if s.SSID != "" {
		b = appendString(b, 7, s.SSID)
	}
	if s.MACAddress != "" {
		b = appendString(b, 8, s.MACAddress)
	}
	return b
}

// CertResponse carries the camera's certificate in PEM form.
type CertResponse struct {
	Result Result
	Cert   string
}

func (r CertResponse) Marshal() []byte {
	b := MarshalResult(r.Result)
	return appendString(b, 2, r.Cert)
}

func (r *CertResponse) Unmarshal(b []byte) error {
	f, err := parseFields(b)
	if err != nil {
		return err
	}
	r.Result = Result(f.varint(1))
	r.Cert = f.str(2)
	return nil
}

// GenericResponse carries only a result code.
type GenericResponse struct {
	Result Result
}

func (r *GenericResponse) Unmarshal(b []byte) error {
	f, err := parseFields(b)
	if err != nil {
		return err
	}
	r.Result = Result(f.varint(1))
	return nil
}

// MarshalResult encodes a message with only field 1 set to r.
func MarshalResult(r Result) []byte {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(r))
}
