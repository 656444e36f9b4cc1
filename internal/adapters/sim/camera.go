// Package sim implements link.Transport with in-process simulated cameras.
//
// A Camera answers the provisioning protocol and the TLV commands over a
// fragmented link exactly as hardware does, and serves its HTTPS API from an
// httptest TLS server once it has joined a network. It backs the CLI's
// --simulate mode and the device and fleet tests.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bft-labs/camfleet/pkg/frame"
	"github.com/bft-labs/camfleet/pkg/gopro"
	"github.com/bft-labs/camfleet/pkg/link"
)

var (
	// ErrNotFound is returned by Connect for an unknown or offline camera.
	ErrNotFound = errors.New("sim: camera not found")

	// ErrLinkDown is returned by writes on a dropped connection.
	ErrLinkDown = errors.New("sim: link down")
)

// Camera is one simulated device.
type Camera struct {
	id string

	mu sync.Mutex

	offline     bool
	rejectJoin  bool
	muted       bool
	joinPolls   int
	provisioned bool
	joined      bool
	polls       int
	ssid        string
	shutter     bool
	username    string
	password    string

	connects int
	clears   int
	requests map[string]int
	conn     *conn

	http *httpServer
}

// NewCamera returns an unprovisioned camera that joins a network on the
// first status poll after being asked to.
func NewCamera(id string) *Camera {
	return &Camera{
		id:       id,
		username: "gopro",
		password: "sim-" + id,
		requests: map[string]int{},
	}
}

// ID returns the camera identifier.
func (c *Camera) ID() string { return c.id }

// SetOffline makes Connect fail while set.
func (c *Camera) SetOffline(v bool) {
	c.mu.Lock()
	c.offline = v
	c.mu.Unlock()
}

// RejectJoin makes network join requests fail.
func (c *Camera) RejectJoin(v bool) {
	c.mu.Lock()
	c.rejectJoin = v
	c.mu.Unlock()
}

// Mute makes the camera stop answering requests.
func (c *Camera) Mute(v bool) {
	c.mu.Lock()
	c.muted = v
	c.mu.Unlock()
}

// SetJoinPolls sets how many status polls report "connecting" before the
// camera reports a joined network.
func (c *Camera) SetJoinPolls(n int) {
	c.mu.Lock()
	c.joinPolls = n
	c.mu.Unlock()
}

// Preprovision puts the camera in the state it has after a successful
// provisioning run, as if it kept its certificate across a power cycle.
func (c *Camera) Preprovision() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.provisioned = true
	c.joined = true
	c.startHTTPLocked()
}

// DropLink breaks the current connection. Later writes on it fail.
func (c *Camera) DropLink() {
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn != nil {
		cn.drop()
	}
}

// Shutter reports whether capture is running.
func (c *Camera) Shutter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutter
}

// Connects returns the number of successful link connects.
func (c *Camera) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Clears returns the number of certificate clear requests.
func (c *Camera) Clears() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clears
}

// Requests returns how many times the named request was received.
// Names are "join", "create-cert", "clear-cert", "status", "cert",
// "set-cohn", "shutter", "sleep" and "keep-alive".
func (c *Camera) Requests(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[name]
}

// Connect implements link.Transport for this camera alone.
func (c *Camera) Connect(ctx context.Context, id string) (link.Handle, error) {
	if id != c.id {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.open(ctx)
}

func (c *Camera) open(ctx context.Context) (link.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offline {
		return nil, fmt.Errorf("%w: %s is offline", ErrNotFound, c.id)
	}
	c.connects++
	c.conn = &conn{
		cam:  c,
		subs: map[string]func([]byte){},
		asm:  map[string]*frame.Assembler{},
	}
	return c.conn, nil
}

// Close stops the camera's HTTP server.
func (c *Camera) Close() {
	c.mu.Lock()
	srv := c.http
	c.http = nil
	c.mu.Unlock()
	if srv != nil {
		srv.close()
	}
}

// handle computes the reply to one reassembled request, or nil for silence.
func (c *Camera) handle(ch link.Channel, req []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.muted || len(req) == 0 {
		return nil
	}

	switch ch.Write {
	case gopro.NetworkUUID:
		if len(req) >= 2 && req[0] == gopro.FeatureNetwork && req[1] == gopro.ActionConnectNew {
			return c.joinLocked(req[2:])
		}
	case gopro.SettingsUUID:
		return c.settingLocked(req)
	case gopro.QueryUUID:
		if len(req) >= 2 && req[0] == gopro.FeatureQuery {
			switch req[1] {
			case gopro.ActionGetStatus:
				return c.statusLocked()
			case gopro.ActionGetCert:
				return c.certLocked()
			}
		}
	case gopro.CommandUUID:
		if len(req) >= 2 && req[0] == gopro.FeatureCommand {
			return c.cohnCommandLocked(req[1], req[2:])
		}
		return c.tlvLocked(req)
	}
	return nil
}

func reply(feature, action byte, body []byte) []byte {
	return gopro.EncodeRequest(feature, action|0x80, body)
}

func (c *Camera) joinLocked(body []byte) []byte {
	c.requests["join"]++
	var r gopro.ConnectNewRequest
	if err := r.Unmarshal(body); err != nil {
		return reply(gopro.FeatureNetwork, gopro.ActionConnectNew, gopro.MarshalResult(gopro.ResultIllFormed))
	}
	if c.rejectJoin {
		return reply(gopro.FeatureNetwork, gopro.ActionConnectNew, gopro.ConnectNewResponse{
			Result:            gopro.ResultArgumentInvalid,
			ProvisioningState: gopro.ProvisioningPasswordFail,
		}.Marshal())
	}
	c.ssid = r.SSID
	c.joined = false
	c.polls = 0
	return reply(gopro.FeatureNetwork, gopro.ActionConnectNew, gopro.ConnectNewResponse{
		Result:            gopro.ResultSuccess,
		ProvisioningState: gopro.ProvisioningStarted,
		TimeoutSeconds:    45,
	}.Marshal())
}

func (c *Camera) statusLocked() []byte {
	c.requests["status"]++
	if c.ssid != "" && !c.joined {
		c.polls++
		if c.polls > c.joinPolls {
			c.joined = true
		}
	}

	st := gopro.Status{Provisioning: gopro.COHNUnprovisioned, NetworkState: gopro.NetworkStateIdle}
	if c.provisioned {
		st.Provisioning = gopro.COHNProvisioned
		st.Enabled = true
	}
	switch {
	case c.joined && c.provisioned:
		c.startHTTPLocked()
		st.NetworkState = gopro.NetworkStateConnected
		st.IPAddress = c.http.addr
		st.Username = c.username
		st.Password = c.password
		st.SSID = c.ssid
	case c.ssid != "":
		st.NetworkState = gopro.NetworkStateConnecting
	}
	return reply(gopro.FeatureQuery, gopro.ActionGetStatus, st.Marshal())
}

func (c *Camera) certLocked() []byte {
	c.requests["cert"]++
	if !c.provisioned {
		return reply(gopro.FeatureQuery, gopro.ActionGetCert, gopro.MarshalResult(gopro.ResultResourceUnavailable))
	}
	c.startHTTPLocked()
	return reply(gopro.FeatureQuery, gopro.ActionGetCert, gopro.CertResponse{
		Result: gopro.ResultSuccess,
		Cert:   c.http.certPEM,
	}.Marshal())
}

func (c *Camera) cohnCommandLocked(action byte, body []byte) []byte {
	switch action {
	case gopro.ActionCreateCert:
		c.requests["create-cert"]++
		var r gopro.CreateCertRequest
		if err := r.Unmarshal(body); err != nil || (c.provisioned && !r.Override) {
			return reply(gopro.FeatureCommand, action, gopro.MarshalResult(gopro.ResultArgumentInvalid))
		}
		c.provisioned = true
	case gopro.ActionClearCert:
		c.requests["clear-cert"]++
		c.clears++
		c.provisioned = false
	case gopro.ActionSetCOHN:
		c.requests["set-cohn"]++
	default:
		return reply(gopro.FeatureCommand, action, gopro.MarshalResult(gopro.ResultNotSupported))
	}
	return reply(gopro.FeatureCommand, action, gopro.MarshalResult(gopro.ResultSuccess))
}

func (c *Camera) tlvLocked(req []byte) []byte {
	switch req[0] {
	case gopro.CommandShutter:
		c.requests["shutter"]++
		if len(req) < 3 {
			return []byte{req[0], gopro.StatusInvalidArgument}
		}
		c.shutter = req[2] == 1
	case gopro.CommandSleep:
		c.requests["sleep"]++
	default:
		return []byte{req[0], gopro.StatusError}
	}
	return []byte{req[0], gopro.StatusSuccess}
}

func (c *Camera) settingLocked(req []byte) []byte {
	if req[0] == gopro.SettingKeepAlive {
		c.requests["keep-alive"]++
		return []byte{req[0], gopro.StatusSuccess}
	}
	return []byte{req[0], gopro.StatusError}
}

// conn is one link connection to a Camera.
type conn struct {
	cam *Camera

	mu      sync.Mutex
	subs    map[string]func([]byte)
	asm     map[string]*frame.Assembler
	dropped bool
}

func (cn *conn) Write(ctx context.Context, uuid string, data []byte) error {
	cn.mu.Lock()
	if cn.dropped {
		cn.mu.Unlock()
		return ErrLinkDown
	}
	a, ok := cn.asm[uuid]
	if !ok {
		a = frame.NewAssembler(frame.DefaultLimits())
		cn.asm[uuid] = a
	}
	msg, complete, err := a.Feed(data)
	cn.mu.Unlock()
	if err != nil || !complete {
		return err
	}

	ch, ok := channelFor(uuid)
	if !ok {
		return nil
	}
	resp := cn.cam.handle(ch, msg)
	if resp == nil {
		return nil
	}
	packets, err := frame.Encode(resp, frame.DefaultLimits())
	if err != nil {
		return err
	}

	cn.mu.Lock()
	fn := cn.subs[ch.Notify]
	cn.mu.Unlock()
	if fn == nil {
		return nil
	}
	for _, p := range packets {
		fn(p)
	}
	return nil
}

func (cn *conn) Subscribe(uuid string, fn func([]byte)) error {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.dropped {
		return ErrLinkDown
	}
	cn.subs[uuid] = fn
	return nil
}

func (cn *conn) Disconnect() error {
	cn.drop()
	return nil
}

func (cn *conn) drop() {
	cn.mu.Lock()
	cn.dropped = true
	cn.mu.Unlock()
}

func channelFor(writeUUID string) (link.Channel, bool) {
	for _, ch := range gopro.Channels() {
		if ch.Write == writeUUID {
			return ch, true
		}
	}
	return link.Channel{}, false
}

// Network is a set of simulated cameras reachable by id.
type Network struct {
	mu   sync.RWMutex
	cams map[string]*Camera
}

// NewNetwork returns a Network holding cams.
func NewNetwork(cams ...*Camera) *Network {
	n := &Network{cams: make(map[string]*Camera, len(cams))}
	for _, c := range cams {
		n.cams[c.id] = c
	}
	return n
}

// Add registers a camera, creating it if needed, and returns it.
func (n *Network) Add(id string) *Camera {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.cams[id]; ok {
		return c
	}
	c := NewCamera(id)
	n.cams[id] = c
	return c
}

// Camera returns the camera with id, or nil.
func (n *Network) Camera(id string) *Camera {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.cams[id]
}

// Connect implements link.Transport.
func (n *Network) Connect(ctx context.Context, id string) (link.Handle, error) {
	c := n.Camera(id)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.open(ctx)
}

// Close stops every camera's HTTP server.
func (n *Network) Close() {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, c := range n.cams {
		c.Close()
	}
}

var (
	_ link.Transport = (*Camera)(nil)
	_ link.Transport = (*Network)(nil)
	_ link.Handle    = (*conn)(nil)
)
