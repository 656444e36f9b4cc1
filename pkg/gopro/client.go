package gopro

import (
	"context"
	"fmt"
	"time"

	"github.com/bft-labs/camfleet/pkg/credential"
	"github.com/bft-labs/camfleet/pkg/link"
)

// Requester sends one request on a channel and returns the reassembled
// response. *link.Session satisfies it.
type Requester interface {
	Request(ctx context.Context, ch link.Channel, payload []byte, timeout time.Duration) ([]byte, error)
}

// ResultError reports a response whose result code is not success.
type ResultError struct {
	Action byte
	Result Result
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("gopro: action %#02x returned %s", e.Action, e.Result)
}

// Client speaks the provisioning protocol over a Requester.
type Client struct {
	req     Requester
	timeout time.Duration
}

var _ credential.Protocol = (*Client)(nil)

// NewClient returns a Client. timeout bounds each exchange when the context
// carries no earlier deadline.
func NewClient(req Requester, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{req: req, timeout: timeout}
}

func (c *Client) exchange(ctx context.Context, ch link.Channel, feature, action byte, body []byte) ([]byte, error) {
	timeout := c.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	resp, err := c.req.Request(ctx, ch, EncodeRequest(feature, action, body), timeout)
	if err != nil {
		return nil, err
	}
	return DecodeResponse(feature, action, resp)
}

func (c *Client) generic(ctx context.Context, ch link.Channel, feature, action byte, body []byte) error {
	b, err := c.exchange(ctx, ch, feature, action, body)
	if err != nil {
		return err
	}
	var r GenericResponse
	if err := r.Unmarshal(b); err != nil {
		return err
	}
	if r.Result != ResultSuccess {
		return &ResultError{Action: action, Result: r.Result}
	}
	return nil
}

// JoinNetwork asks the camera to connect to a new access point.
func (c *Client) JoinNetwork(ctx context.Context, ssid, password string) error {
	body := ConnectNewRequest{SSID: ssid, Password: password}.Marshal()
	b, err := c.exchange(ctx, ChannelNetwork, FeatureNetwork, ActionConnectNew, body)
	if err != nil {
		return err
	}
	var r ConnectNewResponse
	if err := r.Unmarshal(b); err != nil {
		return err
	}
	if r.Failed() {
		return fmt.Errorf("join %q: %w (provisioning state %d)", ssid,
			&ResultError{Action: ActionConnectNew, Result: r.Result}, r.ProvisioningState)
	}
	return nil
}

// CreateCertificate asks the camera to issue a new certificate, replacing any
// existing one.
func (c *Client) CreateCertificate(ctx context.Context) error {
	return c.generic(ctx, ChannelCommand, FeatureCommand, ActionCreateCert,
		CreateCertRequest{Override: true}.Marshal())
}

// ClearCertificate asks the camera to discard its certificate.
func (c *Client) ClearCertificate(ctx context.Context) error {
	return c.generic(ctx, ChannelCommand, FeatureCommand, ActionClearCert, nil)
}

// Status returns the camera's COHN status.
func (c *Client) Status(ctx context.Context) (credential.NetworkStatus, error) {
	b, err := c.exchange(ctx, ChannelQuery, FeatureQuery, ActionGetStatus, StatusRequest{}.Marshal())
	if err != nil {
		return credential.NetworkStatus{}, err
	}
	var s Status
	if err := s.Unmarshal(b); err != nil {
		return credential.NetworkStatus{}, err
	}
	return s.NetworkStatus(), nil
}

// Certificate fetches the camera's certificate.
func (c *Client) Certificate(ctx context.Context) (string, error) {
	b, err := c.exchange(ctx, ChannelQuery, FeatureQuery, ActionGetCert, nil)
	if err != nil {
		return "", err
	}
	var r CertResponse
	if err := r.Unmarshal(b); err != nil {
		return "", err
	}
	if r.Result != ResultSuccess {
		return "", &ResultError{Action: ActionGetCert, Result: r.Result}
	}
	return r.Cert, nil
}

// NetworkStatus maps the camera report onto the provisioning view.
func (s Status) NetworkStatus() credential.NetworkStatus {
	return credential.NetworkStatus{
		Provisioned: s.Provisioning == COHNProvisioned,
		Connected:   s.NetworkState == NetworkStateConnected,
		Connecting:  s.NetworkState == NetworkStateConnecting,
		Address:     s.IPAddress,
		Username:    s.Username,
		Password:    s.Password,
	}
}
