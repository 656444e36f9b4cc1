package credential

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// ErrIncomplete is returned when a credential is missing a required field.
var ErrIncomplete = errors.New("credential: incomplete")

// Credential is the network identity a device issues for itself during
// provisioning. It is owned by exactly one device.
type Credential struct {
	DeviceID string `json:"device_id" cbor:"1,keyasint"`

	// Address is the device's IP address on the joined network. It is the only
	// field refreshed without re-provisioning.
	Address string `json:"ip_address" cbor:"2,keyasint"`

	Username string `json:"username" cbor:"3,keyasint"`
	Password string `json:"password" cbor:"4,keyasint"`

	// Certificate is the device's self-signed certificate in PEM form.
	Certificate string `json:"certificate" cbor:"5,keyasint"`

	// Valid is cleared only by an explicit reset.
	Valid bool `json:"valid" cbor:"6,keyasint"`

	IssuedAt    time.Time `json:"issued_at" cbor:"7,keyasint"`
	RefreshedAt time.Time `json:"refreshed_at,omitempty" cbor:"8,keyasint"`
}

// Validate checks that every field needed for a secure session is present.
func (c Credential) Validate() error {
	var missing []string
	if c.DeviceID == "" {
		missing = append(missing, "device id")
	}
	if c.Address == "" {
		missing = append(missing, "address")
	}
	if c.Username == "" {
		missing = append(missing, "username")
	}
	if c.Password == "" {
		missing = append(missing, "password")
	}
	if c.Certificate == "" {
		missing = append(missing, "certificate")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrIncomplete, missing)
	}
	return nil
}

// Usable reports whether the credential is valid and complete.
func (c Credential) Usable() bool {
	return c.Valid && c.Validate() == nil
}

// Fingerprint identifies the trust material. It is safe to log.
func (c Credential) Fingerprint() string {
	if c.Certificate == "" {
		return ""
	}
	sum := blake3.Sum256([]byte(c.Certificate))
	return hex.EncodeToString(sum[:8])
}

// Store persists credentials by device id.
type Store interface {
	// Get returns the credential for id; ok is false if none is stored.
	Get(ctx context.Context, id string) (cred Credential, ok bool, err error)

	// Put stores cred under id, replacing any previous credential.
	Put(ctx context.Context, id string, cred Credential) error

	// Delete removes the credential for id. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	// List returns the ids with a stored credential.
	List(ctx context.Context) ([]string, error)
}
