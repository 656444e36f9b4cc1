package state

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"github.com/fxamacker/cbor/v2"

	"github.com/bft-labs/camfleet/pkg/credential"
)

var encMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic("state: CBOR encoder initialization failed: " + err.Error())
	}
}

type sealedCodec struct {
	identity age.Identity
	// recipients always include the identity's own recipient.
	recipients []age.Recipient
}

func (c sealedCodec) encode(cred credential.Credential) ([]byte, error) {
	plain, err := encMode.Marshal(cred)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, c.recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return nil, fmt.Errorf("writing plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing encryption: %w", err)
	}
	return buf.Bytes(), nil
}

func (c sealedCodec) decode(data []byte) (credential.Credential, error) {
	r, err := age.Decrypt(bytes.NewReader(data), c.identity)
	if err != nil {
		return credential.Credential{}, fmt.Errorf("decrypting: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return credential.Credential{}, fmt.Errorf("reading plaintext: %w", err)
	}
	var cred credential.Credential
	if err := cbor.Unmarshal(plain, &cred); err != nil {
		return credential.Credential{}, err
	}
	return cred, nil
}

// SealedRepository stores each credential as an age-encrypted CBOR record
// named <id>.age. Records are readable only with the repository's identity.
type SealedRepository struct {
	s dirStore
}

var _ credential.Store = (*SealedRepository)(nil)

// NewSealedRepository creates a SealedRepository in dir. Records are
// encrypted to identity and to any extra recipients, such as an operator
// escrow key.
func NewSealedRepository(dir string, identity *age.X25519Identity, extra ...age.Recipient) *SealedRepository {
	recipients := append([]age.Recipient{identity.Recipient()}, extra...)
	return &SealedRepository{s: dirStore{
		dir:   dir,
		ext:   ".age",
		codec: sealedCodec{identity: identity, recipients: recipients},
	}}
}

func (r *SealedRepository) Get(ctx context.Context, id string) (credential.Credential, bool, error) {
	return r.s.get(ctx, id)
}

func (r *SealedRepository) Put(ctx context.Context, id string, cred credential.Credential) error {
	return r.s.put(ctx, id, cred)
}

func (r *SealedRepository) Delete(ctx context.Context, id string) error {
	return r.s.delete(ctx, id)
}

func (r *SealedRepository) List(ctx context.Context) ([]string, error) {
	return r.s.list(ctx)
}

func (r *SealedRepository) Dir() string                         { return r.s.dir }
func (r *SealedRepository) IDFromPath(path string) (string, bool) { return r.s.idFromPath(path) }

// LoadIdentity reads an age X25519 identity from path.
func LoadIdentity(path string) (*age.X25519Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parsing identity file %s: %w", path, err)
	}
	for _, id := range ids {
		if x, ok := id.(*age.X25519Identity); ok {
			return x, nil
		}
	}
	return nil, fmt.Errorf("identity file %s holds no X25519 identity", path)
}

// GenerateIdentity creates a new identity and writes it to path with owner-only
// permissions. It fails if path already exists.
func GenerateIdentity(path string) (*age.X25519Identity, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# public key: %s\n%s\n", id.Recipient(), id)
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return nil, err
	}
	return id, f.Close()
}

// LoadOrGenerateIdentity loads the identity at path, creating it first if the
// file does not exist.
func LoadOrGenerateIdentity(path string) (*age.X25519Identity, error) {
	id, err := LoadIdentity(path)
	if err == nil || !os.IsNotExist(err) {
		return id, err
	}
	return GenerateIdentity(path)
}
