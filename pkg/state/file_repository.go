package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bft-labs/camfleet/pkg/credential"
)

// ErrInvalidID is returned for a device id that cannot name a file.
var ErrInvalidID = errors.New("state: invalid device id")

// ValidateID rejects ids that are empty, hidden or contain path separators.
func ValidateID(id string) error {
	if id == "" || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	for _, r := range id {
		ok := r == '-' || r == '_' || r == '.' ||
			(r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if !ok {
			return fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	return nil
}

// codec turns a credential into file contents and back.
type codec interface {
	encode(credential.Credential) ([]byte, error)
	decode([]byte) (credential.Credential, error)
}

// dirStore keeps one file per device in dir.
type dirStore struct {
	dir   string
	ext   string
	codec codec
}

func (s *dirStore) path(id string) string {
	return filepath.Join(s.dir, id+s.ext)
}

func (s *dirStore) get(ctx context.Context, id string) (credential.Credential, bool, error) {
	if err := ValidateID(id); err != nil {
		return credential.Credential{}, false, err
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return credential.Credential{}, false, nil
		}
		return credential.Credential{}, false, err
	}
	cred, err := s.codec.decode(data)
	if err != nil {
		return credential.Credential{}, false, fmt.Errorf("decode %s: %w", s.path(id), err)
	}
	return cred, true, nil
}

// put writes atomically: temp file, then rename.
func (s *dirStore) put(ctx context.Context, id string, cred credential.Credential) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}

	data, err := s.codec.encode(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}

	path := s.path(id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *dirStore) delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *dirStore) list(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := s.idFromPath(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *dirStore) idFromPath(path string) (string, bool) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, s.ext) {
		return "", false
	}
	id := strings.TrimSuffix(name, s.ext)
	if ValidateID(id) != nil {
		return "", false
	}
	return id, true
}

type jsonCodec struct{}

func (jsonCodec) encode(c credential.Credential) ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

func (jsonCodec) decode(data []byte) (credential.Credential, error) {
	var c credential.Credential
	err := json.Unmarshal(data, &c)
	return c, err
}

// FileRepository stores each credential as <id>.json in a directory.
type FileRepository struct {
	s dirStore
}

var _ credential.Store = (*FileRepository)(nil)

// NewFileRepository creates a new FileRepository for the given directory.
func NewFileRepository(dir string) *FileRepository {
	return &FileRepository{s: dirStore{dir: dir, ext: ".json", codec: jsonCodec{}}}
}

// Get loads the credential for id. A missing file is not an error.
func (r *FileRepository) Get(ctx context.Context, id string) (credential.Credential, bool, error) {
	return r.s.get(ctx, id)
}

// Put persists cred atomically.
func (r *FileRepository) Put(ctx context.Context, id string, cred credential.Credential) error {
	return r.s.put(ctx, id, cred)
}

// Delete removes the credential for id.
func (r *FileRepository) Delete(ctx context.Context, id string) error {
	return r.s.delete(ctx, id)
}

// List returns stored ids in sorted order.
func (r *FileRepository) List(ctx context.Context) ([]string, error) {
	return r.s.list(ctx)
}

// Dir returns the storage directory.
func (r *FileRepository) Dir() string { return r.s.dir }

// IDFromPath maps a file in Dir back to its device id.
func (r *FileRepository) IDFromPath(path string) (string, bool) { return r.s.idFromPath(path) }

// Path returns the file a credential for id is stored in.
func (r *FileRepository) Path(id string) string { return r.s.path(id) }
