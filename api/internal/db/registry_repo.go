package db

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/irgordon/proxyctl/api/internal/core/domain"
)

const (
	registryFileName = "configs_info.json"
	runtimeFileName  = "active_config.json"
)

var (
	// ErrUnexpectedShape is wrapped when a persisted document does not parse
	// into the registry schema.
	ErrUnexpectedShape = errors.New("unexpected registry document shape")
)

// FileRegistryRepository implements domain.RegistryStore on a state directory
// holding two artifacts: the registry document and the runtime config.
// 🛡️ Every write goes through a temp file + rename, so readers (and the engine)
// never observe a partially written document.
type FileRegistryRepository struct {
	dir string
}

// NewFileRegistryRepository ensures the state directory exists.
func NewFileRegistryRepository(dir string) (*FileRegistryRepository, error) {
	if dir == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, domain.StorageError("create state dir", err)
	}
	return &FileRegistryRepository{dir: dir}, nil
}

func (r *FileRegistryRepository) RegistryPath() string {
	return filepath.Join(r.dir, registryFileName)
}

func (r *FileRegistryRepository) RuntimePath() string {
	return filepath.Join(r.dir, runtimeFileName)
}

// LoadRegistry reads the registry document. A missing file is an empty
// registry; anything that does not validate is a storage error.
func (r *FileRegistryRepository) LoadRegistry() (*domain.RegistryDocument, error) {
	data, err := os.ReadFile(r.RegistryPath())
	if errors.Is(err, os.ErrNotExist) {
		return domain.NewRegistryDocument(), nil
	}
	if err != nil {
		return nil, domain.StorageError("read registry", err)
	}

	doc, err := decodeRegistry(data)
	if err != nil {
		return nil, domain.StorageError("parse registry", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, domain.StorageError("validate registry", fmt.Errorf("%w: %v", ErrUnexpectedShape, err))
	}
	return doc, nil
}

// SaveRegistry validates and atomically replaces the registry document.
func (r *FileRegistryRepository) SaveRegistry(doc *domain.RegistryDocument) error {
	// 🛡️ Defense-in-Depth: never persist a document that breaks an invariant.
	if err := doc.Validate(); err != nil {
		return domain.StorageError("save registry", err)
	}
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return domain.StorageError("encode registry", err)
	}
	if err := writeFileAtomic(r.RegistryPath(), data, 0o600); err != nil {
		return domain.StorageError("write registry", err)
	}
	return nil
}

func (r *FileRegistryRepository) ReadRuntime() ([]byte, error) {
	data, err := os.ReadFile(r.RuntimePath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.ConfigNotFound(r.RuntimePath())
		}
		return nil, domain.StorageError("read runtime config", err)
	}
	return data, nil
}

func (r *FileRegistryRepository) WriteRuntime(data []byte) error {
	if err := writeFileAtomic(r.RuntimePath(), data, 0o600); err != nil {
		return domain.StorageError("write runtime config", err)
	}
	return nil
}

// RemoveRuntime deletes the runtime artifact; a missing file is not an error.
func (r *FileRegistryRepository) RemoveRuntime() error {
	err := os.Remove(r.RuntimePath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return domain.StorageError("remove runtime config", err)
	}
	return nil
}

func (r *FileRegistryRepository) RuntimeExists() bool {
	_, err := os.Stat(r.RuntimePath())
	return err == nil
}

// decodeRegistry accepts the current layout and migrates the legacy one.
func decodeRegistry(data []byte) (*domain.RegistryDocument, error) {
	var shape struct {
		Version int             `json:"version"`
		Records json.RawMessage `json:"records"`
		Configs json.RawMessage `json:"configs"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedShape, err)
	}

	if shape.Records == nil && (shape.Configs != nil || shape.Version == legacyRegistryVersion) {
		return migrateLegacy(data)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var raw struct {
		Version  int                             `json:"version"`
		ActiveID string                          `json:"activeId"`
		NextSeq  uint64                          `json:"nextSeq"`
		Records  map[string]domain.ProfileRecord `json:"records"`
	}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedShape, err)
	}

	if raw.NextSeq == 0 {
		raw.NextSeq = 1
	}
	doc := &domain.RegistryDocument{
		Version:  raw.Version,
		ActiveID: raw.ActiveID,
		NextSeq:  raw.NextSeq,
		Records:  raw.Records,
	}
	for id, rec := range doc.Records {
		rec.ID = id
		doc.Records[id] = rec
	}
	return doc, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	syncDir(dir)
	return nil
}

// syncDir makes the rename durable where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
