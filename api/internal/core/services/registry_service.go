package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/irgordon/proxyctl/api/internal/core/domain"
)

// RegistryService is the ConfigRegistry: it owns the in-memory registry
// document, the active pointer and the runtime artifact.
// 🛡️ Every mutation is staged on a clone and only swapped in after the store
// accepted it, so a failed write never leaves memory and disk disagreeing.
type RegistryService struct {
	mu      sync.RWMutex
	doc     *domain.RegistryDocument
	store   domain.RegistryStore
	decoder domain.ProfileDecoder
	logger  *slog.Logger
	now     func() time.Time
}

// NewRegistryService loads the registry and repairs the runtime artifact left
// behind by an interrupted run.
func NewRegistryService(store domain.RegistryStore, decoder domain.ProfileDecoder, logger *slog.Logger) (*RegistryService, error) {
	doc, err := store.LoadRegistry()
	if err != nil {
		return nil, err
	}
	s := &RegistryService{
		doc:     doc,
		store:   store,
		decoder: decoder,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if err := s.repair(); err != nil {
		return nil, err
	}
	return s, nil
}

// ==============================================================================
// 1. Mutations
// ==============================================================================

// Add decodes and stores every profile not already present. Decode failures
// and duplicates are reported per item. When nothing was active before the
// call, the first successfully added profile becomes active.
func (s *RegistryService) Add(serialized []string) (domain.AddResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(serialized)
}

func (s *RegistryService) addLocked(serialized []string) (domain.AddResult, error) {
	staged := s.doc.Clone()
	result := domain.AddResult{Created: []string{}}
	activateFirst := staged.ActiveID == ""

	var (
		firstID      string
		firstRuntime []byte
	)
	now := s.now()
	for i, raw := range serialized {
		raw = strings.TrimSpace(raw)
		fp := domain.ProfileFingerprint(raw)

		if raw == "" {
			result.Errors = append(result.Errors, domain.ItemError{Index: i, Fingerprint: fp, Kind: domain.KindBadRequest, Message: "empty profile string"})
			continue
		}
		if existing, dup := staged.FindBySerialized(raw); dup {
			result.Errors = append(result.Errors, domain.ItemError{Index: i, Fingerprint: fp, Kind: domain.KindDuplicate, Message: "profile already stored as " + existing})
			continue
		}

		profile, label, err := s.decoder.Decode(raw)
		if err != nil {
			s.logger.Warn("Skipping undecodable profile", "index", i, "fingerprint", fp, "error", err)
			result.Errors = append(result.Errors, domain.ItemError{Index: i, Fingerprint: fp, Kind: domain.KindOf(err), Message: err.Error()})
			continue
		}

		id := newRecordID(staged)
		scheme, _ := domain.DetectScheme(raw)
		if label == "" {
			label = id
		}
		staged.Records[id] = domain.ProfileRecord{
			ID:         id,
			Serialized: raw,
			Scheme:     scheme,
			Label:      label,
			CreatedAt:  now,
			LastUsedAt: now,
			Seq:        staged.NextSeq,
		}
		staged.NextSeq++
		result.Created = append(result.Created, id)

		if activateFirst && firstID == "" {
			runtime, err := renderRuntime(profile)
			if err != nil {
				return domain.AddResult{}, err
			}
			firstID, firstRuntime = id, runtime
		}
	}

	if len(result.Created) == 0 {
		return result, nil
	}

	touch := false
	if firstID != "" {
		staged.SetActive(firstID)
		touch = true
	}
	if err := s.commit(staged, firstRuntime, touch); err != nil {
		return domain.AddResult{}, err
	}

	s.logger.Info("Profiles added", "created", len(result.Created), "rejected", len(result.Errors), "active_id", staged.ActiveID)
	return result, nil
}

// Remove deletes a record. Removing the active record activates the remaining
// record with the lowest sequence whose profile still decodes, or clears the
// active pointer when none does.
func (s *RegistryService) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc.Records[id]; !ok {
		return domain.NotFound("remove", "no profile with id %s", id)
	}
	staged := s.doc.Clone()
	delete(staged.Records, id)

	if id != staged.ActiveID {
		if err := s.commit(staged, nil, false); err != nil {
			return err
		}
		s.logger.Info("Profile removed", "id", id)
		return nil
	}

	fallbackID, runtime := s.pickFallback(staged)
	if fallbackID != "" {
		rec := staged.Records[fallbackID]
		rec.LastUsedAt = s.now()
		staged.Records[fallbackID] = rec
	}
	staged.SetActive(fallbackID)
	if err := s.commit(staged, runtime, true); err != nil {
		return err
	}

	s.logger.Info("Active profile removed", "id", id, "fallback_id", fallbackID)
	return nil
}

// pickFallback walks the remaining records in sequence order and returns the
// first one that materializes.
func (s *RegistryService) pickFallback(doc *domain.RegistryDocument) (string, []byte) {
	for _, rec := range doc.Ordered() {
		profile, _, err := s.decoder.Decode(rec.Serialized)
		if err != nil {
			s.logger.Warn("Fallback candidate does not decode", "id", rec.ID, "fingerprint", rec.Fingerprint(), "error", err)
			continue
		}
		runtime, err := renderRuntime(profile)
		if err != nil {
			s.logger.Warn("Fallback candidate does not render", "id", rec.ID, "error", err)
			continue
		}
		return rec.ID, runtime
	}
	return "", nil
}

// Activate makes id the active record. An empty id clears the active pointer.
// 🛡️ All-or-nothing: a decode failure leaves registry and artifact untouched.
func (s *RegistryService) Activate(id string) error {
	if id == "" {
		_, err := s.Deactivate()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.doc.Clone()
	rec, ok := staged.Records[id]
	if !ok {
		return domain.NotFound("activate", "no profile with id %s", id)
	}
	profile, _, err := s.decoder.Decode(rec.Serialized)
	if err != nil {
		return err
	}
	runtime, err := renderRuntime(profile)
	if err != nil {
		return err
	}

	rec.LastUsedAt = s.now()
	staged.Records[id] = rec
	staged.SetActive(id)
	if err := s.commit(staged, runtime, true); err != nil {
		return err
	}

	s.logger.Info("Profile activated", "id", id, "fingerprint", rec.Fingerprint())
	return nil
}

// Deactivate clears the active pointer and removes the runtime artifact. It
// reports false, and writes nothing, when no record was active.
func (s *RegistryService) Deactivate() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc.ActiveID == "" {
		return false, nil
	}
	staged := s.doc.Clone()
	staged.SetActive("")
	if err := s.commit(staged, nil, true); err != nil {
		return false, err
	}
	s.logger.Info("Active profile cleared")
	return true, nil
}

// ReplaceAll clears every record and the active pointer, then adds the given
// profiles. cleared reports whether the clear was committed; if the add step
// fails afterwards the registry stays empty.
func (s *RegistryService) ReplaceAll(serialized []string) (result domain.AddResult, cleared bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	empty := domain.NewRegistryDocument()
	// Sequence numbers keep growing across replacements.
	empty.NextSeq = s.doc.NextSeq
	if err := s.commit(empty, nil, true); err != nil {
		return domain.AddResult{}, false, err
	}
	s.logger.Info("Registry cleared for replacement")

	result, err = s.addLocked(serialized)
	if err != nil {
		return domain.AddResult{}, true, fmt.Errorf("registry left empty after replace: %w", err)
	}
	return result, true, nil
}

// commit persists a staged document. When touchArtifact is set the runtime
// artifact is replaced by runtime (or removed when runtime is nil) before the
// registry is written, and restored if the registry write fails.
func (s *RegistryService) commit(staged *domain.RegistryDocument, runtime []byte, touchArtifact bool) error {
	if !touchArtifact {
		if err := s.store.SaveRegistry(staged); err != nil {
			return err
		}
		s.doc = staged
		return nil
	}

	previous, prevErr := s.store.ReadRuntime()
	hadPrevious := prevErr == nil

	var err error
	if runtime != nil {
		err = s.store.WriteRuntime(runtime)
	} else {
		err = s.store.RemoveRuntime()
	}
	if err != nil {
		return err
	}

	if err := s.store.SaveRegistry(staged); err != nil {
		s.restoreArtifact(previous, hadPrevious)
		return err
	}
	s.doc = staged
	return nil
}

func (s *RegistryService) restoreArtifact(previous []byte, hadPrevious bool) {
	var err error
	if hadPrevious {
		err = s.store.WriteRuntime(previous)
	} else {
		err = s.store.RemoveRuntime()
	}
	if err != nil {
		s.logger.Error("Failed to restore runtime artifact after registry write failure", "error", err)
	}
}

// repair reconciles the artifact with the loaded active pointer. An
// interrupted mutation can leave the artifact missing, stray, or rendered
// from a record other than the active one; the artifact is always re-derived
// from records[activeId].
func (s *RegistryService) repair() error {
	active := s.doc.ActiveID
	if active == "" {
		if s.store.RuntimeExists() {
			s.logger.Warn("Removing stray runtime artifact", "path", s.store.RuntimePath())
			return s.store.RemoveRuntime()
		}
		return nil
	}

	rec := s.doc.Records[active]
	profile, _, err := s.decoder.Decode(rec.Serialized)
	var want []byte
	if err == nil {
		want, err = renderRuntime(profile)
	}
	if err != nil {
		s.logger.Warn("Active profile no longer decodes, clearing active pointer", "id", active, "error", err)
		staged := s.doc.Clone()
		staged.SetActive("")
		return s.commit(staged, nil, true)
	}

	current, readErr := s.store.ReadRuntime()
	switch {
	case readErr != nil:
		s.logger.Warn("Re-materializing missing runtime artifact", "id", active)
	case !bytes.Equal(current, want):
		s.logger.Warn("Runtime artifact does not match the active profile, rewriting", "id", active)
	default:
		return nil
	}
	return s.store.WriteRuntime(want)
}

// ==============================================================================
// 2. Queries
// ==============================================================================

// GetAll returns every record in sequence order.
func (s *RegistryService) GetAll() []domain.RecordView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ordered := s.doc.Ordered()
	out := make([]domain.RecordView, 0, len(ordered))
	for _, rec := range ordered {
		out = append(out, rec.View())
	}
	return out
}

// GetByIDs returns one entry per requested id; unknown ids map to nil.
func (s *RegistryService) GetByIDs(ids []string) map[string]*domain.RecordView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*domain.RecordView, len(ids))
	for _, id := range ids {
		rec, ok := s.doc.Records[id]
		if !ok {
			out[id] = nil
			continue
		}
		view := rec.View()
		out[id] = &view
	}
	return out
}

// Active returns the active record or a not-found error.
func (s *RegistryService) Active() (domain.RecordView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.doc.ActiveID == "" {
		return domain.RecordView{}, domain.NotFound("active", "no active profile")
	}
	return s.doc.Records[s.doc.ActiveID].View(), nil
}

func (s *RegistryService) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.ActiveID
}

func (s *RegistryService) RuntimePath() string {
	return s.store.RuntimePath()
}

// RuntimePort reads the inbound port from the runtime artifact.
func (s *RegistryService) RuntimePort() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := s.store.ReadRuntime()
	if err != nil {
		return 0, err
	}
	var cfg domain.RuntimeConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return 0, domain.StorageError("parse runtime config", err)
	}
	return cfg.Port(), nil
}

// ==============================================================================
// 3. Helpers
// ==============================================================================

// renderRuntime materializes a decoded profile with the fixed local inbound.
func renderRuntime(profile domain.Profile) ([]byte, error) {
	data, err := json.MarshalIndent(domain.NewRuntimeConfig(profile), "", "    ")
	if err != nil {
		return nil, domain.StorageError("encode runtime config", err)
	}
	return data, nil
}

func newRecordID(doc *domain.RegistryDocument) string {
	for {
		id := uuid.NewString()
		if _, taken := doc.Records[id]; !taken {
			return id
		}
	}
}
