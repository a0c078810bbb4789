package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/zeebo/blake3"
)

// RegistryVersion is the schema tag written into every registry document.
const RegistryVersion = 2

// Scheme tags the family of a serialized profile. The set is closed.
type Scheme string

const (
	SchemeVLESS       Scheme = "vless"
	SchemeVMess       Scheme = "vmess"
	SchemeTrojan      Scheme = "trojan"
	SchemeShadowsocks Scheme = "ss"
)

// ProfileRecord is one stored connection profile.
// 🛡️ IsActive is denormalized: it must always equal (ID == RegistryDocument.ActiveID).
type ProfileRecord struct {
	ID         string    `json:"-"`
	Serialized string    `json:"serialized"`
	Scheme     Scheme    `json:"scheme"`
	Label      string    `json:"label"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	IsActive   bool      `json:"isActive"`

	// Seq is the insertion sequence. It defines the stable order used for
	// listings, "first added becomes active" and fallback after removal.
	Seq uint64 `json:"seq"`
}

// Fingerprint returns a short BLAKE3 digest of the serialized profile. Logs and
// views carry it instead of the raw string, which embeds credentials.
func (r ProfileRecord) Fingerprint() string {
	return ProfileFingerprint(r.Serialized)
}

// ProfileFingerprint hashes a serialized profile string.
func ProfileFingerprint(serialized string) string {
	sum := blake3.Sum256([]byte(serialized))
	return fmt.Sprintf("%x", sum[:8])
}

// RegistryDocument is the persisted registry state.
type RegistryDocument struct {
	Version  int                      `json:"version"`
	ActiveID string                   `json:"activeId"`
	NextSeq  uint64                   `json:"nextSeq"`
	Records  map[string]ProfileRecord `json:"records"`
}

// NewRegistryDocument returns an empty document at the current schema version.
func NewRegistryDocument() *RegistryDocument {
	return &RegistryDocument{
		Version: RegistryVersion,
		NextSeq: 1,
		Records: map[string]ProfileRecord{},
	}
}

// Clone deep-copies the document so mutations can be staged and discarded.
func (d *RegistryDocument) Clone() *RegistryDocument {
	out := &RegistryDocument{
		Version:  d.Version,
		ActiveID: d.ActiveID,
		NextSeq:  d.NextSeq,
		Records:  make(map[string]ProfileRecord, len(d.Records)),
	}
	for id, rec := range d.Records {
		out.Records[id] = rec
	}
	return out
}

// Ordered returns the records sorted by insertion sequence, ties by id.
func (d *RegistryDocument) Ordered() []ProfileRecord {
	out := make([]ProfileRecord, 0, len(d.Records))
	for id, rec := range d.Records {
		rec.ID = id
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq == out[j].Seq {
			return out[i].ID < out[j].ID
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// FindBySerialized reports the id of the record holding serialized, if any.
func (d *RegistryDocument) FindBySerialized(serialized string) (string, bool) {
	for id, rec := range d.Records {
		if rec.Serialized == serialized {
			return id, true
		}
	}
	return "", false
}

// SetActive moves the active pointer and rewrites every IsActive flag.
func (d *RegistryDocument) SetActive(id string) {
	d.ActiveID = id
	for rid, rec := range d.Records {
		rec.IsActive = rid == id
		d.Records[rid] = rec
	}
}

// Validate checks the invariants that must hold for any committed document.
func (d *RegistryDocument) Validate() error {
	if d.Version != RegistryVersion {
		return fmt.Errorf("unsupported registry version %d", d.Version)
	}
	if d.Records == nil {
		return fmt.Errorf("registry has no records map")
	}
	if d.ActiveID != "" {
		if _, ok := d.Records[d.ActiveID]; !ok {
			return fmt.Errorf("active id %s is not a known record", d.ActiveID)
		}
	}
	seen := make(map[string]string, len(d.Records))
	for id, rec := range d.Records {
		if id == "" {
			return fmt.Errorf("record with empty id")
		}
		if rec.Serialized == "" {
			return fmt.Errorf("record %s has no serialized profile", id)
		}
		if other, dup := seen[rec.Serialized]; dup {
			return fmt.Errorf("records %s and %s share a serialized profile", other, id)
		}
		seen[rec.Serialized] = id
		if rec.IsActive != (id == d.ActiveID) {
			return fmt.Errorf("record %s active flag disagrees with active id", id)
		}
		if rec.Seq == 0 || rec.Seq >= d.NextSeq {
			return fmt.Errorf("record %s has out-of-range sequence %d", id, rec.Seq)
		}
	}
	return nil
}

// RecordView is the API projection of a record.
type RecordView struct {
	ID          string    `json:"id"`
	Label       string    `json:"name"`
	Scheme      Scheme    `json:"protocol"`
	Serialized  string    `json:"serializedConfig"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created"`
	LastUsedAt  time.Time `json:"lastUsed"`
	IsActive    bool      `json:"isActive"`
}

// View projects a record for callers outside the registry.
func (r ProfileRecord) View() RecordView {
	return RecordView{
		ID:          r.ID,
		Label:       r.Label,
		Scheme:      r.Scheme,
		Serialized:  r.Serialized,
		Fingerprint: r.Fingerprint(),
		CreatedAt:   r.CreatedAt,
		LastUsedAt:  r.LastUsedAt,
		IsActive:    r.IsActive,
	}
}

// Profile is a decoded engine profile: top-level engine config keys mapped to
// their raw JSON values.
type Profile map[string]json.RawMessage

// Local SOCKS inbound injected into every runtime config.
const (
	InboundListen   = "127.0.0.1"
	InboundPort     = 10808
	InboundProtocol = "socks"
)

type InboundSettings struct {
	UDP bool `json:"udp"`
}

type Inbound struct {
	Listen   string          `json:"listen"`
	Port     int             `json:"port"`
	Protocol string          `json:"protocol"`
	Settings InboundSettings `json:"settings"`
}

// LocalInbound returns the fixed inbound every runtime config listens on.
func LocalInbound() Inbound {
	return Inbound{
		Listen:   InboundListen,
		Port:     InboundPort,
		Protocol: InboundProtocol,
		Settings: InboundSettings{UDP: true},
	}
}

// RuntimeConfig is the engine-consumable document: the decoded profile with
// its "inbounds" key forcibly replaced by the local inbound.
type RuntimeConfig struct {
	Inbounds []Inbound
	Profile  Profile
}

// NewRuntimeConfig materializes a decoded profile.
func NewRuntimeConfig(profile Profile) RuntimeConfig {
	return RuntimeConfig{
		Inbounds: []Inbound{LocalInbound()},
		Profile:  profile,
	}
}

// Port reports the port of the first inbound, or 0.
func (c RuntimeConfig) Port() int {
	if len(c.Inbounds) == 0 {
		return 0
	}
	return c.Inbounds[0].Port
}

func (c RuntimeConfig) MarshalJSON() ([]byte, error) {
	doc := make(map[string]json.RawMessage, len(c.Profile)+1)
	for k, v := range c.Profile {
		doc[k] = v
	}
	inbounds, err := json.Marshal(c.Inbounds)
	if err != nil {
		return nil, err
	}
	doc["inbounds"] = inbounds
	return json.Marshal(doc)
}

func (c *RuntimeConfig) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	c.Inbounds = nil
	if raw, ok := doc["inbounds"]; ok {
		if err := json.Unmarshal(raw, &c.Inbounds); err != nil {
			return fmt.Errorf("inbounds: %w", err)
		}
		delete(doc, "inbounds")
	}
	c.Profile = doc
	return nil
}
