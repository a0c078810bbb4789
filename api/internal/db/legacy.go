package db

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/irgordon/proxyctl/api/internal/core/domain"
)

const legacyRegistryVersion = 1

// legacyRegistry is the layout written by the first generation of the
// control plane: no sequence numbers and Qt-style local timestamps.
type legacyRegistry struct {
	Version          int                     `json:"version"`
	ActiveConfigUUID string                  `json:"activeConfigUuid"`
	Configs          map[string]legacyRecord `json:"configs"`
}

type legacyRecord struct {
	Created          string `json:"created"`
	LastUsed         string `json:"lastUsed"`
	Protocol         string `json:"protocol"`
	SerializedConfig string `json:"serializedConfig"`
	Name             string `json:"name"`
}

var legacyTimeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05"}

func parseLegacyTime(s string) time.Time {
	for _, layout := range legacyTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// migrateLegacy converts a legacy document. Records are sequenced by creation
// time then id; duplicate profiles keep their earliest record; a dangling
// active pointer is dropped.
func migrateLegacy(data []byte) (*domain.RegistryDocument, error) {
	var legacy legacyRegistry
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("%w: legacy layout: %v", ErrUnexpectedShape, err)
	}

	type entry struct {
		id  string
		rec legacyRecord
		at  time.Time
	}
	entries := make([]entry, 0, len(legacy.Configs))
	for id, rec := range legacy.Configs {
		if rec.SerializedConfig == "" {
			return nil, fmt.Errorf("%w: legacy record %s has no serializedConfig", ErrUnexpectedShape, id)
		}
		entries = append(entries, entry{id: id, rec: rec, at: parseLegacyTime(rec.Created)})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].at.Equal(entries[j].at) {
			return entries[i].id < entries[j].id
		}
		return entries[i].at.Before(entries[j].at)
	})

	doc := domain.NewRegistryDocument()
	for _, e := range entries {
		if _, dup := doc.FindBySerialized(e.rec.SerializedConfig); dup {
			continue
		}
		scheme, ok := domain.DetectScheme(e.rec.SerializedConfig)
		if !ok {
			scheme = domain.Scheme(e.rec.Protocol)
		}
		label := e.rec.Name
		if label == "" {
			label = e.id
		}
		lastUsed := parseLegacyTime(e.rec.LastUsed)
		if lastUsed.IsZero() {
			lastUsed = e.at
		}
		doc.Records[e.id] = domain.ProfileRecord{
			ID:         e.id,
			Serialized: e.rec.SerializedConfig,
			Scheme:     scheme,
			Label:      label,
			CreatedAt:  e.at,
			LastUsedAt: lastUsed,
			Seq:        doc.NextSeq,
		}
		doc.NextSeq++
	}

	if _, ok := doc.Records[legacy.ActiveConfigUUID]; ok {
		doc.SetActive(legacy.ActiveConfigUUID)
	} else {
		doc.SetActive("")
	}
	return doc, nil
}
