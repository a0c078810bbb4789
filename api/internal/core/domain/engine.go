package domain

import (
	"strings"
	"time"
)

// ProfileDecoder turns a serialized profile string into an engine profile and
// a human-readable label. Unknown prefixes and malformed strings yield a
// KindDecode error.
type ProfileDecoder interface {
	Decode(serialized string) (Profile, string, error)
}

// EngineSupervisor owns the lifecycle of at most one engine process.
type EngineSupervisor interface {
	// Start is a no-op when already running.
	Start(runtimeConfigPath string) error
	// Stop is idempotent and always leaves the supervisor stopped.
	Stop()
	// IsRunning polls the OS; a crash is only observed on the next call.
	IsRunning() bool
	PID() int
	LastError() string
}

// RegistryStore persists the registry document and the runtime artifact.
type RegistryStore interface {
	LoadRegistry() (*RegistryDocument, error)
	SaveRegistry(doc *RegistryDocument) error
	ReadRuntime() ([]byte, error)
	WriteRuntime(data []byte) error
	RemoveRuntime() error
	RuntimeExists() bool
	RuntimePath() string
}

var schemePrefixes = []struct {
	prefix string
	scheme Scheme
}{
	{"vless://", SchemeVLESS},
	{"vmess://", SchemeVMess},
	{"trojan://", SchemeTrojan},
	{"ss://", SchemeShadowsocks},
}

// DetectScheme classifies a serialized profile by its prefix.
func DetectScheme(serialized string) (Scheme, bool) {
	for _, p := range schemePrefixes {
		if strings.HasPrefix(serialized, p.prefix) {
			return p.scheme, true
		}
	}
	return "", false
}

// EngineStatus is returned by the up/down operations.
type EngineStatus struct {
	Running bool `json:"running"`
	Port    int  `json:"port,omitempty"`
}

// PingStatus is the point-in-time health snapshot served by /ping.
type PingStatus struct {
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	Port      int       `json:"port,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	ActiveID  string    `json:"activeId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AddResult reports what an add call did per input item.
type AddResult struct {
	Created []string    `json:"created"`
	Errors  []ItemError `json:"errors,omitempty"`
}

// ItemError explains why one input of a batch was not added.
type ItemError struct {
	Index       int       `json:"index"`
	Fingerprint string    `json:"fingerprint"`
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
}

// ControlService is the call contract the HTTP layer consumes.
type ControlService interface {
	AddConfigs(serialized []string) (AddResult, error)
	ListConfigs(ids []string) map[string]*RecordView
	Configs() []RecordView
	GetActiveConfig() (RecordView, error)
	RemoveConfig(id string) error
	ActivateConfig(id string) error
	DeactivateConfig() (bool, error)
	ReplaceAllConfigs(serialized []string) (AddResult, error)
	EngineUp() (EngineStatus, error)
	EngineDown() EngineStatus
	Ping() PingStatus
}
