package services_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irgordon/proxyctl/api/internal/core/domain"
	"github.com/irgordon/proxyctl/api/internal/core/services"
	"github.com/irgordon/proxyctl/api/internal/db"
)

// ==============================================================================
// Fixtures
// ==============================================================================

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDecoder accepts any recognized prefix and echoes the input into the
// profile. Strings registered with fail() stop decoding.
type fakeDecoder struct {
	mu      sync.Mutex
	failing map[string]bool
}

func newFakeDecoder() *fakeDecoder {
	return &fakeDecoder{failing: map[string]bool{}}
}

func (d *fakeDecoder) fail(serialized string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing[serialized] = true
}

func (d *fakeDecoder) Decode(serialized string) (domain.Profile, string, error) {
	scheme, ok := domain.DetectScheme(serialized)
	if !ok {
		return nil, "", domain.DecodeError("", "unrecognized profile prefix")
	}
	d.mu.Lock()
	failing := d.failing[serialized]
	d.mu.Unlock()
	if failing {
		return nil, "", domain.DecodeError(scheme, "forced failure")
	}

	outbounds, _ := json.Marshal([]map[string]string{{"tag": "proxy", "source": serialized}})
	label := ""
	if i := strings.IndexByte(serialized, '#'); i >= 0 {
		label = serialized[i+1:]
	}
	return domain.Profile{
		"outbounds": outbounds,
		// Must be overwritten by the local inbound.
		"inbounds": json.RawMessage(`[{"port":1}]`),
	}, label, nil
}

// flakyStore fails registry writes on demand.
type flakyStore struct {
	*db.FileRegistryRepository
	mu       sync.Mutex
	failSave bool
}

func (s *flakyStore) setFailSave(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSave = v
}

func (s *flakyStore) SaveRegistry(doc *domain.RegistryDocument) error {
	s.mu.Lock()
	fail := s.failSave
	s.mu.Unlock()
	if fail {
		return domain.StorageError("write registry", errors.New("disk full"))
	}
	return s.FileRegistryRepository.SaveRegistry(doc)
}

type registryFixture struct {
	dir     string
	repo    *db.FileRegistryRepository
	store   *flakyStore
	decoder *fakeDecoder
	reg     *services.RegistryService
}

func newRegistryFixture(t *testing.T) *registryFixture {
	t.Helper()
	dir := t.TempDir()
	repo, err := db.NewFileRegistryRepository(dir)
	require.NoError(t, err)
	f := &registryFixture{
		dir:     dir,
		repo:    repo,
		store:   &flakyStore{FileRegistryRepository: repo},
		decoder: newFakeDecoder(),
	}
	f.reg, err = services.NewRegistryService(f.store, f.decoder, discardLogger())
	require.NoError(t, err)
	return f
}

// assertInvariants reloads the persisted state and checks the registry rules.
func (f *registryFixture) assertInvariants(t *testing.T) {
	t.Helper()
	doc, err := f.repo.LoadRegistry()
	require.NoError(t, err, "persisted registry must validate")

	active := 0
	for id, rec := range doc.Records {
		if rec.IsActive {
			active++
			assert.Equal(t, doc.ActiveID, id)
		}
	}
	if doc.ActiveID == "" {
		assert.Zero(t, active)
		assert.False(t, f.repo.RuntimeExists(), "runtime artifact must not exist without an active profile")
		return
	}
	assert.Equal(t, 1, active)
	require.True(t, f.repo.RuntimeExists(), "runtime artifact must exist for the active profile")

	data, err := f.repo.ReadRuntime()
	require.NoError(t, err)
	assert.Contains(t, string(data), doc.Records[doc.ActiveID].Serialized)
	assert.Equal(t, doc.ActiveID, f.reg.ActiveID())
}

func (f *registryFixture) snapshot(t *testing.T) (registry, runtime []byte) {
	t.Helper()
	registry, err := os.ReadFile(f.repo.RegistryPath())
	require.NoError(t, err)
	runtime, _ = os.ReadFile(f.repo.RuntimePath())
	return registry, runtime
}

func mustAdd(t *testing.T, reg *services.RegistryService, serialized ...string) []string {
	t.Helper()
	res, err := reg.Add(serialized)
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	require.Len(t, res.Created, len(serialized))
	return res.Created
}

// ==============================================================================
// 1. Add
// ==============================================================================

func TestRegistry_AddFirstBecomesActive(t *testing.T) {
	f := newRegistryFixture(t)

	ids := mustAdd(t, f.reg, "vless://A#Alpha", "ss://B")

	assert.Equal(t, ids[0], f.reg.ActiveID())
	all := f.reg.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, "Alpha", all[0].Label)
	assert.Equal(t, ids[1], all[1].Label, "missing labels fall back to the id")
	assert.Equal(t, domain.SchemeShadowsocks, all[1].Scheme)
	f.assertInvariants(t)

	var runtime struct {
		Inbounds []domain.Inbound `json:"inbounds"`
	}
	data, err := f.repo.ReadRuntime()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &runtime))
	assert.Equal(t, []domain.Inbound{domain.LocalInbound()}, runtime.Inbounds)

	port, err := f.reg.RuntimePort()
	require.NoError(t, err)
	assert.Equal(t, 10808, port)
}

func TestRegistry_AddKeepsExistingActive(t *testing.T) {
	f := newRegistryFixture(t)
	first := mustAdd(t, f.reg, "vless://A")
	mustAdd(t, f.reg, "vless://B")

	assert.Equal(t, first[0], f.reg.ActiveID())
	f.assertInvariants(t)
}

func TestRegistry_AddDeduplicates(t *testing.T) {
	f := newRegistryFixture(t)
	mustAdd(t, f.reg, "vless://A")

	res, err := f.reg.Add([]string{"vless://A", "  vless://A  "})
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, domain.KindDuplicate, res.Errors[0].Kind)
	assert.Len(t, f.reg.GetAll(), 1)

	res, err = f.reg.Add([]string{"trojan://C", "trojan://C"})
	require.NoError(t, err)
	assert.Len(t, res.Created, 1)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.Errors[0].Index)
}

func TestRegistry_AddIsolatesDecodeFailures(t *testing.T) {
	f := newRegistryFixture(t)

	res, err := f.reg.Add([]string{"http://nope", "", "vless://A"})
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, domain.KindDecode, res.Errors[0].Kind)
	assert.Equal(t, 0, res.Errors[0].Index)
	assert.Equal(t, domain.KindBadRequest, res.Errors[1].Kind)
	assert.NotContains(t, res.Errors[0].Fingerprint, "nope", "item errors never echo the profile")

	assert.Equal(t, res.Created[0], f.reg.ActiveID())
	f.assertInvariants(t)
}

func TestRegistry_AddNothingDecodes(t *testing.T) {
	f := newRegistryFixture(t)
	res, err := f.reg.Add([]string{"bogus"})
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Empty(t, f.reg.ActiveID())
	assert.NoFileExists(t, f.repo.RegistryPath(), "a no-op add does not write")
}

// ==============================================================================
// 2. Activate
// ==============================================================================

func TestRegistry_ActivateMovesPointer(t *testing.T) {
	f := newRegistryFixture(t)
	ids := mustAdd(t, f.reg, "vless://A", "vless://B")
	before := f.reg.GetByIDs([]string{ids[1]})[ids[1]].LastUsedAt

	require.NoError(t, f.reg.Activate(ids[1]))

	assert.Equal(t, ids[1], f.reg.ActiveID())
	view := f.reg.GetByIDs([]string{ids[1]})[ids[1]]
	assert.True(t, view.IsActive)
	assert.False(t, view.LastUsedAt.Before(before))
	f.assertInvariants(t)
}

func TestRegistry_ActivateDecodeFailureChangesNothing(t *testing.T) {
	f := newRegistryFixture(t)
	ids := mustAdd(t, f.reg, "vless://A", "vless://B")
	f.decoder.fail("vless://B")
	registryBefore, runtimeBefore := f.snapshot(t)

	err := f.reg.Activate(ids[1])
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDecode))

	registryAfter, runtimeAfter := f.snapshot(t)
	assert.Equal(t, registryBefore, registryAfter, "registry document must be byte-for-byte unchanged")
	assert.Equal(t, runtimeBefore, runtimeAfter)
	assert.Equal(t, ids[0], f.reg.ActiveID())
}

func TestRegistry_ActivateUnknownAndClear(t *testing.T) {
	f := newRegistryFixture(t)
	mustAdd(t, f.reg, "vless://A")

	err := f.reg.Activate("missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	require.NoError(t, f.reg.Activate(""))
	assert.Empty(t, f.reg.ActiveID())
	_, err = f.reg.Active()
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	f.assertInvariants(t)
}

func TestRegistry_DeactivateWithNothingActiveWritesNothing(t *testing.T) {
	f := newRegistryFixture(t)
	ids := mustAdd(t, f.reg, "vless://A")

	changed, err := f.reg.Deactivate()
	require.NoError(t, err)
	assert.True(t, changed)
	registryBefore, _ := f.snapshot(t)

	// A store that rejects writes proves nothing is written the second time.
	f.store.setFailSave(true)
	changed, err = f.reg.Deactivate()
	require.NoError(t, err)
	assert.False(t, changed)
	f.store.setFailSave(false)

	registryAfter, _ := f.snapshot(t)
	assert.Equal(t, registryBefore, registryAfter)
	assert.Len(t, f.reg.GetByIDs(ids), 1)
	f.assertInvariants(t)
}

func TestRegistry_ActivateRestoresArtifactWhenRegistryWriteFails(t *testing.T) {
	f := newRegistryFixture(t)
	ids := mustAdd(t, f.reg, "vless://A", "vless://B")
	registryBefore, runtimeBefore := f.snapshot(t)

	f.store.setFailSave(true)
	err := f.reg.Activate(ids[1])
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStorage))
	f.store.setFailSave(false)

	registryAfter, runtimeAfter := f.snapshot(t)
	assert.Equal(t, registryBefore, registryAfter)
	assert.Equal(t, runtimeBefore, runtimeAfter)
	assert.Equal(t, ids[0], f.reg.ActiveID(), "in-memory state is not swapped on failure")
	f.assertInvariants(t)
}

// ==============================================================================
// 3. Remove
// ==============================================================================

func TestRegistry_RemoveActiveFallsBackBySequence(t *testing.T) {
	f := newRegistryFixture(t)
	ids := mustAdd(t, f.reg, "vless://A", "vless://B", "vless://C")
	require.NoError(t, f.reg.Activate(ids[2]))

	require.NoError(t, f.reg.Remove(ids[2]))
	assert.Equal(t, ids[0], f.reg.ActiveID())
	f.assertInvariants(t)

	require.NoError(t, f.reg.Remove(ids[0]))
	assert.Equal(t, ids[1], f.reg.ActiveID())
	f.assertInvariants(t)

	require.NoError(t, f.reg.Remove(ids[1]))
	assert.Empty(t, f.reg.ActiveID())
	assert.Empty(t, f.reg.GetAll())
	f.assertInvariants(t)
}

func TestRegistry_RemoveFallbackSkipsUndecodable(t *testing.T) {
	f := newRegistryFixture(t)
	ids := mustAdd(t, f.reg, "vless://A", "vless://B", "vless://C")
	require.NoError(t, f.reg.Activate(ids[2]))
	f.decoder.fail("vless://A")

	require.NoError(t, f.reg.Remove(ids[2]))
	assert.Equal(t, ids[1], f.reg.ActiveID())
	f.assertInvariants(t)
}

func TestRegistry_RemoveInactiveKeepsActive(t *testing.T) {
	f := newRegistryFixture(t)
	ids := mustAdd(t, f.reg, "vless://A", "vless://B")
	_, runtimeBefore := f.snapshot(t)

	require.NoError(t, f.reg.Remove(ids[1]))
	assert.Equal(t, ids[0], f.reg.ActiveID())
	_, runtimeAfter := f.snapshot(t)
	assert.Equal(t, runtimeBefore, runtimeAfter)
	f.assertInvariants(t)

	err := f.reg.Remove(ids[1])
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

// ==============================================================================
// 4. ReplaceAll and queries
// ==============================================================================

func TestRegistry_ReplaceAll(t *testing.T) {
	f := newRegistryFixture(t)
	old := mustAdd(t, f.reg, "vless://A", "vless://B")

	res, cleared, err := f.reg.ReplaceAll([]string{"trojan://C", "vless://A"})
	require.NoError(t, err)
	assert.True(t, cleared)
	require.Len(t, res.Created, 2)

	assert.Equal(t, res.Created[0], f.reg.ActiveID())
	views := f.reg.GetByIDs([]string{old[0], old[1], res.Created[1]})
	assert.Nil(t, views[old[0]])
	assert.Nil(t, views[old[1]])
	require.NotNil(t, views[res.Created[1]])
	assert.NotEqual(t, old[0], res.Created[1], "ids are never reused")
	f.assertInvariants(t)
}

func TestRegistry_ReplaceAllWithNothingValidLeavesEmpty(t *testing.T) {
	f := newRegistryFixture(t)
	mustAdd(t, f.reg, "vless://A")

	res, cleared, err := f.reg.ReplaceAll([]string{"bogus"})
	require.NoError(t, err)
	assert.True(t, cleared)
	assert.Empty(t, res.Created)
	assert.Empty(t, f.reg.GetAll())
	f.assertInvariants(t)
}

func TestRegistry_ReplaceAllReportsFailedClear(t *testing.T) {
	f := newRegistryFixture(t)
	f.store.setFailSave(true)

	_, cleared, err := f.reg.ReplaceAll([]string{"vless://A"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStorage))
	assert.False(t, cleared)
	assert.Empty(t, f.reg.GetAll())
}

func TestRegistry_GetByIDsReportsUnknown(t *testing.T) {
	f := newRegistryFixture(t)
	ids := mustAdd(t, f.reg, "vless://A")

	views := f.reg.GetByIDs([]string{ids[0], "nope"})
	require.Len(t, views, 2)
	require.NotNil(t, views[ids[0]])
	assert.Equal(t, ids[0], views[ids[0]].ID)
	v, present := views["nope"]
	assert.True(t, present)
	assert.Nil(t, v)
}

// ==============================================================================
// 5. Load-time repair and concurrency
// ==============================================================================

func TestRegistry_RepairsMissingArtifact(t *testing.T) {
	f := newRegistryFixture(t)
	ids := mustAdd(t, f.reg, "vless://A")
	require.NoError(t, os.Remove(f.repo.RuntimePath()))

	reg, err := services.NewRegistryService(f.repo, f.decoder, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, ids[0], reg.ActiveID())
	assert.True(t, f.repo.RuntimeExists())
}

func TestRegistry_RepairsStaleArtifact(t *testing.T) {
	f := newRegistryFixture(t)
	ids := mustAdd(t, f.reg, "vless://A", "vless://B")
	require.Equal(t, ids[0], f.reg.ActiveID())

	// An activation of B interrupted after the artifact write but before the
	// registry write leaves B's artifact behind A's active pointer.
	require.NoError(t, f.reg.Activate(ids[1]))
	staleArtifact, err := f.repo.ReadRuntime()
	require.NoError(t, err)
	require.NoError(t, f.reg.Activate(ids[0]))
	require.NoError(t, f.repo.WriteRuntime(staleArtifact))

	reg, err := services.NewRegistryService(f.repo, f.decoder, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, ids[0], reg.ActiveID())

	data, err := f.repo.ReadRuntime()
	require.NoError(t, err)
	assert.Contains(t, string(data), "vless://A")
	assert.NotContains(t, string(data), "vless://B")
}

func TestRegistry_RepairLeavesMatchingArtifactAlone(t *testing.T) {
	f := newRegistryFixture(t)
	mustAdd(t, f.reg, "vless://A")
	info, err := os.Stat(f.repo.RuntimePath())
	require.NoError(t, err)

	_, err = services.NewRegistryService(f.repo, f.decoder, discardLogger())
	require.NoError(t, err)

	after, err := os.Stat(f.repo.RuntimePath())
	require.NoError(t, err)
	assert.True(t, os.SameFile(info, after), "an up-to-date artifact is not rewritten")
}

func TestRegistry_RepairClearsUndecodableActiveWithArtifact(t *testing.T) {
	f := newRegistryFixture(t)
	mustAdd(t, f.reg, "vless://A")
	f.decoder.fail("vless://A")

	reg, err := services.NewRegistryService(f.repo, f.decoder, discardLogger())
	require.NoError(t, err)
	assert.Empty(t, reg.ActiveID())
	assert.False(t, f.repo.RuntimeExists())
}

func TestRegistry_RepairClearsUndecodableActive(t *testing.T) {
	f := newRegistryFixture(t)
	mustAdd(t, f.reg, "vless://A")
	require.NoError(t, os.Remove(f.repo.RuntimePath()))
	f.decoder.fail("vless://A")

	reg, err := services.NewRegistryService(f.repo, f.decoder, discardLogger())
	require.NoError(t, err)
	assert.Empty(t, reg.ActiveID())
	assert.Len(t, reg.GetAll(), 1)
	assert.False(t, f.repo.RuntimeExists())
}

func TestRegistry_RepairRemovesStrayArtifact(t *testing.T) {
	dir := t.TempDir()
	repo, err := db.NewFileRegistryRepository(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(repo.RuntimePath(), []byte(`{}`), 0o600))

	_, err = services.NewRegistryService(repo, newFakeDecoder(), discardLogger())
	require.NoError(t, err)
	assert.False(t, repo.RuntimeExists())
}

func TestRegistry_RejectsCorruptDocument(t *testing.T) {
	dir := t.TempDir()
	repo, err := db.NewFileRegistryRepository(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(repo.RegistryPath(), []byte(`["not","a","registry"]`), 0o600))

	_, err = services.NewRegistryService(repo, newFakeDecoder(), discardLogger())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStorage))
}

func TestRegistry_ConcurrentAdds(t *testing.T) {
	f := newRegistryFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.reg.Add([]string{fmt.Sprintf("vless://%d", i), "vless://shared"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, f.reg.GetAll(), 17)
	f.assertInvariants(t)
}
