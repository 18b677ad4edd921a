package signature

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/device-posture-go/internal/domain"
)

func newTestStore(t testing.TB) (*Store, afero.Fs) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	fs := afero.NewMemMapFs()
	store, err := NewStore(fs, logger)
	require.NoError(t, err)
	return store, fs
}

func TestBuiltinCorpusCompiles(t *testing.T) {
	store, _ := newTestStore(t)
	stats := store.Stats()
	assert.Greater(t, stats.KnownBadPackages, 0)
	assert.Greater(t, stats.PermissionCombos, 0)
	assert.Equal(t, stats.Total(), stats.KnownBadPackages+stats.HashPrefixes+stats.NamePatterns+
		stats.PermissionCombos+stats.DangerousPermissions+stats.DangerousApps+stats.HookArtifacts+stats.SuspiciousFiles)
}

func TestMatchPackage(t *testing.T) {
	store, _ := newTestStore(t)
	corpus := store.Snapshot()

	rule, ok := corpus.MatchPackage("com.topjohnwu.magisk")
	require.True(t, ok)
	assert.Equal(t, CategoryRootTool, rule.Category)

	rule, ok = corpus.MatchPackage("com.flexispy.android.agent")
	require.True(t, ok)
	assert.Equal(t, CategoryStalkerware, rule.Category)

	_, ok = corpus.MatchPackage("com.flexispyware")
	assert.False(t, ok, "prefix rules match on package segment boundaries")

	_, ok = corpus.MatchPackage("com.example.notes")
	assert.False(t, ok)
}

func TestMatchHash(t *testing.T) {
	store, _ := newTestStore(t)
	corpus := store.Snapshot()

	rule, ok := corpus.MatchHash("A3F1C2E9B7D40815FFFF0000")
	require.True(t, ok)
	assert.Equal(t, "Joker", rule.Family)

	_, ok = corpus.MatchHash("a3f1")
	assert.False(t, ok, "hash shorter than the minimum prefix never matches")

	_, ok = corpus.MatchHash("0000000000000000")
	assert.False(t, ok)
}

func TestMatchNameAndCombo(t *testing.T) {
	store, _ := newTestStore(t)
	corpus := store.Snapshot()

	rule, ok := corpus.MatchName("Phone Tracker Pro")
	require.True(t, ok)
	assert.Equal(t, "phone_tracker", rule.Name)
	_, ok = corpus.MatchName("Calculator")
	assert.False(t, ok)

	perms := domain.NewPermissionSet("RECEIVE_SMS", "READ_SMS", "SEND_SMS", "INTERNET")
	combo, ok := corpus.MatchCombo(perms)
	require.True(t, ok)
	assert.Equal(t, "sms_interception", combo.Name)
	assert.Equal(t, 3, corpus.DangerousPermissionCount(perms))

	_, ok = corpus.MatchCombo(domain.NewPermissionSet("READ_SMS"))
	assert.False(t, ok)
}

func TestBenignLocationApp(t *testing.T) {
	store, _ := newTestStore(t)
	corpus := store.Snapshot()

	assert.True(t, corpus.IsBenignLocationApp(domain.AppRecord{PackageID: "com.acme.weather", DisplayName: "Forecast"}))
	assert.True(t, corpus.IsBenignLocationApp(domain.AppRecord{PackageID: "com.acme.x", DisplayName: "City Maps"}))
	assert.False(t, corpus.IsBenignLocationApp(domain.AppRecord{PackageID: "com.acme.flashlight", DisplayName: "Torch"}))
}

func TestReloadMergesFileRules(t *testing.T) {
	store, fs := newTestStore(t)
	before := store.Snapshot()

	file := `
version: "2026.10.18"
known_bad_packages:
  - id: com.evil.app
    category: spyware
    reason: test rule
    priority: 200
hash_prefixes:
  - prefix: 0123456789abcdef
    family: TestFamily
`
	require.NoError(t, afero.WriteFile(fs, "/etc/signatures.yaml", []byte(file), 0o644))
	require.NoError(t, store.Reload("/etc/signatures.yaml"))

	after := store.Snapshot()
	assert.NotSame(t, before, after)
	assert.Equal(t, "2026.10.18", after.Version)

	rule, ok := after.MatchPackage("com.evil.app")
	require.True(t, ok)
	assert.Equal(t, "test rule", rule.Reason)
	assert.Equal(t, "com.evil.app", after.KnownBadPackages[0].ID, "higher priority rules sort first")

	_, ok = after.MatchPackage("com.topjohnwu.magisk")
	assert.True(t, ok, "builtin rules are kept")

	_, ok = before.MatchPackage("com.evil.app")
	assert.False(t, ok, "snapshots taken before reload are unchanged")
}

func TestReloadRejectsInvalidFile(t *testing.T) {
	store, fs := newTestStore(t)
	before := store.Snapshot()

	require.NoError(t, afero.WriteFile(fs, "/bad.yaml", []byte("hash_prefixes:\n  - prefix: abc\n"), 0o644))
	assert.Error(t, store.Reload("/bad.yaml"))
	assert.Same(t, before, store.Snapshot())

	require.NoError(t, afero.WriteFile(fs, "/regex.yaml", []byte("name_patterns:\n  - name: broken\n    pattern: \"([\"\n"), 0o644))
	assert.Error(t, store.Reload("/regex.yaml"))

	assert.Error(t, store.Reload("/missing.yaml"))
}

func BenchmarkMatchPackage(b *testing.B) {
	store, _ := newTestStore(b)
	corpus := store.Snapshot()
	ids := []string{"com.example.notes", "com.flexispy.android.agent", "com.topjohnwu.magisk", "org.unknown.widget"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		corpus.MatchPackage(ids[i%len(ids)])
	}
}

func BenchmarkConcurrentSnapshot(b *testing.B) {
	store, _ := newTestStore(b)

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			corpus := store.Snapshot()
			corpus.MatchName("hidden spy tracker")
		}
	})
}
