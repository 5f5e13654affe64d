package vault

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/appointment-finder/internal/eventlog"
	"github.com/JakeFAU/appointment-finder/internal/profile"
)

type fixture struct {
	store  *Store
	events *eventlog.Log
	logs   *observer.ObservedLogs
	cfg    Config
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		KeyPath:    filepath.Join(dir, "secret.key"),
		ConfigPath: filepath.Join(dir, "config.json"),
	}
	core, logs := observer.New(zapcore.DebugLevel)
	events := eventlog.New(16, nil)
	store, err := New(cfg, events, zap.New(core))
	require.NoError(t, err)
	return fixture{store: store, events: events, logs: logs, cfg: cfg}
}

func sampleConfig() profile.Config {
	return profile.Config{PersonalInfo: profile.PersonalInfo{
		FirstName:      "Marie",
		LastName:       "Tremblay",
		NAM:            "TREM12345678",
		CardSeqNumber:  "01",
		PostalCode:     "H2X 1Y4",
		Cellphone:      "514-555-0199",
		Email:          "marie@example.com",
		BirthDay:       "14",
		BirthMonth:     "03",
		BirthYear:      "1988",
		ReasonID:       profile.UrgentReasonID,
		RVSQEnabled:    true,
		BonjourEnabled: true,
	}}
}

func TestNewValidatesPaths(t *testing.T) {
	t.Parallel()

	_, err := New(Config{ConfigPath: "config.json"}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{KeyPath: "secret.key"}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{KeyPath: "same", ConfigPath: "./same"}, nil, nil)
	require.Error(t, err)
}

func TestLoadFreshEnvironmentCreatesKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	cfg, ok := f.store.Load()
	require.False(t, ok)
	require.True(t, cfg.IsZero())

	key, err := os.ReadFile(f.cfg.KeyPath)
	require.NoError(t, err)
	require.Len(t, key, KeySize)
	require.Zero(t, f.events.Len())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, _ = f.store.Load()
	want := sampleConfig()
	require.NoError(t, f.store.Save(want))

	got, ok := f.store.Load()
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestSaveWritesEncryptedEnvelope(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	require.NoError(t, f.store.Save(sampleConfig()))

	raw, err := os.ReadFile(f.cfg.ConfigPath)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Tremblay")
	assert.NotContains(t, string(raw), "TREM12345678")

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &fields))
	require.Len(t, fields, 1)
	require.Contains(t, fields, "data")

	info, err := os.Stat(f.cfg.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEnsureKeyNeverRotates(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	first, err := f.store.EnsureKey()
	require.NoError(t, err)
	require.NoError(t, f.store.Save(sampleConfig()))
	second, err := f.store.EnsureKey()
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestLoadCorruptedCiphertextDegradesToEmpty(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.store.Save(sampleConfig()))

	raw, err := os.ReadFile(f.cfg.ConfigPath)
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	sealed, err := base64.StdEncoding.DecodeString(env.Data)
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF
	env.Data = base64.StdEncoding.EncodeToString(sealed)
	corrupted, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.cfg.ConfigPath, corrupted, 0o600))

	cfg, ok := f.store.Load()
	require.False(t, ok)
	require.True(t, cfg.IsZero())
	require.Equal(t, 1, f.events.Len())
	require.Contains(t, f.events.Tail(1)[0].Text, "Error loading config")
	require.Equal(t, 1, f.logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestLoadWithReplacedKeyDegradesToEmpty(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.store.Save(sampleConfig()))

	require.NoError(t, os.Remove(f.cfg.KeyPath))

	_, ok := f.store.Load()
	require.False(t, ok)
	require.Equal(t, 1, f.events.Len())

	// The store is usable again with the fresh key.
	require.NoError(t, f.store.Save(sampleConfig()))
	got, ok := f.store.Load()
	require.True(t, ok)
	require.Equal(t, sampleConfig(), got)
}

func TestLoadMalformedFiles(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not json":          "this is not json",
		"json array":        `["a"]`,
		"non-string data":   `{"data": 42}`,
		"bad base64":        `{"data": "%%%"}`,
		"short ciphertext":  `{"data": "AAAA"}`,
		"bad legacy fields": `{"personal_info": {"first_name": 7}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			require.NoError(t, os.WriteFile(f.cfg.ConfigPath, []byte(body), 0o600))

			cfg, ok := f.store.Load()
			require.False(t, ok)
			require.True(t, cfg.IsZero())
			require.Equal(t, 1, f.events.Len())
		})
	}
}

func TestLoadLegacyPlaintext(t *testing.T) {
	t.Parallel()

	t.Run("nested", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		body, err := json.Marshal(sampleConfig())
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(f.cfg.ConfigPath, body, 0o600))

		got, ok := f.store.Load()
		require.True(t, ok)
		require.Equal(t, sampleConfig(), got)

		// Legacy files are read in place, never rewritten by Load.
		after, err := os.ReadFile(f.cfg.ConfigPath)
		require.NoError(t, err)
		require.Equal(t, body, after)
	})

	t.Run("without site flags", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		body := `{"personal_info": {"first_name": "Marie", "last_name": "Tremblay", "nam": "TREM12345678"}}`
		require.NoError(t, os.WriteFile(f.cfg.ConfigPath, []byte(body), 0o600))

		got, ok := f.store.Load()
		require.True(t, ok)
		assert.True(t, got.PersonalInfo.RVSQEnabled)
		assert.False(t, got.PersonalInfo.BonjourEnabled)
		assert.Equal(t, []profile.Target{profile.TargetRVSQ}, got.EnabledTargets())

		flat := `{"first_name": "Marie", "bonjour_enabled": true, "rvsq_enabled": false}`
		require.NoError(t, os.WriteFile(f.cfg.ConfigPath, []byte(flat), 0o600))
		got, ok = f.store.Load()
		require.True(t, ok)
		assert.False(t, got.PersonalInfo.RVSQEnabled)
		assert.True(t, got.PersonalInfo.BonjourEnabled)
	})

	t.Run("flat", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		body, err := json.Marshal(sampleConfig().PersonalInfo)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(f.cfg.ConfigPath, body, 0o600))

		got, ok := f.store.Load()
		require.True(t, ok)
		require.Equal(t, sampleConfig(), got)
	})
}

func TestLoadRejectsTruncatedKeyFile(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.cfg.KeyPath, []byte("short"), 0o600))

	_, ok := f.store.Load()
	require.False(t, ok)
	require.Equal(t, 1, f.events.Len())

	require.Error(t, f.store.Save(sampleConfig()))
}

func TestClearRemovesProfileOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.store.Save(sampleConfig()))

	require.NoError(t, f.store.Clear())
	require.NoError(t, f.store.Clear())

	_, ok := f.store.Load()
	require.False(t, ok)
	_, err := os.Stat(f.cfg.KeyPath)
	require.NoError(t, err)
}
