package driver_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tarantool/go-logkv/driver"
)

func testStreamConfig() driver.StreamConfig {
	return driver.StreamConfig{
		Name:              "KV_test",
		Description:       "",
		Subjects:          []string{"$KV.test.>"},
		MaxMsgsPerSubject: 5,
		MaxBytes:          1024,
		MaxAge:            time.Minute,
		MaxMsgSize:        128,
		Storage:           driver.MemoryStorage,
		Replicas:          1,
		AllowRollup:       true,
		DenyDelete:        true,
	}
}

func TestStreamConfig_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, testStreamConfig().Validate())

	noName := testStreamConfig()
	noName.Name = ""
	require.ErrorIs(t, noName.Validate(), driver.ErrInvalidStreamConfig)

	noSubjects := testStreamConfig()
	noSubjects.Subjects = nil
	require.ErrorIs(t, noSubjects.Validate(), driver.ErrInvalidStreamConfig)

	badSubject := testStreamConfig()
	badSubject.Subjects = []string{"$KV..>"}
	require.ErrorIs(t, badSubject.Validate(), driver.ErrInvalidStreamConfig)
}

func TestStreamConfig_BindsSubject(t *testing.T) {
	t.Parallel()

	cfg := testStreamConfig()

	assert.True(t, cfg.BindsSubject("$KV.test.key"))
	assert.False(t, cfg.BindsSubject("$KV.other.key"))
}

func TestStreamConfig_Overlaps(t *testing.T) {
	t.Parallel()

	cfg := testStreamConfig()

	other := testStreamConfig()
	other.Name = "KV_other"
	other.Subjects = []string{"$KV.other.>"}
	assert.False(t, cfg.Overlaps(other))

	other.Subjects = []string{"$KV.other.>", "$KV.*.key"}
	assert.True(t, cfg.Overlaps(other))
}

func TestSameConfig(t *testing.T) {
	t.Parallel()

	a := testStreamConfig()
	b := testStreamConfig()
	assert.True(t, driver.SameConfig(a, b))

	b.MaxMsgsPerSubject = 10
	assert.False(t, driver.SameConfig(a, b))

	a.Subjects, b.Subjects = nil, []string{}
	b.MaxMsgsPerSubject = a.MaxMsgsPerSubject
	assert.True(t, driver.SameConfig(a, b))
}

func TestStreamConfig_YAML(t *testing.T) {
	t.Parallel()

	cfg := testStreamConfig()

	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(data), "storage: memory")

	var decoded driver.StreamConfig
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	assert.True(t, driver.SameConfig(cfg, decoded))
}

func TestStorageType_UnmarshalYAML_Invalid(t *testing.T) {
	t.Parallel()

	var storage driver.StorageType

	err := yaml.Unmarshal([]byte("tape"), &storage)
	require.ErrorIs(t, err, driver.ErrInvalidStreamConfig)
}

func TestStorageTypeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "file", driver.FileStorage.String())
	assert.Equal(t, "memory", driver.MemoryStorage.String())
	assert.Equal(t, "unknown", driver.StorageType(42).String())
}

func TestRecord_Size(t *testing.T) {
	t.Parallel()

	rec := driver.Record{Subject: "$KV.b.k", Data: []byte("value")} //nolint:exhaustruct

	assert.Equal(t, uint64(12), rec.Size())
}
