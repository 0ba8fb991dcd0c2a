// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeyPool(t *testing.T) {
	t.Run("assigns sequential ids and skips incomplete entries", func(t *testing.T) {
		pool, err := NewKeyPool([]PairSource{
			{APIKey: "key-a", Endpoint: "ep-a"},
			{APIKey: "", Endpoint: "ep-b"},
			{APIKey: "key-c", Endpoint: "  "},
			{APIKey: " key-d ", Endpoint: " ep-d "},
		})
		require.NoError(t, err)
		require.Equal(t, 2, pool.Size())

		pairs := pool.Pairs()
		assert.Equal(t, "pair-1", pairs[0].ID)
		assert.Equal(t, "ep-a", pairs[0].EndpointRef)
		assert.Equal(t, "pair-2", pairs[1].ID)
		assert.Equal(t, "key-d", pairs[1].Credential)
		assert.Equal(t, "ep-d", pairs[1].EndpointRef)
		for _, p := range pairs {
			assert.True(t, p.Healthy)
			assert.Zero(t, p.RequestCount)
			assert.Nil(t, p.LastUsedAt)
		}
	})

	t.Run("empty pool is a configuration error", func(t *testing.T) {
		pool, err := NewKeyPool(nil)
		assert.Nil(t, pool)

		var cfgErr *ConfigurationError
		require.True(t, errors.As(err, &cfgErr))
	})

	t.Run("pairs returns a copy", func(t *testing.T) {
		pool, err := NewKeyPool([]PairSource{{APIKey: "k", Endpoint: "e"}})
		require.NoError(t, err)

		pairs := pool.Pairs()
		pairs[0].EndpointRef = "mutated"
		assert.Equal(t, "e", pool.Pairs()[0].EndpointRef)
	})
}

func TestLoadKeyPoolFromEnv(t *testing.T) {
	t.Run("stops at the first gap", func(t *testing.T) {
		t.Setenv("VANCHIN_API_KEY_1", "key-1")
		t.Setenv("VANCHIN_ENDPOINT_1", "ep-1")
		t.Setenv("VANCHIN_API_KEY_2", "key-2")
		t.Setenv("VANCHIN_ENDPOINT_2", "ep-2")
		// index 3 missing, 4 is never reached
		t.Setenv("VANCHIN_API_KEY_4", "key-4")
		t.Setenv("VANCHIN_ENDPOINT_4", "ep-4")

		pool, err := LoadKeyPoolFromEnv()
		require.NoError(t, err)
		assert.Equal(t, 2, pool.Size())
	})

	t.Run("key without endpoint ends the scan", func(t *testing.T) {
		t.Setenv("VANCHIN_API_KEY_1", "key-1")
		t.Setenv("VANCHIN_ENDPOINT_1", "")

		_, err := LoadKeyPoolFromEnv()
		var cfgErr *ConfigurationError
		assert.True(t, errors.As(err, &cfgErr))
	})
}

func TestLoadKeyPoolFromFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(dir, "keys.yaml")
		content := `pairs:
  - api_key: "sk-one"
    endpoint: "ep-20250101-one"
  - api_key: "sk-two"
    endpoint: "ep-20250101-two"
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		pool, err := LoadKeyPoolFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, 2, pool.Size())
		assert.Equal(t, "ep-20250101-two", pool.Pairs()[1].EndpointRef)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadKeyPoolFromFile(filepath.Join(dir, "nope.yaml"))
		var cfgErr *ConfigurationError
		require.True(t, errors.As(err, &cfgErr))
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("pairs: [unterminated"), 0o600))

		_, err := LoadKeyPoolFromFile(path)
		var cfgErr *ConfigurationError
		assert.True(t, errors.As(err, &cfgErr))
	})
}

func TestMaskCredential(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "****"},
		{"abcd", "****"},
		{"sk-1234567890", "****7890"},
	}
	for _, tt := range tests {
		if got := MaskCredential(tt.in); got != tt.want {
			t.Errorf("MaskCredential(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
