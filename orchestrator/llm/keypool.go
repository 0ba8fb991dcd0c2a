// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable prefixes scanned by LoadKeyPoolFromEnv.
// Pairs are numbered from 1; scanning stops at the first missing index.
const (
	EnvAPIKeyPrefix   = "VANCHIN_API_KEY_"
	EnvEndpointPrefix = "VANCHIN_ENDPOINT_"
)

// KeyEndpointPair is one usable route to the provider: a credential plus the
// endpoint reference the gateway routes on.
type KeyEndpointPair struct {
	ID           string     `json:"id"`
	Credential   string     `json:"-"`
	EndpointRef  string     `json:"endpoint_ref"`
	RequestCount int64      `json:"request_count"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	Healthy      bool       `json:"healthy"`
}

// MaskedCredential returns the credential with all but the last 4 characters hidden.
func (p KeyEndpointPair) MaskedCredential() string {
	return MaskCredential(p.Credential)
}

// MaskCredential hides a secret for logging.
func MaskCredential(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

// KeyPool is the registry of configured pairs. It is populated once at
// startup and never mutated afterwards; health and usage live in the
// LoadBalancer, which is the single writer of that state.
type KeyPool struct {
	pairs []KeyEndpointPair
}

// PairSource is a raw credential/endpoint entry before it becomes a pair.
type PairSource struct {
	APIKey   string `yaml:"api_key" json:"api_key"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

// NewKeyPool builds a pool from raw sources. Entries with an empty key or
// endpoint are skipped. Returns a ConfigurationError if nothing usable remains.
func NewKeyPool(sources []PairSource) (*KeyPool, error) {
	pairs := make([]KeyEndpointPair, 0, len(sources))
	for _, src := range sources {
		key := strings.TrimSpace(src.APIKey)
		endpoint := strings.TrimSpace(src.Endpoint)
		if key == "" || endpoint == "" {
			continue
		}
		pairs = append(pairs, KeyEndpointPair{
			ID:          fmt.Sprintf("pair-%d", len(pairs)+1),
			Credential:  key,
			EndpointRef: endpoint,
			Healthy:     true,
		})
	}

	if len(pairs) == 0 {
		return nil, &ConfigurationError{Message: "no key/endpoint pairs configured"}
	}

	return &KeyPool{pairs: pairs}, nil
}

// Pairs returns a copy of the configured pairs in pool order.
func (p *KeyPool) Pairs() []KeyEndpointPair {
	out := make([]KeyEndpointPair, len(p.pairs))
	copy(out, p.pairs)
	return out
}

// Size returns the number of configured pairs.
func (p *KeyPool) Size() int {
	return len(p.pairs)
}

// LoadKeyPoolFromEnv builds a pool from VANCHIN_API_KEY_<n>/VANCHIN_ENDPOINT_<n>.
func LoadKeyPoolFromEnv() (*KeyPool, error) {
	return NewKeyPool(scanNumberedPairs(os.Getenv))
}

// scanNumberedPairs walks numbered key/endpoint variables through lookup
// until the first index where either value is missing.
func scanNumberedPairs(lookup func(string) string) []PairSource {
	var sources []PairSource
	for i := 1; ; i++ {
		key := strings.TrimSpace(lookup(fmt.Sprintf("%s%d", EnvAPIKeyPrefix, i)))
		endpoint := strings.TrimSpace(lookup(fmt.Sprintf("%s%d", EnvEndpointPrefix, i)))
		if key == "" || endpoint == "" {
			break
		}
		sources = append(sources, PairSource{APIKey: key, Endpoint: endpoint})
	}
	return sources
}

// keyFile is the on-disk YAML layout accepted by LoadKeyPoolFromFile.
type keyFile struct {
	Pairs []PairSource `yaml:"pairs"`
}

// LoadKeyPoolFromFile builds a pool from a YAML file of the form:
//
//	pairs:
//	  - api_key: "..."
//	    endpoint: "ep-..."
func LoadKeyPoolFromFile(path string) (*KeyPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Message: fmt.Sprintf("failed to read key file %s", path), Cause: err}
	}

	var kf keyFile
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return nil, &ConfigurationError{Message: fmt.Sprintf("failed to parse key file %s", path), Cause: err}
	}

	return NewKeyPool(kf.Pairs)
}
