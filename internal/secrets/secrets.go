// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package secrets handles the per-user secret store and its hydration into
// run snapshots.
//
// The store is a name/value map sealed with nacl secretbox under a key
// derived from the configured encryption secret. Hydration happens exactly
// once, immediately before traversal; the hydrated snapshot is never written
// back to the run row.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"golang.org/x/crypto/nacl/secretbox"
)

// Store maps secret names to plaintext values.
type Store map[string]string

// ErrDecrypt indicates the sealed store could not be opened with the
// configured key.
var ErrDecrypt = errors.New("secrets: unable to decrypt secret store")

const nonceSize = 24

// deriveKey turns the configured encryption secret into a secretbox key.
func deriveKey(secret string) *[32]byte {
	sum := sha256.Sum256([]byte(secret))
	var key [32]byte
	copy(key[:], sum[:])
	return &key
}

// Seal encrypts the store for persistence. The random nonce is prepended to
// the ciphertext.
func Seal(s Store, encryptionSecret string) ([]byte, error) {
	plaintext, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal secret store: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, deriveKey(encryptionSecret)), nil
}

// Open decrypts a sealed store. An empty or nil blob yields an empty store.
func Open(sealed []byte, encryptionSecret string) (Store, error) {
	if len(sealed) == 0 {
		return Store{}, nil
	}
	if len(sealed) < nonceSize {
		return nil, ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, deriveKey(encryptionSecret))
	if !ok {
		return nil, ErrDecrypt
	}
	var s Store
	if err := json.Unmarshal(plaintext, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secret store: %w", err)
	}
	if s == nil {
		s = Store{}
	}
	return s, nil
}

// secretRef matches {{secret.name}} references, with optional inner spaces.
var secretRef = regexp.MustCompile(`\{\{\s*secret\.([A-Za-z0-9_.\-]+)\s*\}\}`)

// HydrateString substitutes secret references in one string. References to
// unknown secrets are left untouched so the failure shows up at the adapter
// rather than silently becoming empty.
func HydrateString(s string, sec Store) string {
	return secretRef.ReplaceAllStringFunc(s, func(match string) string {
		name := secretRef.FindStringSubmatch(match)[1]
		if val, ok := sec[name]; ok {
			return val
		}
		return match
	})
}

// HydrateSnapshot walks the snapshot tree and substitutes secret references
// inside every string leaf. Non-string leaves are left alone.
func HydrateSnapshot(snapshot map[string]any, sec Store) {
	if len(sec) == 0 {
		return
	}
	for k, v := range snapshot {
		snapshot[k] = hydrateValue(v, sec)
	}
}

func hydrateValue(v any, sec Store) any {
	switch t := v.(type) {
	case string:
		return HydrateString(t, sec)
	case map[string]any:
		for k, inner := range t {
			t[k] = hydrateValue(inner, sec)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = hydrateValue(inner, sec)
		}
		return t
	default:
		return v
	}
}

// Values returns the plaintext values, used for output masking.
func (s Store) Values() []string {
	out := make([]string, 0, len(s))
	for _, v := range s {
		out = append(out, v)
	}
	return out
}
