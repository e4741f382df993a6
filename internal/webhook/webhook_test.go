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

package webhook

import (
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestTokenDerivation(t *testing.T) {
	owner := uuid.New()
	workflow := uuid.New()
	salt := uuid.New()

	token := ComputeToken(testSecret, owner, workflow, salt)
	signingKey := ComputeSigningKey(testSecret, owner, workflow, salt)

	assert.NotEmpty(t, token)
	assert.NotEqual(t, token, signingKey, "token and signing key must differ")

	// Deterministic for the same inputs.
	assert.Equal(t, token, ComputeToken(testSecret, owner, workflow, salt))

	// Salt rotation invalidates the token.
	assert.NotEqual(t, token, ComputeToken(testSecret, owner, workflow, uuid.New()))
}

func TestRotatedSaltTokenVerifies(t *testing.T) {
	owner := uuid.New()
	workflow := uuid.New()
	newSalt := uuid.New()

	// Deriving with the new salt must produce a token that matches a fresh
	// derivation with the same salt (the verify path recomputes it).
	first := ComputeToken(testSecret, owner, workflow, newSalt)
	second := ComputeToken(testSecret, owner, workflow, newSalt)
	assert.Equal(t, first, second)
}

func TestVerifyHeaderVariant(t *testing.T) {
	owner := uuid.New()
	workflow := uuid.New()
	salt := uuid.New()
	signingKey := ComputeSigningKey(testSecret, owner, workflow, salt)

	body := []byte(`{"x":1}`)
	now := time.Now()
	ts := now.Unix()
	sig := SignaturePrefix + Sign(signingKey, ts, body)

	headers := map[string]string{
		HeaderTimestamp: strconv.FormatInt(ts, 10),
		HeaderSignature: sig,
	}
	getHeader := func(name string) string { return headers[name] }

	in, err := ExtractSignature(getHeader, body, nil)
	require.NoError(t, err)

	canonical, err := Verify(in, signingKey, 300, now)
	require.NoError(t, err)
	assert.Equal(t, Sign(signingKey, ts, body), canonical, "prefix is stripped for replay recording")
}

func TestVerifyTimestampWindowBoundary(t *testing.T) {
	signingKey := ComputeSigningKey(testSecret, uuid.New(), uuid.New(), uuid.New())
	body := []byte(`{}`)
	now := time.Unix(1_700_000_000, 0)
	window := 300

	sign := func(ts int64) *SignatureInput {
		return &SignatureInput{
			Timestamp: strconv.FormatInt(ts, 10),
			Signature: SignaturePrefix + Sign(signingKey, ts, body),
			Payload:   body,
		}
	}

	_, err := Verify(sign(now.Unix()-int64(window)), signingKey, window, now)
	assert.NoError(t, err, "timestamp at now-window passes")

	_, err = Verify(sign(now.Unix()-int64(window)-1), signingKey, window, now)
	assert.ErrorIs(t, err, ErrStaleTimestamp, "timestamp at now-window-1 fails")
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	signingKey := ComputeSigningKey(testSecret, uuid.New(), uuid.New(), uuid.New())
	now := time.Now()
	in := &SignatureInput{
		Timestamp: strconv.FormatInt(now.Unix(), 10),
		Signature: SignaturePrefix + "deadbeef",
		Payload:   []byte(`{}`),
	}
	_, err := Verify(in, signingKey, 300, now)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestExtractSignatureLegacyBodyVariant(t *testing.T) {
	signingKey := ComputeSigningKey(testSecret, uuid.New(), uuid.New(), uuid.New())
	now := time.Now()
	ts := now.Unix()

	// The legacy variant signs the JSON body without the signature keys.
	payload, err := json.Marshal(map[string]any{"x": float64(1)})
	require.NoError(t, err)
	sig := Sign(signingKey, ts, payload)

	body := map[string]any{
		"x":                float64(1),
		BodyFieldTimestamp: strconv.FormatInt(ts, 10),
		BodyFieldSignature: sig,
	}

	in, err := ExtractSignature(func(string) string { return "" }, []byte("ignored"), body)
	require.NoError(t, err)

	canonical, err := Verify(in, signingKey, 300, now)
	require.NoError(t, err)
	assert.Equal(t, sig, canonical)
}

func TestExtractSignatureMissing(t *testing.T) {
	_, err := ExtractSignature(func(string) string { return "" }, nil, map[string]any{"x": 1})
	assert.ErrorIs(t, err, ErrMissingSignature)
}

func TestCollectAndSelectTriggers(t *testing.T) {
	graph := map[string]any{
		"nodes": []any{
			map[string]any{"id": "t1", "type": "trigger", "data": map[string]any{"triggerType": "Webhook", "label": "Order Created"}},
			map[string]any{"id": "t2", "type": "trigger", "data": map[string]any{"triggerType": "schedule", "label": "Nightly"}},
			map[string]any{"id": "t3", "type": "trigger", "data": map[string]any{"triggerType": "webhook"}},
			map[string]any{"id": "a1", "type": "action", "data": map[string]any{}},
		},
	}

	triggers := CollectTriggers(graph)
	require.Len(t, triggers, 2)
	assert.Equal(t, "Order Created", triggers[0].Label)
	assert.Equal(t, "t3", triggers[1].Label, "unlabeled trigger falls back to node id")

	assert.Equal(t, "t1", SelectTrigger(triggers, "order created").ID, "label match is case-insensitive")
	assert.Nil(t, SelectTrigger(triggers, "unknown"))
	assert.Nil(t, SelectTrigger(triggers, ""), "ambiguous without a label")

	solo := triggers[:1]
	assert.Equal(t, "t1", SelectTrigger(solo, "").ID, "sole trigger selected implicitly")
}
