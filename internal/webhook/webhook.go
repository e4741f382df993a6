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

// Package webhook implements token derivation, trigger selection, and HMAC
// verification for the webhook ingestion path.
//
// Tokens and signing keys derive from one high-entropy secret:
//
//	token       = base64url(HMAC_SHA256(secret, owner || workflow || salt))
//	signing_key = base64url(HMAC_SHA256(secret, owner || workflow || salt || "signing"))
//
// Rotating the workflow's salt invalidates both at once.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Signature header and body-field names.
const (
	HeaderTimestamp = "X-DSentr-Timestamp"
	HeaderSignature = "X-DSentr-Signature"

	// Legacy body-field variant, accepted with the same semantics. The
	// signed payload excludes these two keys.
	BodyFieldTimestamp = "_dsentr_ts"
	BodyFieldSignature = "_dsentr_sig"

	// SignaturePrefix is the versioned prefix on header signatures.
	SignaturePrefix = "v1="
)

// ComputeToken derives the webhook URL token for a workflow.
func ComputeToken(secret string, ownerID, workflowID, salt uuid.UUID) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(ownerID[:])
	mac.Write(workflowID[:])
	mac.Write(salt[:])
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// ComputeSigningKey derives the HMAC body-signing key for a workflow.
func ComputeSigningKey(secret string, ownerID, workflowID, salt uuid.UUID) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(ownerID[:])
	mac.Write(workflowID[:])
	mac.Write(salt[:])
	mac.Write([]byte("signing"))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Sign computes the hex signature over "{ts}.{body}" with a derived signing
// key. Exposed for clients and tests.
func Sign(signingKeyB64 string, timestamp int64, body []byte) string {
	key, err := base64.RawURLEncoding.DecodeString(signingKeyB64)
	if err != nil {
		key = nil
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyError is the reason a signature check failed; the HTTP surface maps
// every variant to 401 so callers cannot probe.
type VerifyError string

// Error implements error.
func (e VerifyError) Error() string { return string(e) }

// Verification failures.
const (
	ErrMissingSignature VerifyError = "Missing HMAC signature"
	ErrStaleTimestamp   VerifyError = "Stale or invalid timestamp"
	ErrBadSignature     VerifyError = "Invalid HMAC signature"
)

// SignatureInput is one extracted timestamp/signature pair plus the payload
// bytes the signature covers.
type SignatureInput struct {
	Timestamp string
	Signature string
	Payload   []byte
}

// ExtractSignature pulls the timestamp and signature from headers when
// present, else from the legacy body fields. For the header variant the
// signed payload is the raw body as sent; for the legacy variant it is the
// JSON body with the two signature keys removed.
func ExtractSignature(getHeader func(string) string, rawBody []byte, body map[string]any) (*SignatureInput, error) {
	ts := getHeader(HeaderTimestamp)
	sig := getHeader(HeaderSignature)
	if ts != "" && sig != "" {
		return &SignatureInput{Timestamp: ts, Signature: sig, Payload: rawBody}, nil
	}

	if body != nil {
		ts, _ = body[BodyFieldTimestamp].(string)
		sig, _ = body[BodyFieldSignature].(string)
		if ts != "" && sig != "" {
			stripped := make(map[string]any, len(body))
			for k, v := range body {
				if k == BodyFieldTimestamp || k == BodyFieldSignature {
					continue
				}
				stripped[k] = v
			}
			payload, err := json.Marshal(stripped)
			if err != nil {
				return nil, ErrMissingSignature
			}
			return &SignatureInput{Timestamp: ts, Signature: sig, Payload: payload}, nil
		}
	}

	return nil, ErrMissingSignature
}

// Verify checks the timestamp window and the constant-time signature match.
// It returns the canonical signature (prefix stripped) for replay recording.
func Verify(in *SignatureInput, signingKeyB64 string, replayWindowSec int, now time.Time) (string, error) {
	ts, err := strconv.ParseInt(in.Timestamp, 10, 64)
	if err != nil || ts <= 0 {
		return "", ErrStaleTimestamp
	}
	drift := now.Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(replayWindowSec) {
		return "", ErrStaleTimestamp
	}

	expected := Sign(signingKeyB64, ts, in.Payload)
	provided := strings.TrimPrefix(in.Signature, SignaturePrefix)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) != 1 {
		return "", ErrBadSignature
	}
	return provided, nil
}
