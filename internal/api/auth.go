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

package api

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jasonrsadler/dsentr/internal/httputil"
)

// sessionHandler receives the authenticated owner alongside the request.
type sessionHandler func(w http.ResponseWriter, r *http.Request, ownerID uuid.UUID)

// withSession validates the bearer session token and resolves the owner id
// from its subject. The session issuer lives outside this service; only
// verification happens here.
func (h *Handler) withSession(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			httputil.WriteError(w, http.StatusUnauthorized, "Missing session token")
			return
		}

		claims := jwt.RegisteredClaims{}
		parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(h.tokenSecret), nil
		})
		if err != nil || !parsed.Valid {
			httputil.WriteError(w, http.StatusUnauthorized, "Invalid session token")
			return
		}

		ownerID, err := uuid.Parse(claims.Subject)
		if err != nil {
			httputil.WriteError(w, http.StatusUnauthorized, "Invalid user ID")
			return
		}

		next(w, r, ownerID)
	}
}
