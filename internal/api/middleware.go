// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/questarr/questarr/internal/api/handlers"
)

// requireAPIToken checks the X-API-Token header against the configured token.
// An empty configured token disables the check for localhost-style setups.
func requireAPIToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get("X-API-Token")
			if provided == "" {
				provided = r.URL.Query().Get("apiToken")
			}

			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				handlers.RespondError(w, http.StatusUnauthorized, "Invalid or missing API token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
