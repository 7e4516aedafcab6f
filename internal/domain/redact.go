// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

const redactedValue = "••••••••"

// RedactString returns a placeholder for a non-empty secret so API responses
// never leak stored credentials.
func RedactString(s string) string {
	if s == "" {
		return ""
	}
	return redactedValue
}

// IsRedactedString reports whether a value is the redaction placeholder,
// meaning the client sent back an unchanged secret field.
func IsRedactedString(s string) bool {
	return s == redactedValue
}
