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

// Package redact scrubs credential-bearing substrings from error messages
// before they are logged or persisted. Store drivers commonly echo the
// connection string back in their errors, so every message that crosses
// from the store layer into a log line, a run record, or a result array
// goes through Scrub first.
package redact

import "regexp"

// Pattern pairs a name with the expression that removes a credential form.
type Pattern struct {
	Name  string
	Regex *regexp.Regexp
}

// patterns is applied in order; each match is replaced wholesale so that
// neither the key nor the value survives (a scrubbed message must not even
// contain "password=").
var patterns = []Pattern{
	{
		Name:  "key_value_credential",
		Regex: regexp.MustCompile(`(?i)(password|passwd|pwd|secret|token|api[_-]?key|apikey)\s*[:=]\s*[^\s;&"']+`),
	},
	{
		Name:  "url_userinfo",
		Regex: regexp.MustCompile(`://[^/@\s]+@`),
	},
	{
		Name:  "bearer_token",
		Regex: regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-.]+`),
	},
	{
		Name:  "aws_access_key",
		Regex: regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	},
}

const replacement = "[REDACTED]"

// Scrub removes credential-bearing substrings from msg.
func Scrub(msg string) string {
	for _, p := range patterns {
		if p.Name == "url_userinfo" {
			msg = p.Regex.ReplaceAllString(msg, "://"+replacement+"@")
			continue
		}
		msg = p.Regex.ReplaceAllString(msg, replacement)
	}
	return msg
}

// ScrubError is a nil-safe convenience over Scrub.
func ScrubError(err error) string {
	if err == nil {
		return ""
	}
	return Scrub(err.Error())
}
