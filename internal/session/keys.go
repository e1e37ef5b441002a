// Copyright 2024 AI SA Assistant Project
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

package session

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxKeyLength bounds caller-supplied session keys
const MaxKeyLength = 128

// AnonymousKey is used when neither a session header nor a client address is known
const AnonymousKey = "anonymous"

var validKey = regexp.MustCompile(`^[A-Za-z0-9._:@-]+$`)

// ValidateKey reports whether a caller-supplied session key is acceptable
func ValidateKey(key string) bool {
	return key != "" && len(key) <= MaxKeyLength && validKey.MatchString(key)
}

// KeyFor derives the session key: a valid session header wins, otherwise the
// client's network address.
func KeyFor(headerValue, clientIP string) string {
	headerValue = strings.TrimSpace(headerValue)
	if ValidateKey(headerValue) {
		return headerValue
	}

	if clientIP != "" {
		return fmt.Sprintf("ip:%s", clientIP)
	}

	return AnonymousKey
}
