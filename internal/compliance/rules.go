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

package compliance

import (
	"context"
	"regexp"
	"strings"
)

type rewriteRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Tier-2 rules for phrases the local synonym table does not cover
var rewriteRules = []rewriteRule{
	{regexp.MustCompile(`(?i)\bguarantee[ds]?\s+(?:results|outcomes|relief)\b`), "aim to support your goals"},
	{regexp.MustCompile(`(?i)\b(?:we\s+)?guarantee(?:[ds]|ing)?\b`), "we aim to provide"},
	{regexp.MustCompile(`(?i)\bcur(?:e[sd]?|ing)\b`), "help manage"},
	{regexp.MustCompile(`(?i)\bfastest\b`), "timely"},
	{regexp.MustCompile(`(?i)\b(?:greatest|finest)\b`), "professional"},
}

// RuleRewriter is a deterministic Rewriter used when no remote rewrite is
// configured. It ignores the system prompt.
type RuleRewriter struct{}

// Rewrite applies the rule table followed by the Tier-1 substitutions
func (RuleRewriter) Rewrite(_ context.Context, _ string, text string) (string, error) {
	for _, rule := range rewriteRules {
		rule := rule
		text = rule.pattern.ReplaceAllStringFunc(text, func(match string) string {
			return matchCase(match, rule.replacement)
		})
	}
	text, _ = substitute(text)
	return strings.TrimSpace(text), nil
}
