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
	"unicode"
	"unicode/utf8"
)

// Advisory is appended once to any reply that Tier 1 altered
const Advisory = "Note: conservative wording was applied to keep this copy compliant."

// Neutral replacements
const (
	neutralExpert       = "experienced"
	neutralTrusted      = "trusted"
	neutralProfessional = "professional"
	neutralIncentive    = "introductory"
	neutralPercentOff   = "introductory rate"
)

var (
	// superiority and quality claims
	superiorityPattern = regexp.MustCompile(`(?i)#\s?1\b|\b(?:experts?|best|leading|top[-\s]rated|number\s+(?:one|1)|world[-\s]class|state[-\s]of[-\s]the[-\s]art|unmatched|unrivall?ed|superior)\b`)

	expertPattern  = regexp.MustCompile(`(?i)^experts?$`)
	trustedPattern = regexp.MustCompile(`(?i)^(?:#\s?1|best|leading|top[-\s]rated|number\s+(?:one|1))$`)

	// numeric percentage discounts, checked before the generic incentives
	percentOffPattern = regexp.MustCompile(`(?i)\b\d{1,3}(?:\.\d+)?\s*(?:%|percent)\s*off\b`)

	// promotional incentives
	incentivePattern = regexp.MustCompile(`(?i)(?:%|\bpercent)\s*off\b|\b(?:free|discount(?:s|ed)?|coupons?|complimentary|bogo|two[-\s]for[-\s]one|2[-\s]for[-\s]1)\b`)
)

// LocalFilter is the deterministic Tier-1 filter
type LocalFilter struct{}

// Apply implements Filter using Tier 1 alone
func (LocalFilter) Apply(_ context.Context, text string) Result {
	filtered, substitutions := ApplyLocal(text)
	if strings.TrimSpace(filtered) == "" {
		filtered = Placeholder
	}
	return Result{
		Text:          filtered,
		Substitutions: substitutions,
		Tier1Applied:  substitutions > 0,
	}
}

// ApplyLocal replaces disallowed terms with neutral synonyms and, when
// anything changed, appends the advisory unless it is already present.
// Applying it to its own output changes nothing.
func ApplyLocal(text string) (string, int) {
	replaced, substitutions := substitute(text)
	if substitutions == 0 {
		return text, 0
	}

	replaced = strings.TrimRight(replaced, " \t\n")
	if !strings.Contains(replaced, Advisory) {
		replaced += "\n\n" + Advisory
	}
	return replaced, substitutions
}

// substitute performs the synonym replacement without the advisory
func substitute(text string) (string, int) {
	count := 0
	replace := func(pattern *regexp.Regexp, text string, choose func(match string) string) string {
		return pattern.ReplaceAllStringFunc(text, func(match string) string {
			count++
			return matchCase(match, choose(match))
		})
	}

	text = replace(superiorityPattern, text, func(match string) string {
		switch {
		case expertPattern.MatchString(match):
			return neutralExpert
		case trustedPattern.MatchString(match):
			return neutralTrusted
		default:
			return neutralProfessional
		}
	})
	text = replace(percentOffPattern, text, func(string) string { return neutralPercentOff })
	text = replace(incentivePattern, text, func(string) string { return neutralIncentive })

	return text, count
}

// matchCase capitalizes replacement when the original started upper case
func matchCase(original, replacement string) string {
	first, _ := utf8.DecodeRuneInString(original)
	if !unicode.IsUpper(first) {
		return replacement
	}
	r, size := utf8.DecodeRuneInString(replacement)
	return string(unicode.ToUpper(r)) + replacement[size:]
}
