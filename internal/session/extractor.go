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

import "regexp"

// Canonical profession tags
const (
	ProfessionPhysio = "physio"
	ProfessionChiro  = "chiro"
	ProfessionOsteo  = "osteo"
	ProfessionRMT    = "rmt"
)

type professionPattern struct {
	tag     string
	pattern *regexp.Regexp
}

// Checked in order; the first match wins.
var professionPatterns = []professionPattern{
	{ProfessionPhysio, regexp.MustCompile(`(?i)\bphysio(therap(y|ist)s?)?\b|\bphysical\s+therap(y|ist)s?\b`)},
	{ProfessionChiro, regexp.MustCompile(`(?i)\bchiro(practic|practors?)?\b`)},
	// "osteo" must be a whole word or an osteopath form, so osteoporosis never matches
	{ProfessionOsteo, regexp.MustCompile(`(?i)\bosteo(path(y|s|ic)?)?\b`)},
	{ProfessionRMT, regexp.MustCompile(`(?i)\brmts?\b|\b(registered\s+)?massage\s+therap(y|ist)s?\b`)},
}

type regionPattern struct {
	code    string
	pattern *regexp.Regexp
}

// codeCue must precede a bare postal abbreviation: a locative word, a comma
// ("Toronto, ON") or a capitalized place name ("Calgary AB"). All-caps words
// such as "TURN ON" never count.
const codeCue = `(?:(?i:\b(?:in|from|serving|across|near))\s+|,\s*|\b[A-Z][a-z]+\s+)`

// region builds a matcher where full names are case-insensitive and the
// postal abbreviation must be upper case and follow a codeCue.
func region(code, names string) regionPattern {
	return regionPattern{
		code:    code,
		pattern: regexp.MustCompile(`(?i:\b(` + names + `)\b)|` + codeCue + code + `\b`),
	}
}

// Canadian provinces and territories, then a sample of US states.
var regionPatterns = []regionPattern{
	region("ON", `ontario`),
	region("QC", `qu[eé]bec`),
	region("BC", `british\s+columbia`),
	region("AB", `alberta`),
	region("MB", `manitoba`),
	region("SK", `saskatchewan`),
	region("NS", `nova\s+scotia`),
	region("NB", `new\s+brunswick`),
	region("NL", `newfoundland(\s+and\s+labrador)?|labrador`),
	region("PE", `prince\s+edward\s+island|pei`),
	region("NT", `northwest\s+territories`),
	region("NU", `nunavut`),
	region("YT", `yukon`),
	region("NY", `new\s+york`),
	region("CA", `california`),
	region("TX", `texas`),
	region("FL", `florida`),
	region("WA", `washington\s+state`),
	region("IL", `illinois`),
}

// ExtractProfession returns the canonical profession tag mentioned in text, or ""
func ExtractProfession(text string) string {
	for _, p := range professionPatterns {
		if p.pattern.MatchString(text) {
			return p.tag
		}
	}
	return ""
}

// ExtractRegion returns the region code mentioned in text, or ""
func ExtractRegion(text string) string {
	for _, r := range regionPatterns {
		if r.pattern.MatchString(text) {
			return r.code
		}
	}
	return ""
}

// Extract returns every fact found in text
func Extract(text string) Facts {
	return Facts{
		Profession: ExtractProfession(text),
		Region:     ExtractRegion(text),
	}
}

// IsProfession reports whether tag is a canonical profession tag
func IsProfession(tag string) bool {
	for _, p := range professionPatterns {
		if p.tag == tag {
			return true
		}
	}
	return false
}

// IsRegion reports whether code is a known region code
func IsRegion(code string) bool {
	for _, r := range regionPatterns {
		if r.code == code {
			return true
		}
	}
	return false
}
