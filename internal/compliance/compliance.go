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

// Package compliance rewrites generated marketing copy so it avoids
// superiority claims, guarantees, cure claims and promotional incentives.
//
// Tier 1 is a local synonym substitution that always runs. Tier 2 is a
// rewrite pass, remote or rule based, triggered by a stricter pattern on the
// raw reply. Tier 2 failures never reach the caller.
package compliance

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Placeholder is returned when filtering leaves no text
const Placeholder = "(no response)"

// RewritePrompt is the system instruction for the Tier-2 rewrite
const RewritePrompt = `You are a compliance editor for regulated health practitioners in North America.
Rewrite the user's marketing copy into compliant, neutral and verifiable language while preserving its intent.
Remove superlatives, comparative claims, guarantees, cure claims, speed claims and testimonials.
Remove incentives such as free services, discounts, coupons and percentage-off offers.
Return only the rewritten copy.`

// strictPattern decides whether the raw reply needs the Tier-2 rewrite
var strictPattern = regexp.MustCompile(`(?i)#\s?1\b|\b(?:best|greatest|finest|leading|number\s+(?:one|1)|top[-\s]rated|world[-\s]class|state[-\s]of[-\s]the[-\s]art|guarantee[ds]?|guaranteeing|cures?|cured|curing|fastest)\b`)

// NeedsRewrite reports whether text matches the strict banned-phrase pattern
func NeedsRewrite(text string) bool {
	return strictPattern.MatchString(text)
}

// Result is the outcome of filtering one reply
type Result struct {
	Text           string `json:"text"`
	Substitutions  int    `json:"substitutions"`
	Tier1Applied   bool   `json:"tier1_applied"`
	Tier2Attempted bool   `json:"tier2_attempted"`
	Tier2Applied   bool   `json:"tier2_applied"`
	Tier2Error     string `json:"tier2_error,omitempty"`
}

// Changed reports whether the filter altered the reply
func (r Result) Changed() bool {
	return r.Tier1Applied || r.Tier2Applied
}

// Filter post-processes a generated reply
type Filter interface {
	Apply(ctx context.Context, text string) Result
}

// Rewriter performs the Tier-2 rewrite
type Rewriter interface {
	Rewrite(ctx context.Context, systemPrompt, text string) (string, error)
}

// Pipeline applies Tier 1 then, when triggered, Tier 2
type Pipeline struct {
	rewriter Rewriter
	logger   *zap.Logger
}

// NewPipeline creates the two-tier filter. A nil rewriter disables Tier 2.
func NewPipeline(rewriter Rewriter, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{rewriter: rewriter, logger: logger}
}

// Apply filters raw and always returns usable text
func (p *Pipeline) Apply(ctx context.Context, raw string) Result {
	working, substitutions := ApplyLocal(raw)
	result := Result{
		Substitutions: substitutions,
		Tier1Applied:  substitutions > 0,
	}

	if p.rewriter != nil && NeedsRewrite(raw) {
		result.Tier2Attempted = true
		rewritten, err := p.rewriter.Rewrite(ctx, RewritePrompt, working)
		switch {
		case err != nil:
			result.Tier2Error = err.Error()
			p.logger.Warn("Compliance rewrite failed, keeping locally filtered text",
				zap.Error(err),
				zap.Int("substitutions", substitutions))
		case strings.TrimSpace(rewritten) == "":
			p.logger.Warn("Compliance rewrite returned empty text, keeping locally filtered text")
		default:
			working = strings.TrimSpace(rewritten)
			result.Tier2Applied = true
		}
	}

	if strings.TrimSpace(working) == "" {
		working = Placeholder
	}
	result.Text = working

	p.logger.Debug("Compliance filter applied",
		zap.Int("substitutions", result.Substitutions),
		zap.Bool("tier2_attempted", result.Tier2Attempted),
		zap.Bool("tier2_applied", result.Tier2Applied))

	return result
}
