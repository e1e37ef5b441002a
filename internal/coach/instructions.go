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

package coach

import (
	"fmt"
	"strings"

	"github.com/your-org/marketing-coach/internal/session"
)

// Persona is the fixed persona and guardrail block sent with every run
const Persona = `You are a marketing coach for regulated health practitioners in Canada and the United States: physiotherapists, chiropractors, osteopaths and registered massage therapists.
Give practical, specific marketing guidance and draft copy when asked.
Keep every suggestion within the advertising standards of the practitioner's regulatory college or licensing board.
Be concise and use plain language.`

// ComplianceConstraints are repeated in every run's instructions
const ComplianceConstraints = `Non-negotiable rules:
- Never make superiority, guarantee or cure claims.
- Never include testimonials or patient reviews.
- Never offer or suggest a hand-off to a human unless the user asks for one.
- Never add citations or source references unless the user asks for them.`

var professionLabels = map[string]string{
	session.ProfessionPhysio: "physiotherapy",
	session.ProfessionChiro:  "chiropractic",
	session.ProfessionOsteo:  "osteopathy",
	session.ProfessionRMT:    "registered massage therapy",
}

// BuildInstructions composes the run instructions from the persona, the
// known session facts, the ask-for-missing-facts rule and the compliance rules.
func BuildInstructions(facts session.Facts) string {
	var b strings.Builder

	b.WriteString(Persona)
	b.WriteString("\n\n")
	b.WriteString(contextLine(facts))
	b.WriteString("\n")
	b.WriteString(missingFactsRule(facts))
	b.WriteString("\n\n")
	b.WriteString(ComplianceConstraints)

	return b.String()
}

func contextLine(facts session.Facts) string {
	profession := "unknown"
	if facts.Profession != "" {
		profession = facts.Profession
		if label, ok := professionLabels[facts.Profession]; ok {
			profession = label
		}
	}
	region := "unknown"
	if facts.Region != "" {
		region = facts.Region
	}
	return fmt.Sprintf("Known context: profession=%s; region=%s.", profession, region)
}

func missingFactsRule(facts session.Facts) string {
	switch {
	case facts.Profession == "" && facts.Region == "":
		return "The user's profession and region are both unknown. Ask for both in a single sentence, then stop."
	case facts.Profession == "":
		return "The user's profession is unknown. Ask only for their profession, then stop."
	case facts.Region == "":
		return "The user's province or state is unknown. Ask only for their region, then stop."
	default:
		return "Profession and region are known. Proceed with the request without asking for them again or repeating them back."
	}
}
