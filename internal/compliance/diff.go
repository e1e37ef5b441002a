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
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Changes lists the text fragments a filter removed and inserted
type Changes struct {
	Removed  []string `json:"removed"`
	Inserted []string `json:"inserted"`
}

// IsEmpty reports whether nothing changed
func (c Changes) IsEmpty() bool {
	return len(c.Removed) == 0 && len(c.Inserted) == 0
}

// Diff summarizes the word-level changes between before and after
func Diff(before, after string) Changes {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var changes Changes
	for _, diff := range diffs {
		fragment := strings.TrimSpace(diff.Text)
		if fragment == "" {
			continue
		}
		switch diff.Type {
		case diffmatchpatch.DiffDelete:
			changes.Removed = append(changes.Removed, fragment)
		case diffmatchpatch.DiffInsert:
			changes.Inserted = append(changes.Inserted, fragment)
		}
	}
	return changes
}
