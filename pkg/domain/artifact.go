// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package domain

import "time"

// ArtifactPhaseStatus is the completion state of one phase of a phased
// artifact (design -> implement -> review, for example).
type ArtifactPhaseStatus string

const (
	ArtifactPhasePending ArtifactPhaseStatus = "pending"
	ArtifactPhaseActive  ArtifactPhaseStatus = "active"
	ArtifactPhaseDone    ArtifactPhaseStatus = "done"
)

// ArtifactPhase is one named step of a phased artifact's ordered sequence.
type ArtifactPhase struct {
	Name   string              `json:"name"`
	Status ArtifactPhaseStatus `json:"status"`
}

// ArtifactRecord is the durable output an Execution produces: a document,
// a patch, a decision, anything a loop-type definition declares as its
// artifact shape.
type ArtifactRecord struct {
	ID                string         `json:"id"`
	Type              string         `json:"type"`
	Title             string         `json:"title"`
	Status            ArtifactStatus `json:"status"`
	ParentArtifactID  string         `json:"parent_artifact_id,omitempty"`

	// Deps mirrors ExecutionRecord.Deps at the artifact level: other
	// artifacts that must be Complete before this one is considered ready.
	Deps []string `json:"deps,omitempty"`

	File string `json:"file,omitempty"`

	// Phases is non-empty only for loop types that declare HasPhases; for
	// every other type it stays nil.
	Phases []ArtifactPhase `json:"phases,omitempty"`

	Priority int               `json:"priority"`
	Context  map[string]string `json:"context,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// NewArtifactRecord creates a Draft artifact of the given type. phaseNames
// is nil for loop types that don't declare phases.
func NewArtifactRecord(artifactType, title string, phaseNames []string) *ArtifactRecord {
	now := time.Now().UnixMilli()
	a := &ArtifactRecord{
		ID:        NewID(title),
		Type:      artifactType,
		Title:     title,
		Status:    ArtifactStatusDraft,
		Context:   map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, name := range phaseNames {
		a.Phases = append(a.Phases, ArtifactPhase{Name: name, Status: ArtifactPhasePending})
	}
	return a
}

// AdvancePhase marks the currently active phase done and activates the next
// one; when no phase is active it activates the first pending phase. It
// reports false when there is no phase left to activate.
func (a *ArtifactRecord) AdvancePhase() bool {
	if len(a.Phases) == 0 {
		return false
	}
	cur := -1
	for i, p := range a.Phases {
		if p.Status == ArtifactPhaseActive {
			cur = i
			a.Phases[i].Status = ArtifactPhaseDone
			break
		}
	}
	if cur == -1 {
		found := false
		for i, p := range a.Phases {
			if p.Status == ArtifactPhasePending {
				cur = i - 1
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	next := cur + 1
	a.UpdatedAt = time.Now().UnixMilli()
	if next >= len(a.Phases) {
		return false
	}
	a.Phases[next].Status = ArtifactPhaseActive
	return true
}

// Clone returns a deep copy suitable for handing out as a read snapshot.
func (a *ArtifactRecord) Clone() *ArtifactRecord {
	if a == nil {
		return nil
	}
	out := *a
	out.Deps = append([]string(nil), a.Deps...)
	out.Phases = append([]ArtifactPhase(nil), a.Phases...)
	out.Context = make(map[string]string, len(a.Context))
	for k, v := range a.Context {
		out.Context[k] = v
	}
	return &out
}
