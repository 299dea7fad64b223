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

// Package ratelimit bounds how often a loop may alert, query, or share
// through the mediator.
//
// Features:
//   - Multi-layer time windows (minute, hour, day, week, month)
//   - Dual tracking (message count AND byte count)
//   - Flexible scopes (per-loop or per-plan)
//   - Atomic check-and-record operations
//   - Detailed usage statistics
//
// # Basic Usage
//
//	store := ratelimit.NewMemoryStore()
//	limiter, err := ratelimit.NewRateLimiter(config, store)
//
//	result, err := limiter.CheckAndRecord(ctx, ratelimit.ScopeSession, "loop-123", 1, 1)
//	if !result.Allowed {
//	    // deny the mediator operation
//	}
//
// # Time Windows
//
//   - minute: 60 seconds (burst protection)
//   - hour: 60 minutes (short-term limits)
//   - day: 24 hours (daily quotas)
//   - week: 7 days (weekly budgets)
//   - month: 30 days (monthly billing)
//
// # Limit Types
//
//   - token: a generic weighted quantity (e.g. payload bytes)
//   - count: request count (message throttling)
//
// # Scopes
//
//   - session: each loop has independent quotas
//   - user: all loops under a plan share quotas
package ratelimit
