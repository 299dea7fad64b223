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

package mediator

import "errors"

var (
	// ErrTargetNotFound is returned when a Query names a loop id that is
	// not currently registered.
	ErrTargetNotFound = errors.New("mediator: target not found")

	// ErrRateLimited is returned by Query when the caller's rate exceeds
	// its configured limit. Alert and Share over the limit are dropped
	// without an error and counted as a violation.
	ErrRateLimited = errors.New("mediator: rate limited")

	// ErrQueryTimeout is returned when a Query's deadline elapses before a
	// reply arrives.
	ErrQueryTimeout = errors.New("mediator: query timed out")

	// ErrQueryCancelled is returned when a Query's caller cancels before a
	// reply arrives.
	ErrQueryCancelled = errors.New("mediator: query cancelled")

	// ErrChannelClosed is returned when a command is sent to a Mediator
	// whose command loop has already exited.
	ErrChannelClosed = errors.New("mediator: actor channel closed")
)
