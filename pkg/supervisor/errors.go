// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package supervisor

import "errors"

// ErrUnknownLoopType is returned when a record names a loop type with no
// registered Loop-Type Definition.
var ErrUnknownLoopType = errors.New("supervisor: unknown loop type")

// ErrNoEngineForType is returned when no Engine factory is registered for
// a record's loop type.
var ErrNoEngineForType = errors.New("supervisor: no loop engine registered for type")
