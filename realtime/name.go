// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package realtime

import "github.com/google/uuid"

// UniqueName returns a channel name that will not collide with other
// listeners of the same resource.
func UniqueName(prefix string) string {
	if prefix == "" {
		prefix = "channel"
	}
	return prefix + "-" + uuid.NewString()
}
