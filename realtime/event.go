// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package realtime

import (
	"fmt"
	"strconv"
	"time"
)

// EventKind identifies the type of row change.
type EventKind string

// Change event kinds.
const (
	EventInsert EventKind = "INSERT"
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
)

// AllKinds lists every change kind in dispatch table order.
var AllKinds = []EventKind{EventInsert, EventUpdate, EventDelete}

// Valid reports whether k is a known change kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventInsert, EventUpdate, EventDelete:
		return true
	default:
		return false
	}
}

// Record is a row as decoded from the change stream.
type Record map[string]any

// String returns the value of column as text. Numbers are formatted
// without exponent, missing and null columns yield "".
func (r Record) String(column string) string {
	v, ok := r[column]
	if !ok || v == nil {
		return ""
	}
	return formatValue(v)
}

// Event is a single change delivered by a backend.
type Event struct {
	Kind     EventKind
	Resource string

	// New holds the row after an insert or update.
	New Record

	// Old identifies the row before an update or delete. Backends may
	// only populate the primary key.
	Old Record

	CommitTime time.Time
}

// Row returns the record a filter should be evaluated against: the old
// row for deletes, the new row otherwise.
func (e Event) Row() Record {
	if e.Kind == EventDelete {
		return e.Old
	}
	return e.New
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case bool:
		return strconv.FormatBool(val)
	case interface{ String() string }:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}
