// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package realtime

import (
	"fmt"
	"strconv"
	"strings"
)

// Operator is a filter comparison operator.
type Operator string

// Supported filter operators.
const (
	OpEq  Operator = "eq"
	OpNeq Operator = "neq"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpIn  Operator = "in"
)

func (o Operator) valid() bool {
	switch o {
	case OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte, OpIn:
		return true
	default:
		return false
	}
}

// Filter narrows a change stream to rows whose column satisfies a single
// comparison.
//
// Accepted forms:
//
//	owner=42              equality shorthand
//	owner=eq.42           explicit operator
//	status=in.(pending,approved)
type Filter struct {
	Column string
	Op     Operator
	Values []string
}

// ParseFilter parses a filter expression. An empty expression yields a
// nil filter that matches every row.
func ParseFilter(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}

	column, rhs, ok := strings.Cut(expr, "=")
	column = strings.TrimSpace(column)
	if !ok || column == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFilter, expr)
	}

	op := OpEq
	value := rhs
	if prefix, rest, found := strings.Cut(rhs, "."); found && Operator(prefix).valid() {
		op = Operator(prefix)
		value = rest
	}

	f := &Filter{Column: column, Op: op}
	if op == OpIn {
		if !strings.HasPrefix(value, "(") || !strings.HasSuffix(value, ")") {
			return nil, fmt.Errorf("%w: in requires a parenthesised list: %q", ErrInvalidFilter, expr)
		}
		for _, v := range strings.Split(value[1:len(value)-1], ",") {
			if v = strings.TrimSpace(v); v != "" {
				f.Values = append(f.Values, v)
			}
		}
		if len(f.Values) == 0 {
			return nil, fmt.Errorf("%w: empty in list: %q", ErrInvalidFilter, expr)
		}
		return f, nil
	}

	f.Values = []string{value}
	return f, nil
}

// String returns the canonical form of the filter.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	if f.Op == OpIn {
		return fmt.Sprintf("%s=in.(%s)", f.Column, strings.Join(f.Values, ","))
	}
	return fmt.Sprintf("%s=%s.%s", f.Column, f.Op, f.Values[0])
}

// Match reports whether the record satisfies the filter. A nil filter
// matches everything, a missing column matches nothing.
func (f *Filter) Match(r Record) bool {
	if f == nil {
		return true
	}
	v, ok := r[f.Column]
	if !ok {
		return false
	}
	got := ""
	if v != nil {
		got = formatValue(v)
	}

	switch f.Op {
	case OpEq:
		return got == f.Values[0]
	case OpNeq:
		return got != f.Values[0]
	case OpIn:
		for _, want := range f.Values {
			if got == want {
				return true
			}
		}
		return false
	}

	c := compare(got, f.Values[0])
	switch f.Op {
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	}
	return false
}

// MatchEvent evaluates the filter against the row an event refers to.
// A delete whose old row lacks the filter column matches, since backends
// may identify deleted rows by primary key only; consumers drop deletes
// of rows they never held.
func (f *Filter) MatchEvent(ev Event) bool {
	if f == nil {
		return true
	}
	row := ev.Row()
	if ev.Kind == EventDelete {
		if _, ok := row[f.Column]; !ok {
			return true
		}
	}
	return f.Match(row)
}

// compare orders numerically when both sides parse as numbers and
// lexically otherwise, which also orders RFC 3339 timestamps.
func compare(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}
