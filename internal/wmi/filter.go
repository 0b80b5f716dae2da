package wmi

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/therealutkarshpriyadarshi/eventpoller/pkg/types"
)

// ErrInvalidQuery is returned when a query cannot be rendered or is rejected
var ErrInvalidQuery = errors.New("invalid WMI query")

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Operator is a WQL comparison operator
type Operator string

const (
	OpEqual          Operator = "="
	OpNotEqual       Operator = "<>"
	OpGreater        Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpLess           Operator = "<"
	OpLessOrEqual    Operator = "<="
)

func (o Operator) valid() bool {
	switch o {
	case OpEqual, OpNotEqual, OpGreater, OpGreaterOrEqual, OpLess, OpLessOrEqual:
		return true
	}
	return false
}

// Condition compares one property against a literal
type Condition struct {
	Property string
	Op       Operator
	Value    string
}

// Clause is a group of conditions joined by OR
type Clause []Condition

// Equal builds a clause matching property against any of values
func Equal(property string, values ...string) Clause {
	c := make(Clause, 0, len(values))
	for _, v := range values {
		c = append(c, Condition{Property: property, Op: OpEqual, Value: v})
	}
	return c
}

// FilterSpec is an immutable conjunction of clauses
type FilterSpec struct {
	clauses []Clause
}

// NewFilterSpec builds a filter from clauses. Empty clauses are dropped.
func NewFilterSpec(clauses ...Clause) FilterSpec {
	var f FilterSpec
	for _, c := range clauses {
		f = f.And(c)
	}
	return f
}

// And returns a new filter with clause appended. The receiver is not modified.
func (f FilterSpec) And(clause Clause) FilterSpec {
	if len(clause) == 0 {
		return f
	}
	out := make([]Clause, len(f.clauses), len(f.clauses)+1)
	copy(out, f.clauses)
	out = append(out, append(Clause(nil), clause...))
	return FilterSpec{clauses: out}
}

// Clauses returns a copy of the clauses
func (f FilterSpec) Clauses() []Clause {
	out := make([]Clause, len(f.clauses))
	for i, c := range f.clauses {
		out[i] = append(Clause(nil), c...)
	}
	return out
}

// Len returns the number of clauses
func (f FilterSpec) Len() int {
	return len(f.clauses)
}

// Where renders the WHERE expression, without the keyword
func (f FilterSpec) Where() (string, error) {
	parts := make([]string, 0, len(f.clauses))
	for _, clause := range f.clauses {
		conds := make([]string, 0, len(clause))
		for _, c := range clause {
			if !identifierRe.MatchString(c.Property) {
				return "", fmt.Errorf("%w: property %q", ErrInvalidQuery, c.Property)
			}
			if !c.Op.valid() {
				return "", fmt.Errorf("%w: operator %q", ErrInvalidQuery, c.Op)
			}
			conds = append(conds, fmt.Sprintf("%s %s '%s'", c.Property, c.Op, escape(c.Value)))
		}
		if len(conds) == 1 {
			parts = append(parts, conds[0])
		} else {
			parts = append(parts, "( "+strings.Join(conds, " OR ")+" )")
		}
	}
	return strings.Join(parts, " AND "), nil
}

// WQL renders a SELECT statement over class
func (f FilterSpec) WQL(class string, properties []string) (string, error) {
	if !identifierRe.MatchString(class) {
		return "", fmt.Errorf("%w: class %q", ErrInvalidQuery, class)
	}

	selected := "*"
	if len(properties) > 0 {
		for _, p := range properties {
			if !identifierRe.MatchString(p) {
				return "", fmt.Errorf("%w: property %q", ErrInvalidQuery, p)
			}
		}
		selected = strings.Join(properties, ", ")
	}

	q := "SELECT " + selected + " FROM " + class
	where, err := f.Where()
	if err != nil {
		return "", err
	}
	if where != "" {
		q += " WHERE " + where
	}
	return q, nil
}

// String renders the WHERE expression, or a placeholder when invalid
func (f FilterSpec) String() string {
	w, err := f.Where()
	if err != nil {
		return "<invalid filter>"
	}
	return w
}

// Matches evaluates the filter against a record the way the WMI event
// log provider does: datetime operands are compared on their calendar
// date only, and string equality ignores case.
func (f FilterSpec) Matches(rec types.RawRecord) bool {
	for _, clause := range f.clauses {
		ok := false
		for _, c := range clause {
			if c.matches(rec) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (c Condition) matches(rec types.RawRecord) bool {
	raw, ok := lookup(rec, c.Property)
	if !ok {
		return false
	}

	// list properties match when any element matches
	for _, v := range rec.Strings(raw) {
		if c.compare(v) {
			return true
		}
	}
	return false
}

func (c Condition) compare(actual string) bool {
	if want, err := ParseDateTime(c.Value); err == nil {
		got, err := ParseDateTime(actual)
		if err != nil {
			return false
		}
		return apply(c.Op, strings.Compare(got.Date(), want.Date()))
	}

	a, errA := strconv.ParseFloat(actual, 64)
	b, errB := strconv.ParseFloat(c.Value, 64)
	if errA == nil && errB == nil {
		switch {
		case a < b:
			return apply(c.Op, -1)
		case a > b:
			return apply(c.Op, 1)
		default:
			return apply(c.Op, 0)
		}
	}

	return apply(c.Op, strings.Compare(strings.ToLower(actual), strings.ToLower(c.Value)))
}

func apply(op Operator, cmp int) bool {
	switch op {
	case OpEqual:
		return cmp == 0
	case OpNotEqual:
		return cmp != 0
	case OpGreater:
		return cmp > 0
	case OpGreaterOrEqual:
		return cmp >= 0
	case OpLess:
		return cmp < 0
	case OpLessOrEqual:
		return cmp <= 0
	}
	return false
}

// lookup resolves a property name case-insensitively and returns the
// record's own spelling of it.
func lookup(rec types.RawRecord, property string) (string, bool) {
	if rec.Has(property) {
		return property, true
	}
	for k := range rec {
		if strings.EqualFold(k, property) && rec.Has(k) {
			return k, true
		}
	}
	return "", false
}

func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
