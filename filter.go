package xdispatch

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Operator is a comparison operator of the filter grammar.
type Operator string

const (
	OpRegex    Operator = "=~"
	OpNotEqual Operator = "!="
	OpGte      Operator = ">="
	OpLte      Operator = "<="
	OpGt       Operator = ">"
	OpLt       Operator = "<"
	OpEqual    Operator = "="
)

// operatorOrder is the order operator tokens are searched for in a condition.
// The first token present decides the split point.
var operatorOrder = []Operator{OpRegex, OpNotEqual, OpGte, OpLte, OpGt, OpLt, OpEqual}

const conditionSeparator = " AND "

// Condition is one "key OP value" term of a filter.
type Condition struct {
	Key   string
	Op    Operator
	Value string

	re    *regexp.Regexp
	reErr error
}

// Filter is a parsed filter expression: a conjunction of conditions.
//
// Keys address top-level message attributes (id, type, priority, source,
// timestamp), payload.<name>, metadata.<name>, or the whole payload/metadata
// maps. Any other key is looked up in the payload, then in the metadata.
//
// A nil or empty Filter matches every message.
type Filter struct {
	expr   string
	conds  []Condition
	logger *zerolog.Logger
}

// ParseFilter parses expr. A condition without an operator, with an empty
// key, or with an =~ pattern that does not compile fails the whole parse.
func ParseFilter(expr string) (*Filter, error) {
	f := &Filter{expr: expr}
	if strings.TrimSpace(expr) == "" {
		return f, nil
	}
	for _, raw := range strings.Split(expr, conditionSeparator) {
		c, err := parseCondition(raw)
		if err != nil {
			return nil, &FilterError{Expr: expr, Condition: strings.TrimSpace(raw), Reason: err.Error(), Err: err}
		}
		if c.reErr != nil {
			return nil, &FilterError{Expr: expr, Condition: strings.TrimSpace(raw), Reason: "invalid regex pattern", Err: c.reErr}
		}
		f.conds = append(f.conds, c)
	}
	return f, nil
}

// MustParseFilter is ParseFilter that panics on error.
func MustParseFilter(expr string) *Filter {
	f, err := ParseFilter(expr)
	if err != nil {
		panic(err)
	}
	return f
}

// ParseFilterLenient parses expr, logging and dropping conditions that do not
// parse instead of failing. A dropped condition imposes no constraint, so the
// resulting filter can be broader than written. Invalid regex patterns are
// kept and evaluate to false.
func ParseFilterLenient(expr string, logger *zerolog.Logger) *Filter {
	f := &Filter{expr: expr, logger: logger}
	if strings.TrimSpace(expr) == "" {
		return f
	}
	for _, raw := range strings.Split(expr, conditionSeparator) {
		c, err := parseCondition(raw)
		if err != nil {
			if logger != nil {
				logger.Warn().Str("condition", raw).Str("filter", expr).Err(err).Msg("xdispatch: invalid filter condition dropped")
			}
			continue
		}
		f.conds = append(f.conds, c)
	}
	return f
}

func parseCondition(raw string) (Condition, error) {
	cond := strings.TrimSpace(raw)
	if cond == "" {
		return Condition{}, fmt.Errorf("empty condition")
	}
	for _, op := range operatorOrder {
		i := strings.Index(cond, string(op))
		if i < 0 {
			continue
		}
		c := Condition{
			Key:   strings.TrimSpace(cond[:i]),
			Op:    op,
			Value: strings.TrimSpace(cond[i+len(op):]),
		}
		if c.Key == "" {
			return Condition{}, fmt.Errorf("missing key")
		}
		if op == OpRegex {
			c.re, c.reErr = regexp.Compile(c.Value)
		}
		return c, nil
	}
	return Condition{}, fmt.Errorf("no operator")
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Empty reports whether the filter imposes no constraint.
func (f *Filter) Empty() bool { return f == nil || len(f.conds) == 0 }

// Conditions returns a copy of the parsed conditions.
func (f *Filter) Conditions() []Condition {
	if f == nil {
		return nil
	}
	out := make([]Condition, len(f.conds))
	copy(out, f.conds)
	return out
}

// Matches reports whether msg satisfies every condition. It never mutates msg.
func (f *Filter) Matches(msg *Message) bool {
	if f.Empty() {
		return true
	}
	if msg == nil {
		return false
	}
	for i := range f.conds {
		if !f.match(&f.conds[i], msg) {
			return false
		}
	}
	return true
}

func (f *Filter) match(c *Condition, msg *Message) bool {
	v, ok := lookupField(msg, c.Key)
	if !ok {
		return false
	}
	if c.Op == OpRegex {
		if c.re == nil {
			if f.logger != nil {
				f.logger.Error().Str("pattern", c.Value).Err(c.reErr).Msg("xdispatch: invalid regex pattern")
			}
			return false
		}
		return c.re.MatchString(stringify(v))
	}
	cmp, comparable := compareValue(v, c.Value, c.Key == "priority")
	switch c.Op {
	case OpEqual:
		return comparable && cmp == 0
	case OpNotEqual:
		return !comparable || cmp != 0
	case OpGt:
		return comparable && cmp > 0
	case OpGte:
		return comparable && cmp >= 0
	case OpLt:
		return comparable && cmp < 0
	case OpLte:
		return comparable && cmp <= 0
	}
	return false
}

// lookupField resolves key against msg. ok is false when the field is absent or nil.
func lookupField(msg *Message, key string) (any, bool) {
	switch {
	case key == "payload":
		return nonNilMap(msg.Payload)
	case key == "metadata":
		return nonNilMap(msg.Metadata)
	case strings.HasPrefix(key, "payload."):
		return lookupPath(msg.Payload, strings.TrimPrefix(key, "payload."))
	case strings.HasPrefix(key, "metadata."):
		return lookupPath(msg.Metadata, strings.TrimPrefix(key, "metadata."))
	}
	switch key {
	case "id", "message_id":
		return msg.ID, true
	case "type":
		return string(msg.Type), true
	case "priority":
		return int64(msg.Priority), true
	case "source":
		return msg.Source, true
	case "timestamp":
		if msg.Timestamp.IsZero() {
			return nil, false
		}
		return msg.Timestamp, true
	}
	if v, ok := lookupPath(msg.Payload, key); ok {
		return v, true
	}
	return lookupPath(msg.Metadata, key)
}

func nonNilMap(m map[string]any) (any, bool) {
	if m == nil {
		return nil, false
	}
	return m, true
}

// lookupPath tries the whole name first, then walks dotted segments through nested maps.
func lookupPath(m map[string]any, name string) (any, bool) {
	if m == nil {
		return nil, false
	}
	if v, ok := m[name]; ok {
		return v, v != nil
	}
	head, rest, found := strings.Cut(name, ".")
	if !found {
		return nil, false
	}
	next, ok := m[head].(map[string]any)
	if !ok {
		return nil, false
	}
	return lookupPath(next, rest)
}

// compareValue compares the message-side value v with the literal lit,
// coercing lit to v's type. comparable is false when the two cannot be
// ordered, which makes = and ordering operators fail and != succeed.
func compareValue(v any, lit string, isPriority bool) (cmp int, comparable bool) {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			v = i
		} else if fl, err := n.Float64(); err == nil {
			v = fl
		}
	}
	switch x := v.(type) {
	case string:
		return strings.Compare(x, lit), true
	case bool:
		b, err := strconv.ParseBool(strings.ToLower(lit))
		if err != nil {
			return 0, false
		}
		switch {
		case x == b:
			return 0, true
		case !x:
			return -1, true
		default:
			return 1, true
		}
	case time.Time:
		t, err := time.Parse(time.RFC3339Nano, lit)
		if err != nil {
			return 0, false
		}
		return x.Compare(t), true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		want, err := strconv.ParseInt(lit, 10, 64)
		if err != nil && isPriority {
			var p Priority
			if p.UnmarshalText([]byte(lit)) == nil {
				want, err = int64(p), nil
			}
		}
		if err != nil {
			return 0, false
		}
		return cmpOrdered(rv.Int(), want), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		want, err := strconv.ParseUint(lit, 10, 64)
		if err != nil {
			return 0, false
		}
		return cmpOrdered(rv.Uint(), want), true
	case reflect.Float32, reflect.Float64:
		want, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return 0, false
		}
		return cmpOrdered(rv.Float(), want), true
	}
	return 0, false
}

func cmpOrdered[T int64 | uint64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}
