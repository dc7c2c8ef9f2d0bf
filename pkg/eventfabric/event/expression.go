package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrEmptyExpression is returned when compiling a blank expression.
var ErrEmptyExpression = errors.New("empty expression")

// Expression is a compiled boolean condition over record fields.
//
// Syntax, lowest precedence first:
//
//	a or b
//	a and b
//	not a | !a
//	(a)
//	x == y | x != y | x < y | x <= y | x > y | x >= y
//	x contains 'sub' | x matches '^re$' | x in ('a', 'b')
//	x                       (truthiness)
//
// Operands are quoted strings, numbers, true/false/null, or identifiers.
// Identifiers resolve against the record (type, category, node, id, seq,
// message, timestamp) and its payload, either bare or as payload.<key>. An
// identifier that resolves to nothing is taken as a bare string.
//
// Expressions are plain strings, so they travel to remote nodes unchanged.
type Expression struct {
	src  string
	eval func(vars map[string]any) bool
}

// Compile parses src into an Expression.
func Compile(src string) (*Expression, error) {
	fn, err := compileCondition(src)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}
	return &Expression{src: src, eval: fn}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(src string) *Expression {
	e, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the source text.
func (e *Expression) String() string {
	return e.src
}

// Eval evaluates the expression against vars.
func (e *Expression) Eval(vars map[string]any) bool {
	return e.eval(vars)
}

// Match evaluates the expression against a record.
func (e *Expression) Match(rec Record) bool {
	return e.eval(recordVars(rec))
}

func recordVars(rec Record) map[string]any {
	vars := make(map[string]any, 7+2*len(rec.Payload))
	for k, v := range rec.Payload {
		vars[k] = v
		vars["payload."+k] = v
	}
	vars["type"] = string(rec.Type)
	vars["category"] = rec.Type.Category()
	vars["node"] = rec.NodeID
	vars["id"] = rec.ID
	vars["seq"] = int64(rec.Seq)
	vars["message"] = rec.Message
	vars["timestamp"] = rec.Timestamp.UnixMilli()
	return vars
}

type condition func(vars map[string]any) bool

type operand func(vars map[string]any) any

func compileCondition(src string) (condition, error) {
	s := strings.TrimSpace(src)
	if s == "" {
		return nil, ErrEmptyExpression
	}
	if err := checkBalanced(s); err != nil {
		return nil, err
	}

	if parts := splitTop(s, " or "); len(parts) > 1 {
		conds, err := compileAll(parts)
		if err != nil {
			return nil, err
		}
		return func(vars map[string]any) bool {
			for _, c := range conds {
				if c(vars) {
					return true
				}
			}
			return false
		}, nil
	}

	if parts := splitTop(s, " and "); len(parts) > 1 {
		conds, err := compileAll(parts)
		if err != nil {
			return nil, err
		}
		return func(vars map[string]any) bool {
			for _, c := range conds {
				if !c(vars) {
					return false
				}
			}
			return true
		}, nil
	}

	if inner, ok := cutNegation(s); ok {
		c, err := compileCondition(inner)
		if err != nil {
			return nil, err
		}
		return func(vars map[string]any) bool { return !c(vars) }, nil
	}

	if wrapped(s) {
		return compileCondition(s[1 : len(s)-1])
	}

	for _, op := range []string{">=", "<=", "!=", "==", ">", "<", " contains ", " matches ", " in "} {
		if i := indexTop(s, op); i > 0 {
			return compileComparison(strings.TrimSpace(op), s[:i], s[i+len(op):])
		}
	}

	val := compileOperand(s)
	return func(vars map[string]any) bool { return isTruthy(val(vars)) }, nil
}

func compileAll(parts []string) ([]condition, error) {
	conds := make([]condition, 0, len(parts))
	for _, p := range parts {
		c, err := compileCondition(p)
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	return conds, nil
}

func compileComparison(op, lhs, rhs string) (condition, error) {
	lhs, rhs = strings.TrimSpace(lhs), strings.TrimSpace(rhs)
	if lhs == "" || rhs == "" {
		return nil, fmt.Errorf("operator %q needs two operands", op)
	}
	left := compileOperand(lhs)

	switch op {
	case "matches":
		pattern, ok := unquote(rhs)
		if !ok {
			return nil, fmt.Errorf("matches needs a quoted pattern, got %s", rhs)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad pattern: %w", err)
		}
		return func(vars map[string]any) bool {
			return re.MatchString(valueString(left(vars)))
		}, nil
	case "in":
		if !wrapped(rhs) && !(strings.HasPrefix(rhs, "[") && strings.HasSuffix(rhs, "]")) {
			return nil, fmt.Errorf("in needs a parenthesised list, got %s", rhs)
		}
		var items []operand
		for _, item := range splitTop(rhs[1:len(rhs)-1], ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, compileOperand(item))
			}
		}
		return func(vars map[string]any) bool {
			l := valueString(left(vars))
			for _, it := range items {
				if valueString(it(vars)) == l {
					return true
				}
			}
			return false
		}, nil
	}

	right := compileOperand(rhs)
	var cmp func(l, r any) bool
	switch op {
	case "==":
		cmp = func(l, r any) bool { return valueString(l) == valueString(r) }
	case "!=":
		cmp = func(l, r any) bool { return valueString(l) != valueString(r) }
	case ">=":
		cmp = func(l, r any) bool { return toFloat64(l) >= toFloat64(r) }
	case "<=":
		cmp = func(l, r any) bool { return toFloat64(l) <= toFloat64(r) }
	case ">":
		cmp = func(l, r any) bool { return toFloat64(l) > toFloat64(r) }
	case "<":
		cmp = func(l, r any) bool { return toFloat64(l) < toFloat64(r) }
	case "contains":
		cmp = func(l, r any) bool { return strings.Contains(valueString(l), valueString(r)) }
	default:
		return nil, fmt.Errorf("unknown operator %q", op)
	}
	return func(vars map[string]any) bool { return cmp(left(vars), right(vars)) }, nil
}

func compileOperand(s string) operand {
	s = strings.TrimSpace(s)
	if str, ok := unquote(s); ok {
		return constant(str)
	}
	switch strings.ToLower(s) {
	case "true":
		return constant(true)
	case "false":
		return constant(false)
	case "null", "nil":
		return constant(nil)
	}
	var num json.Number
	if err := json.Unmarshal([]byte(s), &num); err == nil {
		if i, err := num.Int64(); err == nil {
			return constant(i)
		}
		if f, err := num.Float64(); err == nil {
			return constant(f)
		}
	}
	name := s
	return func(vars map[string]any) any {
		if v, ok := vars[name]; ok {
			return v
		}
		return name
	}
}

func constant(v any) operand {
	return func(map[string]any) any { return v }
}

func unquote(s string) (string, bool) {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1], true
	}
	return "", false
}

func cutNegation(s string) (string, bool) {
	if rest, ok := strings.CutPrefix(s, "not "); ok {
		return rest, true
	}
	if strings.HasPrefix(s, "!") && !strings.HasPrefix(s, "!=") {
		return s[1:], true
	}
	return "", false
}

// wrapped reports whether the outer parentheses of s enclose all of it.
func wrapped(s string) bool {
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return false
	}
	return indexTop(s[1:len(s)-1], ")") < 0 && checkBalanced(s[1:len(s)-1]) == nil
}

// scanTop calls fn for every byte index of s outside quotes and parentheses.
// Returning false stops the scan.
func scanTop(s string, fn func(i int) bool) {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
			continue
		case c == '\'' || c == '"':
			quote = c
			continue
		case c == '(' || c == '[':
			depth++
			continue
		case c == ')' || c == ']':
			if depth > 0 {
				depth--
				continue
			}
		}
		if depth == 0 && !fn(i) {
			return
		}
	}
}

func indexTop(s, sep string) int {
	at := -1
	scanTop(s, func(i int) bool {
		if strings.HasPrefix(s[i:], sep) {
			at = i
			return false
		}
		return true
	})
	return at
}

func splitTop(s, sep string) []string {
	var parts []string
	start := 0
	skip := 0
	scanTop(s, func(i int) bool {
		if i < skip {
			return true
		}
		if strings.HasPrefix(s[i:], sep) {
			parts = append(parts, s[start:i])
			start = i + len(sep)
			skip = start
		}
		return true
	})
	return append(parts, s[start:])
}

func checkBalanced(s string) error {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(' || c == '[':
			depth++
		case c == ')' || c == ']':
			depth--
			if depth < 0 {
				return errors.New("unbalanced parentheses")
			}
		}
	}
	if quote != 0 {
		return errors.New("unterminated string")
	}
	if depth != 0 {
		return errors.New("unbalanced parentheses")
	}
	return nil
}

func isTruthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case uint64:
		return val != 0
	case float64:
		return val != 0
	default:
		return true
	}
}

func toFloat64(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case uint64:
		return float64(val)
	case json.Number:
		f, _ := val.Float64()
		return f
	case string:
		var f float64
		_, _ = fmt.Sscanf(val, "%f", &f)
		return f
	default:
		return 0
	}
}
