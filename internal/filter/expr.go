package filter

import (
	"errors"
	"fmt"
	"strings"
)

// Filter operators.
const (
	OpAnd = "+"
	OpOr  = "|"
)

// Kind is the syntactic form of a filter expression.
type Kind string

// Supported expression kinds.
const (
	KindSimple  Kind = "simple"
	KindAnd     Kind = "and"
	KindOr      Kind = "or"
	KindComplex Kind = "complex"
)

// ErrEmptyTerm is returned for expressions with a missing operand.
var ErrEmptyTerm = errors.New("filter: empty term")

// Expr is a parsed filter in disjunctive form: it passes when every word of
// at least one group occurs in the text.
//
// OR has the lowest precedence, so "a + b | c" is (a AND b) OR c.
type Expr struct {
	Kind   Kind
	Groups [][]string
}

// Parse parses a filter expression.
func Parse(raw string) (Expr, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Expr{}, ErrEmptyTerm
	}

	hasAnd := strings.Contains(raw, OpAnd)
	hasOr := strings.Contains(raw, OpOr)

	var expr Expr
	switch {
	case hasAnd && hasOr:
		expr.Kind = KindComplex
	case hasAnd:
		expr.Kind = KindAnd
	case hasOr:
		expr.Kind = KindOr
	default:
		expr.Kind = KindSimple
	}

	for _, alt := range strings.Split(raw, OpOr) {
		var group []string
		for _, term := range strings.Split(alt, OpAnd) {
			term = Normalize(strings.TrimSpace(term))
			if term == "" {
				return Expr{}, fmt.Errorf("%w in %q", ErrEmptyTerm, raw)
			}
			group = append(group, term)
		}
		expr.Groups = append(expr.Groups, group)
	}
	return expr, nil
}

// Eval reports whether normalized text satisfies the expression.
func (e Expr) Eval(normalized string) bool {
	for _, group := range e.Groups {
		if allWords(normalized, group) {
			return true
		}
	}
	return false
}

func allWords(normalized string, words []string) bool {
	for _, w := range words {
		if !ContainsWord(normalized, w) {
			return false
		}
	}
	return true
}

// Validate checks whether raw is a well-formed filter expression.
func Validate(raw string) error {
	_, err := Parse(raw)
	return err
}
