// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Field kind constants for declarative rules
const (
	FieldString    = "string"
	FieldInteger   = "integer"
	FieldNumber    = "number"
	FieldTimestamp = "timestamp"
	FieldEnum      = "enum"
)

// FieldRule is one declarative structural/range rule for a payload field.
type FieldRule struct {
	Field    string   `yaml:"field" json:"field"`
	Kind     string   `yaml:"kind" json:"kind"`
	Required bool     `yaml:"required" json:"required"`
	Min      *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max      *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	Pattern  string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Values   []string `yaml:"values,omitempty" json:"values,omitempty"`
	MinLen   int      `yaml:"min_len,omitempty" json:"min_len,omitempty"`

	re *regexp.Regexp
}

// DerivedRule checks that a field equals the product of its factors within a
// fixed tolerance. Money math goes through shopspring/decimal so the
// tolerance comparison is exact.
type DerivedRule struct {
	Field     string   `yaml:"field" json:"field"`
	Factors   []string `yaml:"factors" json:"factors"`
	Tolerance float64  `yaml:"tolerance" json:"tolerance"`
}

// ReferenceRule checks a field against a set of known codes. Failures are
// soft warnings unless the rule set is strict.
type ReferenceRule struct {
	Field string   `yaml:"field" json:"field"`
	Known []string `yaml:"known" json:"known"`
}

// TargetSpec names the authoritative table a rule set projects into and the
// payload fields that make up the projected row, in column order.
type TargetSpec struct {
	Table  string   `yaml:"table" json:"table"`
	Key    string   `yaml:"key" json:"key"`
	Fields []string `yaml:"fields" json:"fields"`
}

// RuleSet is the declarative validation schema for one record type.
type RuleSet struct {
	Name             string          `yaml:"name" json:"name"`
	Strict           bool            `yaml:"strict" json:"strict"`
	AllowExtraFields bool            `yaml:"allow_extra_fields" json:"allow_extra_fields"`
	Fields           []FieldRule     `yaml:"fields" json:"fields"`
	Derived          []DerivedRule   `yaml:"derived,omitempty" json:"derived,omitempty"`
	References       []ReferenceRule `yaml:"references,omitempty" json:"references,omitempty"`
	Target           TargetSpec      `yaml:"target" json:"target"`
}

// Compile pre-compiles patterns and checks the rule set for internal
// consistency. Must be called once before Evaluate.
func (rs *RuleSet) Compile() error {
	if strings.TrimSpace(rs.Name) == "" {
		return fmt.Errorf("rule set name is required")
	}
	known := make(map[string]bool, len(rs.Fields))
	for i := range rs.Fields {
		fr := &rs.Fields[i]
		if strings.TrimSpace(fr.Field) == "" {
			return fmt.Errorf("rule set %s: field rule %d has no field name", rs.Name, i)
		}
		switch fr.Kind {
		case FieldString, FieldInteger, FieldNumber, FieldTimestamp, FieldEnum:
		default:
			return fmt.Errorf("rule set %s: field %s has unknown kind %q", rs.Name, fr.Field, fr.Kind)
		}
		if fr.Kind == FieldEnum && len(fr.Values) == 0 {
			return fmt.Errorf("rule set %s: enum field %s has no values", rs.Name, fr.Field)
		}
		if fr.Pattern != "" {
			re, err := regexp.Compile(fr.Pattern)
			if err != nil {
				return fmt.Errorf("rule set %s: field %s pattern: %w", rs.Name, fr.Field, err)
			}
			fr.re = re
		}
		known[fr.Field] = true
	}
	for _, dr := range rs.Derived {
		if !known[dr.Field] {
			return fmt.Errorf("rule set %s: derived rule references undeclared field %s", rs.Name, dr.Field)
		}
		for _, f := range dr.Factors {
			if !known[f] {
				return fmt.Errorf("rule set %s: derived rule factor references undeclared field %s", rs.Name, f)
			}
		}
	}
	if rs.Target.Key != "" && !known[rs.Target.Key] {
		return fmt.Errorf("rule set %s: target key references undeclared field %s", rs.Name, rs.Target.Key)
	}
	return nil
}

// KeyField returns the payload field used as the record identifier.
func (rs *RuleSet) KeyField() string {
	return rs.Target.Key
}

// Evaluate runs all checks against a decoded payload. Checks run in fixed
// order (structural, range, derived, reference) so the first failure is the
// primary error; all structural failures on a record are still collected and
// reported together. Reference misses come back as warnings unless the rule
// set is strict.
func (rs *RuleSet) Evaluate(p *PayloadExtractor) (failures, warnings []ValidationFailure) {
	failures = rs.checkStructural(p)
	if len(failures) > 0 {
		return failures, nil
	}
	failures = rs.checkRanges(p)
	if len(failures) > 0 {
		return failures, nil
	}
	failures = rs.checkDerived(p)
	if len(failures) > 0 {
		return failures, nil
	}
	refs := rs.checkReferences(p)
	if rs.Strict {
		return refs, nil
	}
	return nil, refs
}

func (rs *RuleSet) checkStructural(p *PayloadExtractor) []ValidationFailure {
	var out []ValidationFailure

	for i := range rs.Fields {
		fr := &rs.Fields[i]
		if !p.HasField(fr.Field) {
			if fr.Required {
				out = append(out, ValidationFailure{
					Field:   fr.Field,
					Kind:    KindMissingField,
					Message: fmt.Sprintf("required field %q is missing", fr.Field),
				})
			}
			continue
		}
		if f := fr.checkType(p); f != nil {
			out = append(out, *f)
		}
	}

	if !rs.AllowExtraFields {
		declared := make(map[string]bool, len(rs.Fields))
		for _, fr := range rs.Fields {
			declared[fr.Field] = true
		}
		extras := make([]string, 0)
		for _, k := range p.Keys() {
			if !declared[k] {
				extras = append(extras, k)
			}
		}
		sort.Strings(extras)
		for _, k := range extras {
			out = append(out, ValidationFailure{
				Field:   k,
				Kind:    KindUnknownField,
				Message: fmt.Sprintf("field %q is not part of schema %s", k, rs.Name),
			})
		}
	}

	return out
}

func (fr *FieldRule) checkType(p *PayloadExtractor) *ValidationFailure {
	wrong := func(want string) *ValidationFailure {
		return &ValidationFailure{
			Field:   fr.Field,
			Kind:    KindWrongType,
			Message: fmt.Sprintf("field %q must be a %s", fr.Field, want),
		}
	}

	switch fr.Kind {
	case FieldString:
		s := p.StrField(fr.Field)
		if s == nil {
			return wrong("string")
		}
		if fr.MinLen > 0 && len(*s) < fr.MinLen {
			return &ValidationFailure{
				Field:   fr.Field,
				Kind:    KindOutOfRange,
				Message: fmt.Sprintf("field %q must be at least %d characters", fr.Field, fr.MinLen),
			}
		}
		if fr.re != nil && !fr.re.MatchString(*s) {
			return &ValidationFailure{
				Field:   fr.Field,
				Kind:    KindPatternMismatch,
				Message: fmt.Sprintf("field %q does not match pattern %s", fr.Field, fr.Pattern),
			}
		}
	case FieldInteger:
		if p.Int64Field(fr.Field) == nil {
			return wrong("whole number")
		}
	case FieldNumber:
		if p.Float64Field(fr.Field) == nil {
			return wrong("number")
		}
	case FieldTimestamp:
		if p.TimeField(fr.Field) == nil {
			return wrong("RFC 3339 timestamp")
		}
	case FieldEnum:
		s := p.StrField(fr.Field)
		if s == nil {
			return wrong("string")
		}
		for _, v := range fr.Values {
			if v == *s {
				return nil
			}
		}
		return &ValidationFailure{
			Field:   fr.Field,
			Kind:    KindOutOfRange,
			Message: fmt.Sprintf("field %q must be one of %v", fr.Field, fr.Values),
		}
	}
	return nil
}

func (rs *RuleSet) checkRanges(p *PayloadExtractor) []ValidationFailure {
	var out []ValidationFailure
	for i := range rs.Fields {
		fr := &rs.Fields[i]
		if fr.Min == nil && fr.Max == nil {
			continue
		}
		var v *float64
		switch fr.Kind {
		case FieldInteger:
			if n := p.Int64Field(fr.Field); n != nil {
				f := float64(*n)
				v = &f
			}
		case FieldNumber:
			v = p.Float64Field(fr.Field)
		}
		if v == nil {
			continue
		}
		if fr.Min != nil && *v < *fr.Min {
			out = append(out, ValidationFailure{
				Field:   fr.Field,
				Kind:    KindOutOfRange,
				Message: fmt.Sprintf("field %q must be >= %v, got %v", fr.Field, *fr.Min, *v),
			})
		}
		if fr.Max != nil && *v > *fr.Max {
			out = append(out, ValidationFailure{
				Field:   fr.Field,
				Kind:    KindOutOfRange,
				Message: fmt.Sprintf("field %q must be <= %v, got %v", fr.Field, *fr.Max, *v),
			})
		}
	}
	return out
}

func (rs *RuleSet) checkDerived(p *PayloadExtractor) []ValidationFailure {
	var out []ValidationFailure
	for _, dr := range rs.Derived {
		actual := p.DecimalField(dr.Field)
		if actual == nil {
			continue // structural checks already cover presence/type
		}
		expected := decimal.NewFromInt(1)
		complete := true
		for _, f := range dr.Factors {
			d := p.DecimalField(f)
			if d == nil {
				complete = false
				break
			}
			expected = expected.Mul(*d)
		}
		if !complete {
			continue
		}
		tol := decimal.NewFromFloat(dr.Tolerance)
		if actual.Sub(expected).Abs().GreaterThan(tol) {
			out = append(out, ValidationFailure{
				Field: dr.Field,
				Kind:  KindBusinessRule,
				Message: fmt.Sprintf("field %q is %s but %s yields %s (tolerance %v)",
					dr.Field, actual.String(), strings.Join(dr.Factors, " * "), expected.String(), dr.Tolerance),
			})
		}
	}
	return out
}

func (rs *RuleSet) checkReferences(p *PayloadExtractor) []ValidationFailure {
	var out []ValidationFailure
	for _, rr := range rs.References {
		s := p.StrField(rr.Field)
		if s == nil || len(rr.Known) == 0 {
			continue
		}
		found := false
		for _, k := range rr.Known {
			if k == *s {
				found = true
				break
			}
		}
		if !found {
			out = append(out, ValidationFailure{
				Field:   rr.Field,
				Kind:    KindReference,
				Message: fmt.Sprintf("field %q value %q is not a known code", rr.Field, *s),
			})
		}
	}
	return out
}

func f64(v float64) *float64 { return &v }

// SalesRuleSet returns the built-in rule set for sales records: the schema
// the stack was originally deployed with. sale_id doubles as the record ID
// and total_price must equal quantity * unit_price within 0.01.
func SalesRuleSet() *RuleSet {
	rs := &RuleSet{
		Name: "sales",
		Fields: []FieldRule{
			{Field: "sale_id", Kind: FieldString, Required: true, Pattern: `^S[0-9]+$`},
			{Field: "sale_date", Kind: FieldTimestamp, Required: true},
			{Field: "customer_id", Kind: FieldInteger, Required: true, Min: f64(1)},
			{Field: "item_id", Kind: FieldInteger, Required: true, Min: f64(1)},
			{Field: "item_name", Kind: FieldString, Required: true, MinLen: 1},
			{Field: "quantity", Kind: FieldInteger, Required: true, Min: f64(1)},
			{Field: "unit_price", Kind: FieldNumber, Required: true, Min: f64(0.01)},
			{Field: "total_price", Kind: FieldNumber, Required: true, Min: f64(0.01)},
		},
		Derived: []DerivedRule{
			{Field: "total_price", Factors: []string{"quantity", "unit_price"}, Tolerance: 0.01},
		},
		Target: TargetSpec{
			Table: "analytics.sales_fact",
			Key:   "sale_id",
			Fields: []string{
				"sale_id", "sale_date", "customer_id", "item_id",
				"item_name", "quantity", "unit_price", "total_price",
			},
		},
	}
	if err := rs.Compile(); err != nil {
		panic(err) // built-in schema is exercised by tests
	}
	return rs
}
