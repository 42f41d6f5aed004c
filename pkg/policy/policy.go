// Package policy defines the organizational attributes carried by an actor
// and the disjunctive policies that gate unsealing of a record.
package policy

import (
	"errors"
	"fmt"
	"sort"
)

// OrgID identifies an organization (hospital, clinic group).
type OrgID string

// UnitID identifies a sub-unit (department) inside an organization.
type UnitID string

// AttributeSet is the closed set of organizational facts about an actor.
// A zero field means the actor does not hold that attribute.
type AttributeSet struct {
	Org  OrgID  `json:"org,omitempty" cbor:"1,keyasint,omitempty"`
	Unit UnitID `json:"unit,omitempty" cbor:"2,keyasint,omitempty"`
}

func (a AttributeSet) IsZero() bool {
	return a.Org == "" && a.Unit == ""
}

// Clause is a conjunction of required attributes. A zero field is not
// required; at least one field must be set.
type Clause struct {
	Org  OrgID  `json:"org,omitempty" cbor:"1,keyasint,omitempty"`
	Unit UnitID `json:"unit,omitempty" cbor:"2,keyasint,omitempty"`
}

// SatisfiedBy reports whether every attribute the clause requires is held
// by attrs with the same value. Attributes absent from attrs never match.
func (c Clause) SatisfiedBy(attrs AttributeSet) bool {
	if c.Org == "" && c.Unit == "" {
		return false
	}
	if c.Org != "" && attrs.Org != c.Org {
		return false
	}
	if c.Unit != "" && attrs.Unit != c.Unit {
		return false
	}
	return true
}

func (c Clause) less(o Clause) bool {
	if c.Org != o.Org {
		return c.Org < o.Org
	}
	return c.Unit < o.Unit
}

// CurrentVersion is the policy encoding version written by New.
const CurrentVersion uint8 = 1

var (
	ErrEmptyPolicy = errors.New("policy has no clauses")
	ErrEmptyClause = errors.New("policy clause requires no attributes")
	ErrVersion     = errors.New("unsupported policy version")
)

// Policy is an OR of clauses. It is immutable once built: Clauses is
// sorted and deduplicated, so equal policies encode to equal bytes.
type Policy struct {
	Version uint8    `json:"v" cbor:"1,keyasint"`
	Clauses []Clause `json:"clauses" cbor:"2,keyasint"`
}

// New builds a policy from explicit clauses.
func New(clauses ...Clause) (Policy, error) {
	p := Policy{Version: CurrentVersion, Clauses: normalize(clauses)}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Option adjusts the policy built by ForAuthor.
type Option func(*builder)

type builder struct {
	unitClause bool
}

// WithUnitClause adds a second clause requiring only the author's unit, so
// an actor in the same unit of another organization satisfies the policy.
func WithUnitClause() Option {
	return func(b *builder) { b.unitClause = true }
}

// ForAuthor builds the policy for a record sealed by an actor holding
// attrs. The default is one clause requiring every attribute the author
// holds.
func ForAuthor(attrs AttributeSet, opts ...Option) (Policy, error) {
	var b builder
	for _, opt := range opts {
		opt(&b)
	}

	clauses := []Clause{{Org: attrs.Org, Unit: attrs.Unit}}
	if b.unitClause && attrs.Unit != "" && attrs.Org != "" {
		clauses = append(clauses, Clause{Unit: attrs.Unit})
	}
	p, err := New(clauses...)
	if err != nil {
		return Policy{}, fmt.Errorf("author attributes: %w", err)
	}
	return p, nil
}

// SatisfiedBy reports whether at least one clause is satisfied by attrs.
func (p Policy) SatisfiedBy(attrs AttributeSet) bool {
	for _, c := range p.Clauses {
		if c.SatisfiedBy(attrs) {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants of a policy.
func (p Policy) Validate() error {
	if p.Version != CurrentVersion {
		return fmt.Errorf("%w: %d", ErrVersion, p.Version)
	}
	if len(p.Clauses) == 0 {
		return ErrEmptyPolicy
	}
	for i, c := range p.Clauses {
		if c.Org == "" && c.Unit == "" {
			return fmt.Errorf("clause %d: %w", i, ErrEmptyClause)
		}
	}
	return nil
}

// Equal reports whether p and o have the same version and clauses.
func (p Policy) Equal(o Policy) bool {
	if p.Version != o.Version || len(p.Clauses) != len(o.Clauses) {
		return false
	}
	for i := range p.Clauses {
		if p.Clauses[i] != o.Clauses[i] {
			return false
		}
	}
	return true
}

func normalize(clauses []Clause) []Clause {
	out := make([]Clause, 0, len(clauses))
	seen := make(map[Clause]struct{}, len(clauses))
	for _, c := range clauses {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}
