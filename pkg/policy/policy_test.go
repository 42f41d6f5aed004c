package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForAuthorRequiresEveryAuthorAttribute(t *testing.T) {
	p, err := ForAuthor(AttributeSet{Org: "H1", Unit: "U1"})
	require.NoError(t, err)

	assert.Equal(t, []Clause{{Org: "H1", Unit: "U1"}}, p.Clauses)
	assert.True(t, p.SatisfiedBy(AttributeSet{Org: "H1", Unit: "U1"}))
	assert.False(t, p.SatisfiedBy(AttributeSet{Org: "H1", Unit: "U2"}))
	assert.False(t, p.SatisfiedBy(AttributeSet{Org: "H2", Unit: "U1"}))
}

func TestPartialAttributeSetDoesNotSatisfy(t *testing.T) {
	p, err := ForAuthor(AttributeSet{Org: "H1", Unit: "U1"})
	require.NoError(t, err)

	assert.False(t, p.SatisfiedBy(AttributeSet{Unit: "U1"}))
	assert.False(t, p.SatisfiedBy(AttributeSet{Org: "H1"}))
	assert.False(t, p.SatisfiedBy(AttributeSet{}))
}

func TestForAuthorWithUnitClause(t *testing.T) {
	p, err := ForAuthor(AttributeSet{Org: "H1", Unit: "U1"}, WithUnitClause())
	require.NoError(t, err)

	assert.Len(t, p.Clauses, 2)
	assert.True(t, p.SatisfiedBy(AttributeSet{Unit: "U1"}))
	assert.True(t, p.SatisfiedBy(AttributeSet{Org: "H2", Unit: "U1"}))
	assert.False(t, p.SatisfiedBy(AttributeSet{Org: "H1", Unit: "U2"}))
}

func TestForAuthorSingleAttribute(t *testing.T) {
	p, err := ForAuthor(AttributeSet{Org: "H1"}, WithUnitClause())
	require.NoError(t, err)

	assert.Equal(t, []Clause{{Org: "H1"}}, p.Clauses)
	assert.True(t, p.SatisfiedBy(AttributeSet{Org: "H1", Unit: "anything"}))
}

func TestForAuthorWithoutAttributes(t *testing.T) {
	_, err := ForAuthor(AttributeSet{})
	assert.ErrorIs(t, err, ErrEmptyClause)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		err    error
	}{
		{"no clauses", Policy{Version: CurrentVersion}, ErrEmptyPolicy},
		{"empty clause", Policy{Version: CurrentVersion, Clauses: []Clause{{}}}, ErrEmptyClause},
		{"unknown version", Policy{Version: 9, Clauses: []Clause{{Org: "H1"}}}, ErrVersion},
		{"valid", Policy{Version: CurrentVersion, Clauses: []Clause{{Unit: "U1"}}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestEmptyClauseNeverSatisfied(t *testing.T) {
	p := Policy{Version: CurrentVersion, Clauses: []Clause{{}}}
	assert.False(t, p.SatisfiedBy(AttributeSet{Org: "H1", Unit: "U1"}))
}

func TestCanonicalIsOrderIndependent(t *testing.T) {
	a, err := New(Clause{Org: "H1", Unit: "U1"}, Clause{Unit: "U1"})
	require.NoError(t, err)
	b := Policy{Version: CurrentVersion, Clauses: []Clause{{Unit: "U1"}, {Org: "H1", Unit: "U1"}, {Unit: "U1"}}}

	ea, err := a.Canonical()
	require.NoError(t, err)
	eb, err := b.Canonical()
	require.NoError(t, err)
	assert.Equal(t, ea, eb)

	fa, err := a.Fingerprint()
	require.NoError(t, err)
	fb, err := b.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
}

func TestFingerprintChangesWithClauses(t *testing.T) {
	a, err := ForAuthor(AttributeSet{Org: "H1", Unit: "U1"})
	require.NoError(t, err)
	b, err := ForAuthor(AttributeSet{Org: "H1", Unit: "U1"}, WithUnitClause())
	require.NoError(t, err)

	fa, err := a.Fingerprint()
	require.NoError(t, err)
	fb, err := b.Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, fa, fb)
}

func TestDecodeCanonical(t *testing.T) {
	p, err := ForAuthor(AttributeSet{Org: "H1", Unit: "U1"}, WithUnitClause())
	require.NoError(t, err)

	data, err := p.Canonical()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, p.Equal(decoded))

	_, err = Decode([]byte{0xff, 0x00})
	assert.Error(t, err)
}
