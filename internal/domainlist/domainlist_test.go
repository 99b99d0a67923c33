package domainlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestMatcherExactAndSuffix(t *testing.T) {
	m := NewMatcher([]string{" Evil.COM ", ".phish.example.", ""}, zap.NewNop())
	assert.Equal(t, 2, m.Len())

	d, ok := m.Match("evil.com")
	assert.True(t, ok)
	assert.Equal(t, "evil.com", d)

	d, ok = m.Match("login.secure.EVIL.com.")
	assert.True(t, ok)
	assert.Equal(t, "evil.com", d)

	_, ok = m.Match("notevil.com")
	assert.False(t, ok)

	_, ok = m.Match("example")
	assert.False(t, ok)
}

func TestMatchAddress(t *testing.T) {
	m := NewMatcher([]string{"paypal.com"}, nil)
	_, ok := m.MatchAddress("service@mail.paypal.com")
	assert.True(t, ok)
	_, ok = m.MatchAddress("not-an-address")
	assert.False(t, ok)
}

func TestEmptyMatcher(t *testing.T) {
	m := NewMatcher(nil, nil)
	_, ok := m.Match("anything.com")
	assert.False(t, ok)
}

func TestRegistrable(t *testing.T) {
	assert.Equal(t, "example.co.uk", Registrable("mail.example.co.uk"))
	assert.Equal(t, "x.com", Registrable("a.b.X.com"))
	assert.True(t, SameOrganization("mx1.x.com", "x.com"))
	assert.False(t, SameOrganization("x.com", "evil.com"))
	assert.False(t, SameOrganization("", ""))
}
