package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatsunemiku3939/agentmesh/fault"
	"github.com/hatsunemiku3939/agentmesh/journal"
)

func forever() journal.RetentionPolicy {
	return journal.RetentionPolicy{Mode: journal.RetainForever}
}

func newResolver(t *testing.T) *Resolver {
	t.Helper()
	res, err := NewResolver([]Profile{
		{
			Name: "coding",
			Table: map[string]string{
				"FileReadRequest":  "file-read",
				"FileWriteRequest": "file-write",
			},
			NetworkAllowlist: []string{"api.openai.com:443"},
			Retention:        forever(),
			DispatchTimeout:  time.Minute,
		},
		{
			Name:      "researcher",
			Table:     map[string]string{"FileReadRequest": "file-read"},
			Retention: journal.RetentionPolicy{Mode: journal.RetainDays, Days: 30},
		},
	})
	require.NoError(t, err)
	return res
}

func TestNewResolverValidation(t *testing.T) {
	t.Run("duplicate profile", func(t *testing.T) {
		_, err := NewResolver([]Profile{
			{Name: "p", Retention: forever()},
			{Name: "p", Retention: forever()},
		})
		assert.ErrorIs(t, err, ErrDuplicateProfile)
	})

	t.Run("bad allowlist entry", func(t *testing.T) {
		_, err := NewResolver([]Profile{{
			Name:             "p",
			NetworkAllowlist: []string{"no-port"},
			Retention:        forever(),
		}})
		assert.ErrorIs(t, err, ErrBadAllowlist)
	})

	t.Run("bad retention", func(t *testing.T) {
		_, err := NewResolver([]Profile{{
			Name:      "p",
			Retention: journal.RetentionPolicy{Mode: journal.RetainDays},
		}})
		assert.Error(t, err)
	})
}

func TestResolveClosedWorld(t *testing.T) {
	res := newResolver(t)

	handler, ok, err := res.Resolve("coding", "FileReadRequest")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "file-read", handler)

	_, ok, err = res.Resolve("researcher", "FileWriteRequest")
	require.NoError(t, err)
	assert.False(t, ok, "no wildcard, no fallback")

	_, _, err = res.Resolve("ghost", "FileReadRequest")
	assert.True(t, fault.Is(err, fault.KindUnknownProfile))
}

func TestIsPermitted(t *testing.T) {
	res := newResolver(t)

	ok, err := res.IsPermitted("researcher", "file-read")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = res.IsPermitted("researcher", "file-write")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubset(t *testing.T) {
	res := newResolver(t)

	for _, tc := range []struct {
		child, parent string
		want          bool
	}{
		{"researcher", "coding", true},
		{"coding", "coding", true},
		{"coding", "researcher", false},
	} {
		got, err := res.Subset(tc.child, tc.parent)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s ⊆ %s", tc.child, tc.parent)
	}
}

func TestRetentionAndTimeout(t *testing.T) {
	res := newResolver(t)

	policy, err := res.Retention("researcher")
	require.NoError(t, err)
	assert.Equal(t, journal.RetainDays, policy.Mode)
	assert.Equal(t, 30, policy.Days)

	timeout, err := res.Timeout("coding")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, timeout)
}

func TestAllowsHost(t *testing.T) {
	res := newResolver(t)
	p, err := res.Get("coding")
	require.NoError(t, err)
	assert.True(t, p.AllowsHost("api.openai.com:443"))
	assert.False(t, p.AllowsHost("evil.example.com:443"))
}
