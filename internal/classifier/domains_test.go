package classifier

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDomainMatcher(t *testing.T) {
	t.Parallel()

	t.Run("exact match", func(t *testing.T) {
		t.Parallel()
		m := newDomainMatcher([]string{"Example.org "})
		require.NotNil(t, m)
		require.True(t, m.Matches("example.org"))
		require.False(t, m.Matches("sub.example.org"), "subdomains must not match exact entries")
	})

	t.Run("wildcard suffix", func(t *testing.T) {
		t.Parallel()
		m := newDomainMatcher([]string{"*.doubleclick.net", ".hotjar.com", "*.hotjar.com"})
		require.NotNil(t, m)
		require.Len(t, m.suffixes, 2)
		cases := []struct {
			host    string
			matched bool
		}{
			{"doubleclick.net", true},
			{"stats.g.doubleclick.net", true},
			{"script.hotjar.com", true},
			{"notdoubleclick.net", false},
			{"vw.com", false},
			{"", false},
		}
		for _, tc := range cases {
			require.Equal(t, tc.matched, m.Matches(tc.host), tc.host)
		}
	})

	t.Run("empty patterns", func(t *testing.T) {
		t.Parallel()
		require.Nil(t, newDomainMatcher([]string{" ", "*."}))
	})

	t.Run("nil matcher", func(t *testing.T) {
		t.Parallel()
		var m *domainMatcher
		require.False(t, m.Matches("anything"))
	})
}
