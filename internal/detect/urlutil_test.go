package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "lowercases scheme and host", in: "HTTPS://Example.COM/Login", want: "https://example.com/Login"},
		{name: "strips default https port", in: "https://example.com:443/login", want: "https://example.com/login"},
		{name: "strips default http port", in: "http://example.com:80/login", want: "http://example.com/login"},
		{name: "keeps explicit port", in: "https://example.com:8443/login", want: "https://example.com:8443/login"},
		{name: "drops fragment", in: "https://example.com/login#top", want: "https://example.com/login"},
		{name: "sorts query", in: "https://example.com/login?b=2&a=1", want: "https://example.com/login?a=1&b=2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistrableDomain(t *testing.T) {
	got, err := RegistrableDomain("https://shop.example.co.uk/login")
	require.NoError(t, err)
	assert.Equal(t, "example.co.uk", got)

	got, err = RegistrableDomain("www.example.com")
	require.NoError(t, err)
	assert.Equal(t, "example.com", got)

	_, err = RegistrableDomain("localhost")
	assert.Error(t, err)
}

func TestSameRegistrableDomain(t *testing.T) {
	assert.True(t, SameRegistrableDomain("https://a.example.com/x", "https://b.example.com/y"))
	assert.False(t, SameRegistrableDomain("https://example.com", "https://example.org"))

	// Hosts without a TLD+1 fall back to exact comparison.
	assert.True(t, SameRegistrableDomain("http://127.0.0.1:8080/a", "http://127.0.0.1:9090/b"))
	assert.False(t, SameRegistrableDomain("http://127.0.0.1/a", "http://10.0.0.1/a"))
}

func TestPriorityOf(t *testing.T) {
	rules := []PriorityRule{
		{Regex: "login", Score: 10},
		{Regex: "signin", Score: 5},
		{Regex: "(", Score: 100}, // invalid, skipped
	}

	p := PriorityOf("/account/login", rules)
	assert.Equal(t, 10, p.Score)
	assert.Equal(t, "login", p.Rule)

	p = PriorityOf("/signin", rules)
	assert.Equal(t, 5, p.Score)

	p = PriorityOf("/about", rules)
	assert.Zero(t, p.Score)
	assert.Empty(t, p.Rule)
}

func TestPriorityOfHighestWins(t *testing.T) {
	rules := []PriorityRule{
		{Regex: "log", Score: 3},
		{Regex: "login", Score: 10},
	}
	p := PriorityOf("/login", rules)
	assert.Equal(t, 10, p.Score)
}

func TestDomainDirName(t *testing.T) {
	assert.Equal(t, "www_example_com", DomainDirName("www.example.com"))
	assert.Equal(t, "example_com", DomainDirName("example.com"))
}
