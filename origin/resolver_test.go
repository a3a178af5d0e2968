package origin

import (
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const proxyPrefix = "https://app.example/img?u="

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := New("https://app.example",
		WithProxyPrefix("/img?u="),
		WithRules(
			Rule{Pattern: "*.cdn.example", Action: ActionDirect},
			Rule{Pattern: "thumbs.storage.example", Action: ActionProxy},
		),
		WithDefaultAction(ActionProxy),
	)
	require.NoError(t, err)
	return r
}

func TestResolve(t *testing.T) {
	t.Parallel()

	r := newTestResolver(t)
	tests := []struct {
		name string
		in   string
		want Resolution
	}{
		{
			name: "same origin",
			in:   "https://app.example/static/a.png",
			want: Resolution{Original: "https://app.example/static/a.png", EffectiveURL: "https://app.example/static/a.png", SameOrigin: true},
		},
		{
			name: "same origin default port",
			in:   "https://APP.example:443/a.png",
			want: Resolution{Original: "https://APP.example:443/a.png", EffectiveURL: "https://APP.example:443/a.png", SameOrigin: true},
		},
		{
			name: "relative url",
			in:   "/media/b.jpg#frag",
			want: Resolution{Original: "https://app.example/media/b.jpg", EffectiveURL: "https://app.example/media/b.jpg", SameOrigin: true},
		},
		{
			name: "direct rule",
			in:   "https://img.cdn.example/c.webp",
			want: Resolution{Original: "https://img.cdn.example/c.webp", EffectiveURL: "https://img.cdn.example/c.webp", RequiresCORS: true},
		},
		{
			name: "proxy rule",
			in:   "https://thumbs.storage.example/d.png?size=s",
			want: Resolution{
				Original:     "https://thumbs.storage.example/d.png?size=s",
				EffectiveURL: proxyPrefix + url.QueryEscape("https://thumbs.storage.example/d.png?size=s"),
				Rewritten:    true,
			},
		},
		{
			name: "default action",
			in:   "http://other.example/e.gif",
			want: Resolution{
				Original:     "http://other.example/e.gif",
				EffectiveURL: proxyPrefix + url.QueryEscape("http://other.example/e.gif"),
				Rewritten:    true,
			},
		},
		{
			name: "data url",
			in:   "data:image/png;base64,AAAA",
			want: Resolution{Original: "data:image/png;base64,AAAA", EffectiveURL: "data:image/png;base64,AAAA", SameOrigin: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := r.Resolve(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	t.Parallel()

	r := newTestResolver(t)
	inputs := []string{
		"https://app.example/a.png",
		"/relative/b.png",
		"https://img.cdn.example/c.webp",
		"https://thumbs.storage.example/d.png?size=s&x=a%20b",
		"http://other.example/e.gif",
		proxyPrefix + url.QueryEscape("https://img.cdn.example/already-proxied.png"),
		"data:image/png;base64,AAAA",
	}
	for _, in := range inputs {
		first, err := r.Resolve(in)
		require.NoError(t, err, in)
		again, err := r.Resolve(in)
		require.NoError(t, err, in)
		assert.Equal(t, first, again, "resolving %q twice", in)

		fixed, err := r.Resolve(first.EffectiveURL)
		require.NoError(t, err, in)
		assert.Equal(t, first.EffectiveURL, fixed.EffectiveURL, "resolving output of %q", in)
		assert.Equal(t, first.Original, fixed.Original, "original of %q", in)
		assert.Equal(t, first.Rewritten, fixed.Rewritten, "rewritten flag of %q", in)
	}
}

func TestResolveRecognizesRewritten(t *testing.T) {
	t.Parallel()

	r := newTestResolver(t)
	src := "https://img.cdn.example/x.png"
	proxied := r.Rewrite(src)
	assert.Equal(t, proxyPrefix+url.QueryEscape(src), proxied)
	assert.Equal(t, proxied, r.Rewrite(proxied), "Rewrite must not double-wrap")
	assert.True(t, r.IsRewritten(proxied))

	inner, ok := r.Unwrap(proxied)
	require.True(t, ok)
	assert.Equal(t, src, inner)

	res, err := r.Resolve(proxied)
	require.NoError(t, err)
	assert.True(t, res.Rewritten)
	assert.Equal(t, src, res.Original)
	assert.Equal(t, proxied, res.EffectiveURL)
	assert.False(t, res.RequiresCORS, "same-origin proxy needs no CORS mode")
}

func TestResolveWithoutProxy(t *testing.T) {
	t.Parallel()

	r, err := New("https://app.example", WithDefaultAction(ActionProxy))
	require.NoError(t, err)

	res, err := r.Resolve("https://remote.example/a.png")
	require.NoError(t, err)
	assert.False(t, res.Rewritten)
	assert.True(t, res.RequiresCORS)
	assert.Equal(t, "https://remote.example/a.png", r.Rewrite("https://remote.example/a.png"))
}

func TestResolveInvalid(t *testing.T) {
	t.Parallel()

	r := newTestResolver(t)
	for _, in := range []string{"", "   ", "javascript:alert(1)", "ftp://files.example/a.png", "https://bad host/%zz"} {
		_, err := r.Resolve(in)
		assert.True(t, errors.Is(err, ErrInvalidURL), "Resolve(%q) error = %v", in, err)
	}

	_, err := New("not a url")
	assert.ErrorIs(t, err, ErrInvalidURL)
	_, err = New("https://app.example", WithProxyPrefix("ftp://proxy.example/?u="))
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestSame(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want bool
	}{
		{"https://a.example/x", "https://a.example", true},
		{"https://a.example:443/x", "https://A.EXAMPLE/y", true},
		{"http://a.example/x", "https://a.example/x", false},
		{"https://a.example:8443/x", "https://a.example/x", false},
		{"blob:https://a.example/uuid", "https://a.example", true},
		{"data:image/png;base64,AAAA", "https://a.example", false},
		{"https://[::1]:8080/x", "https://[::1]:8080", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Same(tt.a, tt.b), "Same(%q, %q)", tt.a, tt.b)
	}
}

func TestParseAction(t *testing.T) {
	t.Parallel()

	a, err := ParseAction("Proxy")
	require.NoError(t, err)
	assert.Equal(t, ActionProxy, a)
	assert.Equal(t, "direct", ActionDirect.String())
	_, err = ParseAction("bounce")
	assert.Error(t, err)
}
