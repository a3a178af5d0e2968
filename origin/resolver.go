// Package origin decides how an image URL must be requested so that its
// pixels stay readable from the host origin.
//
// A Resolver holds the host origin, an optional proxy prefix served from a
// CORS-friendly location, and an ordered rule set naming which remote hosts
// are reached directly and which through the proxy. Resolution is pure: the
// same input always yields the same output, and a URL already in proxied
// form is recognized rather than proxied again.
package origin

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ErrInvalidURL is returned for URLs that cannot be resolved to a fetchable
// location.
var ErrInvalidURL = errors.New("invalid image url")

// Action says how a cross-origin host is reached.
type Action int

const (
	// ActionDirect fetches the URL as is.
	ActionDirect Action = iota
	// ActionProxy fetches the URL through the proxy prefix.
	ActionProxy
)

func (a Action) String() string {
	switch a {
	case ActionDirect:
		return "direct"
	case ActionProxy:
		return "proxy"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ParseAction parses "direct" or "proxy".
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "direct":
		return ActionDirect, nil
	case "proxy":
		return ActionProxy, nil
	default:
		return 0, fmt.Errorf("unknown origin action %q", s)
	}
}

// Rule maps a host glob to an action. Pattern is matched against the
// lower-cased host name with [path.Match], so "*.cdn.example" matches
// "img.cdn.example" but not "cdn.example".
type Rule struct {
	Pattern string
	Action  Action
}

// Resolution describes how to fetch one URL.
type Resolution struct {
	// Original is the absolute source URL, unwrapped if the input was
	// already proxied.
	Original string
	// EffectiveURL is the URL to fetch first.
	EffectiveURL string
	// RequiresCORS reports whether EffectiveURL is cross-origin to the host
	// and must be requested in CORS mode for its pixels to be readable.
	RequiresCORS bool
	// Rewritten reports whether EffectiveURL goes through the proxy.
	Rewritten bool
	// SameOrigin reports whether Original is same-origin with the host.
	SameOrigin bool
}

// Resolver resolves image URLs against a host origin and rule set.
// A Resolver is immutable after construction and safe for concurrent use.
type Resolver struct {
	host          *url.URL
	origin        string
	proxyPrefix   string
	rules         []Rule
	defaultAction Action
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithProxyPrefix sets the prefix that proxied URLs are appended to in
// query-escaped form, e.g. "https://app.example/img?u=". A relative prefix
// is resolved against the host origin. An empty prefix disables proxying.
func WithProxyPrefix(prefix string) Option {
	return func(r *Resolver) {
		r.proxyPrefix = prefix
	}
}

// WithRules appends host rules. The first matching rule wins.
func WithRules(rules ...Rule) Option {
	return func(r *Resolver) {
		r.rules = append(r.rules, rules...)
	}
}

// WithDefaultAction sets the action for cross-origin hosts no rule matches.
// Defaults to [ActionDirect].
func WithDefaultAction(a Action) Option {
	return func(r *Resolver) {
		r.defaultAction = a
	}
}

// New creates a Resolver for the given host origin (scheme://host[:port]).
func New(hostOrigin string, opts ...Option) (*Resolver, error) {
	host, err := url.Parse(strings.TrimSpace(hostOrigin))
	if err != nil || !isHTTP(host) || host.Host == "" {
		return nil, fmt.Errorf("%w: host origin %q", ErrInvalidURL, hostOrigin)
	}
	r := &Resolver{host: host, origin: originOf(host)}
	for _, opt := range opts {
		opt(r)
	}
	for i, rule := range r.rules {
		if _, err := path.Match(rule.Pattern, ""); err != nil {
			return nil, fmt.Errorf("rule %d: pattern %q: %w", i, rule.Pattern, err)
		}
		r.rules[i].Pattern = strings.ToLower(rule.Pattern)
	}
	if r.proxyPrefix != "" {
		prefix, err := r.host.Parse(r.proxyPrefix)
		if err != nil || !isHTTP(prefix) {
			return nil, fmt.Errorf("%w: proxy prefix %q", ErrInvalidURL, r.proxyPrefix)
		}
		r.proxyPrefix = prefix.String()
	}
	return r, nil
}

// Origin returns the normalized host origin.
func (r *Resolver) Origin() string {
	return r.origin
}

// Resolve decides how rawURL should be fetched. It is idempotent:
// Resolve(Resolve(u).EffectiveURL) describes the same fetch as Resolve(u).
func (r *Resolver) Resolve(rawURL string) (Resolution, error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return Resolution{}, fmt.Errorf("%w: empty url", ErrInvalidURL)
	}
	if IsLocal(raw) {
		return Resolution{Original: raw, EffectiveURL: raw, SameOrigin: true}, nil
	}

	if inner, ok := r.Unwrap(raw); ok {
		abs, err := r.absolute(inner)
		if err != nil {
			return Resolution{}, err
		}
		effective := r.wrap(abs)
		return Resolution{
			Original:     abs,
			EffectiveURL: effective,
			RequiresCORS: !Same(effective, r.origin),
			Rewritten:    true,
			SameOrigin:   Same(abs, r.origin),
		}, nil
	}

	abs, err := r.absolute(raw)
	if err != nil {
		return Resolution{}, err
	}
	if Same(abs, r.origin) {
		return Resolution{Original: abs, EffectiveURL: abs, SameOrigin: true}, nil
	}
	if r.actionFor(abs) == ActionProxy && r.proxyPrefix != "" {
		effective := r.wrap(abs)
		return Resolution{
			Original:     abs,
			EffectiveURL: effective,
			RequiresCORS: !Same(effective, r.origin),
			Rewritten:    true,
		}, nil
	}
	return Resolution{Original: abs, EffectiveURL: abs, RequiresCORS: true}, nil
}

// Rewrite returns the proxied form of rawURL regardless of rules. URLs
// already proxied, local URLs and unparsable input are returned unchanged,
// as is everything when no proxy prefix is configured.
func (r *Resolver) Rewrite(rawURL string) string {
	if r.proxyPrefix == "" || IsLocal(rawURL) || r.IsRewritten(rawURL) {
		return rawURL
	}
	abs, err := r.absolute(rawURL)
	if err != nil {
		return rawURL
	}
	return r.wrap(abs)
}

// IsRewritten reports whether rawURL is in proxied form.
func (r *Resolver) IsRewritten(rawURL string) bool {
	return r.proxyPrefix != "" && strings.HasPrefix(strings.TrimSpace(rawURL), r.proxyPrefix)
}

// Unwrap returns the source URL carried by a proxied URL.
func (r *Resolver) Unwrap(rawURL string) (string, bool) {
	if !r.IsRewritten(rawURL) {
		return "", false
	}
	inner, err := url.QueryUnescape(strings.TrimPrefix(strings.TrimSpace(rawURL), r.proxyPrefix))
	if err != nil || inner == "" {
		return "", false
	}
	return inner, true
}

func (r *Resolver) wrap(abs string) string {
	return r.proxyPrefix + url.QueryEscape(abs)
}

func (r *Resolver) absolute(raw string) (string, error) {
	u, err := r.host.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidURL, raw, err)
	}
	if !isHTTP(u) || u.Host == "" {
		return "", fmt.Errorf("%w: %q: unsupported scheme", ErrInvalidURL, raw)
	}
	u.Fragment, u.RawFragment = "", ""
	return u.String(), nil
}

func (r *Resolver) actionFor(abs string) Action {
	u, err := url.Parse(abs)
	if err != nil {
		return r.defaultAction
	}
	host := strings.ToLower(u.Hostname())
	for _, rule := range r.rules {
		if ok, _ := path.Match(rule.Pattern, host); ok {
			return rule.Action
		}
	}
	return r.defaultAction
}

// IsLocal reports whether rawURL is a data: or blob: URL. Local URLs never
// taint and are never proxied.
func IsLocal(rawURL string) bool {
	s := strings.ToLower(strings.TrimSpace(rawURL))
	return strings.HasPrefix(s, "data:") || strings.HasPrefix(s, "blob:")
}

// Same reports whether a and b have the same origin. Default ports are
// ignored. Unparsable or non-HTTP URLs have no origin and never match.
func Same(a, b string) bool {
	ua, err := url.Parse(strings.TrimPrefix(strings.TrimSpace(a), "blob:"))
	if err != nil || !isHTTP(ua) {
		return false
	}
	ub, err := url.Parse(strings.TrimPrefix(strings.TrimSpace(b), "blob:"))
	if err != nil || !isHTTP(ub) {
		return false
	}
	return originOf(ua) == originOf(ub)
}

func isHTTP(u *url.URL) bool {
	return u != nil && (strings.EqualFold(u.Scheme, "http") || strings.EqualFold(u.Scheme, "https"))
}

func originOf(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host
}
