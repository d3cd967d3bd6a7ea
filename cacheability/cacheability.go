// Package cacheability implements Cache-Control directive handling for
// cached GraphQL data, along the lines of RFC 9111 §5.2.
package cacheability

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Directive names understood by this package. Unrecognized directives
// are preserved verbatim and re-emitted on printing, as RFC 9111
// requires of caches.
const (
	directiveMaxAge               = "max-age"
	directiveSMaxAge              = "s-maxage"
	directiveNoCache              = "no-cache"
	directiveNoStore              = "no-store"
	directivePublic               = "public"
	directivePrivate              = "private"
	directiveStaleWhileRevalidate = "stale-while-revalidate"
)

var knownDirectives = []string{
	directivePublic,
	directivePrivate,
	directiveNoCache,
	directiveNoStore,
	directiveMaxAge,
	directiveSMaxAge,
	directiveStaleWhileRevalidate,
}

// CacheControl holds the directives of a parsed Cache-Control value.
// Directive names are compared case-insensitively, and arguments may
// use both token and quoted-string syntax.
type CacheControl struct {
	directives map[string]string
}

// ParseCacheControl parses a Cache-Control header value into a
// CacheControl. Later occurrences of the same directive win.
func ParseCacheControl(header string) CacheControl {
	m := make(map[string]string)
	for _, directive := range strings.Split(header, ",") {
		directive = strings.TrimSpace(directive)
		if directive == "" {
			continue
		}
		parts := strings.SplitN(directive, "=", 2)
		name := strings.ToLower(parts[0])
		var arg string
		if len(parts) > 1 {
			// convert quoted-string form to token form
			arg = strings.Trim(parts[1], "\"")
		}
		m[name] = arg
	}
	return CacheControl{m}
}

// Get returns the argument of the specified directive, along with a
// boolean indicating whether the directive is present.
func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.directives[directive]
	return val, ok
}

// HasDirective returns whether the specified directive is present.
func (c CacheControl) HasDirective(directive string) bool {
	_, ok := c.Get(directive)
	return ok
}

// MaxAge returns the "max-age" delta-seconds as a duration, along with
// a boolean indicating whether the directive was present.
func (c CacheControl) MaxAge() (time.Duration, bool) {
	return c.getDeltaSeconds(directiveMaxAge)
}

// SMaxAge returns the "s-maxage" delta-seconds as a duration, along
// with a boolean indicating whether the directive was present.
func (c CacheControl) SMaxAge() (time.Duration, bool) {
	return c.getDeltaSeconds(directiveSMaxAge)
}

// StaleWhileRevalidate returns the "stale-while-revalidate" window.
func (c CacheControl) StaleWhileRevalidate() (time.Duration, bool) {
	return c.getDeltaSeconds(directiveStaleWhileRevalidate)
}

func (c CacheControl) NoCache() bool { return c.HasDirective(directiveNoCache) }
func (c CacheControl) NoStore() bool { return c.HasDirective(directiveNoStore) }
func (c CacheControl) Public() bool  { return c.HasDirective(directivePublic) }
func (c CacheControl) Private() bool { return c.HasDirective(directivePrivate) }

// getDeltaSeconds returns the "delta-seconds" argument of a directive
// as a duration, as well as a boolean indicating presence.
func (c CacheControl) getDeltaSeconds(directive string) (time.Duration, bool) {
	if secondsStr, ok := c.Get(directive); ok && secondsStr != "" {
		if seconds, err := strconv.Atoi(secondsStr); err == nil && seconds >= 0 {
			return time.Duration(seconds) * time.Second, true
		}
	}
	return 0, false
}

// String prints the directives in canonical form: known directives in
// a fixed order first, then unknown directives sorted by name.
func (c CacheControl) String() string {
	parts := make([]string, 0, len(c.directives))
	emitted := make(map[string]bool, len(c.directives))
	for _, name := range knownDirectives {
		if val, ok := c.directives[name]; ok {
			parts = append(parts, formatDirective(name, val))
			emitted[name] = true
		}
	}
	unknown := make([]string, 0)
	for name := range c.directives {
		if !emitted[name] {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		parts = append(parts, formatDirective(name, c.directives[name]))
	}
	return strings.Join(parts, ", ")
}

func formatDirective(name, val string) string {
	if val == "" {
		return name
	}
	return name + "=" + val
}

// merge combines two directive sets: minimum max-age (and s-maxage and
// stale-while-revalidate), union of the restrictive flags no-cache,
// no-store and private, union of everything else.
func (c CacheControl) merge(other CacheControl) CacheControl {
	m := make(map[string]string, len(c.directives)+len(other.directives))
	for name, val := range c.directives {
		m[name] = val
	}
	for name, val := range other.directives {
		if _, ok := m[name]; !ok {
			m[name] = val
			continue
		}
		switch name {
		case directiveMaxAge, directiveSMaxAge, directiveStaleWhileRevalidate:
			m[name] = minDeltaSeconds(m[name], val)
		}
	}
	// public does not survive if either side is private
	if _, private := m[directivePrivate]; private {
		delete(m, directivePublic)
	}
	return CacheControl{m}
}

func minDeltaSeconds(a, b string) string {
	av, aerr := strconv.Atoi(a)
	bv, berr := strconv.Atoi(b)
	if aerr != nil {
		return b
	}
	if berr != nil {
		return a
	}
	if bv < av {
		return strconv.Itoa(bv)
	}
	return strconv.Itoa(av)
}

// Cacheability is a parsed Cache-Control directive bound to the moment
// the associated data was stored. It answers whether the data may
// still be served.
type Cacheability struct {
	CacheControl CacheControl
	ETag         string
	StoredAt     time.Time
}

// New returns a Cacheability for the given directive string, stamped
// with the given storage time.
func New(header string, storedAt time.Time) Cacheability {
	return Cacheability{
		CacheControl: ParseCacheControl(header),
		StoredAt:     storedAt,
	}
}

// EffectiveMaxAge returns the freshness lifetime of the data:
// s-maxage if present, max-age otherwise.
func (c Cacheability) EffectiveMaxAge() (time.Duration, bool) {
	if d, ok := c.CacheControl.SMaxAge(); ok {
		return d, true
	}
	return c.CacheControl.MaxAge()
}

// IsValid reports whether data stored under this Cacheability may be
// served at the given time. no-cache and no-store data is never
// valid. Data within its stale-while-revalidate window is reported
// valid; scheduling the background refresh is the caller's concern.
func (c Cacheability) IsValid(now time.Time) bool {
	if c.CacheControl.NoCache() || c.CacheControl.NoStore() {
		return false
	}
	maxAge, ok := c.EffectiveMaxAge()
	if !ok {
		return false
	}
	if swr, ok := c.CacheControl.StaleWhileRevalidate(); ok {
		maxAge += swr
	}
	return !c.StoredAt.Add(maxAge).Before(now)
}

// IsStale reports whether the data is past its freshness lifetime but
// still inside the stale-while-revalidate window.
func (c Cacheability) IsStale(now time.Time) bool {
	maxAge, ok := c.EffectiveMaxAge()
	if !ok {
		return false
	}
	return c.StoredAt.Add(maxAge).Before(now) && c.IsValid(now)
}

// TTL returns the remaining time the data may be served, zero if none.
func (c Cacheability) TTL(now time.Time) time.Duration {
	if c.CacheControl.NoCache() || c.CacheControl.NoStore() {
		return 0
	}
	maxAge, ok := c.EffectiveMaxAge()
	if !ok {
		return 0
	}
	if swr, ok := c.CacheControl.StaleWhileRevalidate(); ok {
		maxAge += swr
	}
	ttl := c.StoredAt.Add(maxAge).Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Expires returns the wall-clock time after which the data may no
// longer be served.
func (c Cacheability) Expires() time.Time {
	maxAge, _ := c.EffectiveMaxAge()
	if swr, ok := c.CacheControl.StaleWhileRevalidate(); ok {
		maxAge += swr
	}
	return c.StoredAt.Add(maxAge)
}

// Metadata is the user-facing summary of a Cacheability.
type Metadata struct {
	CacheControl string        `json:"cacheControl"`
	ETag         string        `json:"etag,omitempty"`
	TTL          time.Duration `json:"ttl"`
}

// Metadata returns the directive string, etag and remaining TTL.
func (c Cacheability) Metadata(now time.Time) Metadata {
	return Metadata{
		CacheControl: c.CacheControl.String(),
		ETag:         c.ETag,
		TTL:          c.TTL(now),
	}
}

// Merge combines two Cacheabilities: the minimum max-age, the union of
// restrictive flags, and the earlier storage time, so that the result
// is never valid longer than either input.
func Merge(a, b Cacheability) Cacheability {
	merged := Cacheability{
		CacheControl: a.CacheControl.merge(b.CacheControl),
		ETag:         a.ETag,
		StoredAt:     a.StoredAt,
	}
	if merged.ETag == "" {
		merged.ETag = b.ETag
	}
	if !b.StoredAt.IsZero() && (merged.StoredAt.IsZero() || b.StoredAt.Before(merged.StoredAt)) {
		merged.StoredAt = b.StoredAt
	}
	return merged
}

// Dehydrated is the wire form of a Cacheability: the directive string
// rather than the parsed object.
type Dehydrated struct {
	CacheControl string `json:"cacheControl"`
	ETag         string `json:"etag,omitempty"`
	StoredAt     int64  `json:"storedAt"`
}

// Dehydrate serializes the Cacheability for persistence.
func (c Cacheability) Dehydrate() Dehydrated {
	return Dehydrated{
		CacheControl: c.CacheControl.String(),
		ETag:         c.ETag,
		StoredAt:     c.StoredAt.Unix(),
	}
}

// Rehydrate parses a dehydrated Cacheability back into its live form.
// Rehydrate is the inverse of Dehydrate.
func Rehydrate(d Dehydrated) Cacheability {
	return Cacheability{
		CacheControl: ParseCacheControl(d.CacheControl),
		ETag:         d.ETag,
		StoredAt:     time.Unix(d.StoredAt, 0),
	}
}
