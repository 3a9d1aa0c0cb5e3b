package dess

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const DefaultBaseURL = "https://web.dessmonitor.com/public/"

// Param is one query parameter. Requests are built from ordered slices
// rather than maps because the remote server verifies the signature
// against a specific parameter order.
type Param struct {
	Key   string
	Value string
}

// signParamOrder is the canonical parameter order the remote server uses
// when it recomputes the signature. Parameters outside this list are
// appended after it, in the order the caller supplied them.
var signParamOrder = []string{
	"action",
	"source",
	"pn",
	"devcode",
	"sn",
	"devaddr",
	"field",
	"precision",
	"sdate",
	"edate",
	"i18n",
	"chartStatus",
	"parameter",
	"date",
	"devtype",
	"page",
	"pagesize",
}

// queryUnescapes maps percent-encodings back to the literal characters the
// remote service expects. Matches the dessmonitor web client's
// transferUriStr: getting this wrong does not break the URL, it breaks the
// signature, and the server answers with a generic format error.
var queryUnescapes = [][2]string{
	{"%20", "+"},
	{"%2B", "+"},
	{"%3A", ":"},
	{"%2C", ","},
	{"%40", "@"},
	{"%24", "$"},
	{"%26", "&"},
	{"%3D", "="},
	{"%28", "("},
	{"%29", ")"},
}

// Signer assembles signed request URLs for the monitoring API.
type Signer struct {
	now func() time.Time
}

func NewSigner() *Signer {
	return &Signer{now: time.Now}
}

// NewSignerAt uses a fixed clock, so the salt (and therefore the whole
// query string) is deterministic.
func NewSignerAt(now func() time.Time) *Signer {
	return &Signer{now: now}
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// EncodeQuery renders ordered parameters using the remote service's
// non-standard encoding.
func EncodeQuery(params []Param) string {
	var b strings.Builder
	for i, p := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	encoded := b.String()
	for _, r := range queryUnescapes {
		encoded = strings.ReplaceAll(encoded, r[0], r[1])
	}
	return encoded
}

// canonicalize orders params per signParamOrder, appending unknown keys
// afterwards in their original order. Empty values are dropped.
func canonicalize(params []Param) []Param {
	byKey := make(map[string]string, len(params))
	for _, p := range params {
		if p.Value != "" {
			byKey[p.Key] = p.Value
		}
	}
	ordered := make([]Param, 0, len(byKey))
	seen := make(map[string]bool, len(byKey))
	for _, k := range signParamOrder {
		if v, ok := byKey[k]; ok {
			ordered = append(ordered, Param{k, v})
			seen[k] = true
		}
	}
	for _, p := range params {
		if p.Value != "" && !seen[p.Key] {
			ordered = append(ordered, Param{p.Key, p.Value})
			seen[p.Key] = true
		}
	}
	return ordered
}

// SignedURL builds a fully signed request URL for an authenticated action
// using the token and secret issued by login.
func (s *Signer) SignedURL(baseURL, action, token, secret string, extra []Param) string {
	params := append([]Param{
		{"action", action},
		{"source", "1"},
	}, extra...)
	ordered := canonicalize(params)

	salt := fmt.Sprintf("%d", s.now().UnixMilli())
	sign := sha1Hex(salt + secret + token + "&" + EncodeQuery(ordered))

	full := append([]Param{
		{"sign", sign},
		{"salt", salt},
		{"token", token},
	}, ordered...)
	return joinURL(baseURL, EncodeQuery(full))
}

// LoginURL builds the authSource URL. The login action has no secret yet;
// it signs with the sha1 of the password instead.
func (s *Signer) LoginURL(baseURL, usr, pwd, companyKey string) string {
	params := []Param{
		{"action", "authSource"},
		{"usr", usr},
		{"source", "1"},
		{"company-key", companyKey},
	}

	salt := fmt.Sprintf("%d", s.now().UnixMilli())
	sign := sha1Hex(salt + sha1Hex(pwd) + "&" + EncodeQuery(params))

	full := append([]Param{
		{"sign", sign},
		{"salt", salt},
	}, params...)
	return joinURL(baseURL, EncodeQuery(full))
}

// LegacyURL rebuilds a request from parameters captured off an
// already-signed browser URL. The stored sign/salt/token are reused
// verbatim; only the action and per-request parameters change. Such a URL
// stays valid only as long as the remote server keeps accepting the
// captured signature.
func LegacyURL(baseURL string, stored map[string]string, action string, extra []Param) string {
	full := make([]Param, 0, len(stored)+len(extra)+1)
	for _, k := range []string{"sign", "salt", "token"} {
		if v := stored[k]; v != "" {
			full = append(full, Param{k, v})
		}
	}
	full = append(full, Param{"action", action})
	for _, k := range []string{"source", "pn", "sn", "devcode", "devaddr", "i18n"} {
		if v := stored[k]; v != "" {
			full = append(full, Param{k, v})
		}
	}
	full = append(full, extra...)
	// Later duplicates win: per-request params override stored ones.
	merged := make([]Param, 0, len(full))
	last := make(map[string]int, len(full))
	for _, p := range full {
		if i, ok := last[p.Key]; ok {
			merged[i] = p
			continue
		}
		last[p.Key] = len(merged)
		merged = append(merged, p)
	}
	return joinURL(baseURL, EncodeQuery(merged))
}

func joinURL(baseURL, query string) string {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL + "?" + query
}
