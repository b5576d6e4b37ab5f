package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// signer builds canonical signed query strings.
type signer struct {
	secret []byte
}

// canonical joins params in lexicographic key order, dropping any
// caller-supplied signature.
func canonical(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range params[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// sign returns the hex HMAC-SHA256 of payload.
func (s signer) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// signedQuery returns the canonical query with the signature as the final
// parameter. Caller copies of recvWindow are replaced by exactly one value.
func (s signer) signedQuery(params url.Values, recvWindowMs, timestampMs int64) string {
	p := url.Values{}
	for k, v := range params {
		p[k] = append([]string(nil), v...)
	}
	p.Set("recvWindow", strconv.FormatInt(recvWindowMs, 10))
	p.Set("timestamp", strconv.FormatInt(timestampMs, 10))
	q := canonical(p)
	return q + "&signature=" + s.sign(q)
}

// redact hides the signature in a signed query for logging.
func redact(query string) string {
	i := strings.LastIndex(query, "signature=")
	if i < 0 {
		return query
	}
	return query[:i] + "signature=REDACTED"
}
