package exchange

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSigner_KnownVector(t *testing.T) {
	s := signer{secret: []byte("NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j")}
	payload := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"

	assert.Equal(t, "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71", s.sign(payload))
}

func TestSigner_CanonicalOrder(t *testing.T) {
	q := canonical(url.Values{
		"symbol":    {"BTCUSDC"},
		"side":      {"BUY"},
		"signature": {"stale"},
		"quantity":  {"0.5"},
	})
	assert.Equal(t, "quantity=0.5&side=BUY&symbol=BTCUSDC", q)
}

func TestSigner_SingleRecvWindow(t *testing.T) {
	s := signer{secret: []byte("secret")}
	params := url.Values{"symbol": {"BTCUSDC"}, "recvWindow": {"5000", "6000"}}

	q := s.signedQuery(params, 10000, 1700000000000)

	assert.Equal(t, 1, strings.Count(q, "recvWindow="))
	assert.Contains(t, q, "recvWindow=10000")
	assert.Contains(t, q, "timestamp=1700000000000")
	// the signature is the last parameter and covers everything before it
	i := strings.LastIndex(q, "&signature=")
	assert.Equal(t, s.sign(q[:i]), q[i+len("&signature="):])
	// caller params are untouched
	assert.Equal(t, []string{"5000", "6000"}, params["recvWindow"])
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "a=1&signature=REDACTED", redact("a=1&signature=abcdef"))
	assert.Equal(t, "a=1", redact("a=1"))
}
