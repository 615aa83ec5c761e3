package domain

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// DefaultTsigAlg is used when a key is generated without an algorithm.
const DefaultTsigAlg = "hmac-sha256"

var tsigKeySizes = map[string]int{
	"hmac-md5":    16,
	"hmac-sha1":   20,
	"hmac-sha224": 28,
	"hmac-sha256": 32,
	"hmac-sha384": 48,
	"hmac-sha512": 64,
}

// Tsig is a shared secret key for DNS message authentication.
type Tsig struct {
	Name   string // fully qualified key name
	Alg    string // e.g. "hmac-sha256", no trailing dot
	Secret string // base64
}

// NewTsig generates a key with a random secret sized for alg.
func NewTsig(name, alg string) (*Tsig, error) {
	if alg == "" {
		alg = DefaultTsigAlg
	}
	alg = strings.ToLower(strings.TrimSuffix(alg, "."))
	size, ok := tsigKeySizes[alg]
	if !ok {
		return nil, fmt.Errorf("unsupported TSIG algorithm %q", alg)
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generating TSIG secret: %w", err)
	}
	if !strings.HasSuffix(name, ".") {
		name += "."
	}
	return &Tsig{Name: strings.ToLower(name), Alg: alg, Secret: base64.StdEncoding.EncodeToString(buf)}, nil
}

// AlgFqdn returns the algorithm as an absolute domain name, the form used
// on the wire.
func (t *Tsig) AlgFqdn() string {
	return t.Alg + "."
}

// String renders the key in "alg:name:secret" form as accepted by the
// command line tools.
func (t *Tsig) String() string {
	return fmt.Sprintf("%s:%s:%s", t.Alg, t.Name, t.Secret)
}
