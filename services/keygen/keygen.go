package keygen

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/keyring"
)

// Key layout: PRD-AAAAA-BBBBB-CCCCC-DDDDD-EEEEE-HHHHH-HHHHH
// Three-char product prefix, five random segments, two checksum segments.
// The first character of the first random segment encodes the key version
// as a base32 digit.
const (
	alphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
	segmentLen   = 5
	randSegments = 5
	checksumLen  = 10
)

var productCodeRe = regexp.MustCompile(`^[A-Z0-9]{3}$`)

// Validation is the outcome of a structural and cryptographic key check.
type Validation struct {
	Version     int
	ProductCode string
}

// Service generates and validates license keys against the active keyring.
type Service struct {
	keys *keyring.Holder
}

func NewService(keys *keyring.Holder) *Service {
	return &Service{keys: keys}
}

// CurrentVersion is the keyring version new keys are signed under.
func (s *Service) CurrentVersion() int {
	return s.keys.Load().CurrentVersion()
}

// Generate mints a key for productCode signed under the given key version.
// The raw key is returned once; only its hash is ever persisted.
func (s *Service) Generate(productCode string, version int) (string, error) {
	if !productCodeRe.MatchString(productCode) {
		return "", errutil.InvalidProductCode(fmt.Sprintf("product code %q must be 3 chars of A-Z0-9", productCode))
	}

	ring := s.keys.Load()
	secret, ok := ring.Secret(version)
	if !ok {
		return "", errutil.UnknownKeyVersion(fmt.Sprintf("no secret for key version %d", version))
	}

	randomPart, err := randomSegments()
	if err != nil {
		return "", err
	}

	// version rides in the first character of the first segment
	randomPart = string(alphabet[version]) + randomPart[1:]

	checksum := checksumFor(secret, productCode, randomPart)

	return productCode + "-" + randomPart + "-" + checksum[:segmentLen] + "-" + checksum[segmentLen:], nil
}

// Validate checks a key's structure, resolves its embedded version against
// the keyring, and verifies the HMAC checksum. An absent version is a hard
// failure; no other versions are tried.
func (s *Service) Validate(key string) (*Validation, error) {
	productCode, randomPart, checksum, err := splitKey(key)
	if err != nil {
		return nil, err
	}

	version := strings.IndexByte(alphabet, randomPart[0])

	ring := s.keys.Load()
	secret, ok := ring.Secret(version)
	if !ok {
		return nil, errutil.UnknownKeyVersion(fmt.Sprintf("no secret for key version %d", version))
	}

	want := checksumFor(secret, productCode, randomPart)
	if subtle.ConstantTimeCompare([]byte(checksum), []byte(want)) != 1 {
		return nil, errutil.SignatureMismatch("license key checksum does not verify")
	}

	return &Validation{Version: version, ProductCode: productCode}, nil
}

// KeyHash is the persisted form of a key: hex sha256 over the full string.
func KeyHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func splitKey(key string) (productCode, randomPart, checksum string, err error) {
	parts := strings.Split(key, "-")
	if len(parts) != 1+randSegments+2 {
		return "", "", "", errutil.MalformedKey("license key must have 8 dash-separated groups")
	}

	productCode = parts[0]
	if !productCodeRe.MatchString(productCode) {
		return "", "", "", errutil.MalformedKey("license key prefix must be 3 chars of A-Z0-9")
	}

	for _, p := range parts[1:] {
		if len(p) != segmentLen {
			return "", "", "", errutil.MalformedKey("license key segments must be 5 chars")
		}
		for i := 0; i < len(p); i++ {
			if strings.IndexByte(alphabet, p[i]) < 0 {
				return "", "", "", errutil.MalformedKey("license key contains characters outside the base32 alphabet")
			}
		}
	}

	randomPart = strings.Join(parts[1:1+randSegments], "-")
	checksum = parts[6] + parts[7]
	return productCode, randomPart, checksum, nil
}

func checksumFor(secret []byte, productCode, randomPart string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(productCode + "-" + randomPart))
	encoded := base32.StdEncoding.EncodeToString(mac.Sum(nil))
	return encoded[:checksumLen]
}

func randomSegments() (string, error) {
	buf := make([]byte, segmentLen*randSegments)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	var b strings.Builder
	for i, c := range buf {
		if i > 0 && i%segmentLen == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(alphabet[int(c)%len(alphabet)])
	}
	return b.String(), nil
}
