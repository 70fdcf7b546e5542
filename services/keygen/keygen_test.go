package keygen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/keyring"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T, current int, versions ...int) *Service {
	t.Helper()

	secrets := map[int][]byte{}
	for _, v := range append(versions, current) {
		secrets[v] = []byte("secret-v" + string(alphabet[v]))
	}

	ring, err := keyring.New(current, secrets)
	require.NoError(t, err)

	return NewService(keyring.NewHolder(ring))
}

func TestGenerateValidateRoundTrip(t *testing.T) {
	svc := newTestService(t, 3)

	key, err := svc.Generate("PRD", 3)
	require.NoError(t, err)

	parts := strings.Split(key, "-")
	require.Len(t, parts, 8)
	require.Equal(t, "PRD", parts[0])
	for _, p := range parts[1:] {
		require.Len(t, p, 5)
	}

	v, err := svc.Validate(key)
	require.NoError(t, err)
	require.Equal(t, 3, v.Version)
	require.Equal(t, "PRD", v.ProductCode)
}

func TestGenerateEncodesVersion(t *testing.T) {
	for _, version := range []int{0, 1, 7, 15, 31} {
		svc := newTestService(t, version)

		key, err := svc.Generate("ABC", version)
		require.NoError(t, err)

		segments := strings.Split(key, "-")
		require.Equal(t, alphabet[version], segments[1][0])

		v, err := svc.Validate(key)
		require.NoError(t, err)
		require.Equal(t, version, v.Version)
	}
}

func TestGenerateRejectsBadProductCode(t *testing.T) {
	svc := newTestService(t, 0)

	for _, code := range []string{"", "AB", "ABCD", "abc", "A-C"} {
		_, err := svc.Generate(code, 0)
		require.Error(t, err)
		require.True(t, errutil.HasStatus(err, errutil.StatusInvalidProductCode))
	}
}

func TestGenerateUnknownVersion(t *testing.T) {
	svc := newTestService(t, 0)

	_, err := svc.Generate("PRD", 9)
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusUnknownKeyVersion))
}

func TestValidateMalformed(t *testing.T) {
	svc := newTestService(t, 0)

	cases := []string{
		"",
		"PRD",
		"PRD-AAAAA-BBBBB",
		"PR-AAAAA-BBBBB-CCCCC-DDDDD-EEEEE-FFFFF-GGGGG",
		"PRD-AAAA-BBBBB-CCCCC-DDDDD-EEEEE-FFFFF-GGGGG",
		"PRD-AAAA1-BBBBB-CCCCC-DDDDD-EEEEE-FFFFF-GGGGG",
		"prd-aaaaa-bbbbb-ccccc-ddddd-eeeee-fffff-ggggg",
	}
	for _, key := range cases {
		_, err := svc.Validate(key)
		require.Error(t, err, key)
		require.True(t, errutil.HasStatus(err, errutil.StatusMalformedKey), key)
	}
}

func TestValidateTamperedChecksum(t *testing.T) {
	svc := newTestService(t, 0)

	key, err := svc.Generate("PRD", 0)
	require.NoError(t, err)

	// flip one checksum character
	last := key[len(key)-1]
	replacement := byte('A')
	if last == 'A' {
		replacement = 'B'
	}
	tampered := key[:len(key)-1] + string(replacement)

	_, err = svc.Validate(tampered)
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusSignatureMismatch))
}

func TestValidateTamperedBody(t *testing.T) {
	svc := newTestService(t, 0)

	key, err := svc.Generate("PRD", 0)
	require.NoError(t, err)

	// change a random-segment character without touching the version char
	idx := 6 // second char of first random segment
	replacement := byte('A')
	if key[idx] == 'A' {
		replacement = 'B'
	}
	tampered := key[:idx] + string(replacement) + key[idx+1:]

	_, err = svc.Validate(tampered)
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusSignatureMismatch))
}

func TestValidateUnknownVersionNoFallback(t *testing.T) {
	issuing := newTestService(t, 5)

	key, err := issuing.Generate("PRD", 5)
	require.NoError(t, err)

	// verifier only knows version 0; the key's version 5 must hard-fail
	verifier := newTestService(t, 0)
	_, err = verifier.Validate(key)
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusUnknownKeyVersion))
}

func TestRotationKeepsOldKeysValid(t *testing.T) {
	secrets := map[int][]byte{
		0: []byte("old-secret"),
	}
	ring, err := keyring.New(0, secrets)
	require.NoError(t, err)
	holder := keyring.NewHolder(ring)
	svc := NewService(holder)

	oldKey, err := svc.Generate("PRD", 0)
	require.NoError(t, err)

	// rotate: version 1 becomes current, version 0 stays in the ring
	rotated, err := keyring.New(1, map[int][]byte{
		0: []byte("old-secret"),
		1: []byte("new-secret"),
	})
	require.NoError(t, err)
	holder.Swap(rotated)

	newKey, err := svc.Generate("PRD", holder.Load().CurrentVersion())
	require.NoError(t, err)

	oldV, err := svc.Validate(oldKey)
	require.NoError(t, err)
	require.Equal(t, 0, oldV.Version)

	newV, err := svc.Validate(newKey)
	require.NoError(t, err)
	require.Equal(t, 1, newV.Version)
}

func TestKeyHashStable(t *testing.T) {
	svc := newTestService(t, 0)

	key, err := svc.Generate("PRD", 0)
	require.NoError(t, err)

	h1 := KeyHash(key)
	h2 := KeyHash(key)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
	require.NotEqual(t, h1, KeyHash(key+"X"))
}
