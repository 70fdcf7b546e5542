package testutil

import (
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"

	"licensing-controlplane/pkg/keyring"
)

// NewTestKeyring builds a keyring holder with secrets for the given
// versions; the first version is current.
func NewTestKeyring(t *testing.T, versions ...int) *keyring.Holder {
	t.Helper()

	if len(versions) == 0 {
		versions = []int{0}
	}

	secrets := map[int][]byte{}
	for _, v := range versions {
		secrets[v] = []byte(fmt.Sprintf("test-secret-v%d", v))
	}

	ring, err := keyring.New(versions[0], secrets)
	if err != nil {
		t.Fatalf("failed to build test keyring: %v", err)
	}

	return keyring.NewHolder(ring)
}

// NewTestNode returns a snowflake node for ID generation in tests.
func NewTestNode(t *testing.T) *snowflake.Node {
	t.Helper()

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("failed to create snowflake node: %v", err)
	}
	return node
}
