package keyring

import (
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"

	"go.uber.org/fx"

	"licensing-controlplane/pkg/config"
)

// MaxVersion is the highest addressable key version. Versions are encoded as
// a single base32 digit inside license keys, so the space is 0-31.
const MaxVersion = 31

// Ring is an immutable snapshot of the signing keyring. Rotation swaps whole
// rings through a Holder; a Ring is never mutated after construction.
type Ring struct {
	current int
	secrets map[int][]byte
}

func New(current int, secrets map[int][]byte) (*Ring, error) {
	if current < 0 || current > MaxVersion {
		return nil, fmt.Errorf("keyring: current version %d out of range", current)
	}
	if len(secrets) == 0 {
		return nil, fmt.Errorf("keyring: no secrets configured")
	}

	copied := make(map[int][]byte, len(secrets))
	for v, s := range secrets {
		if v < 0 || v > MaxVersion {
			return nil, fmt.Errorf("keyring: version %d out of range", v)
		}
		if len(s) == 0 {
			return nil, fmt.Errorf("keyring: empty secret for version %d", v)
		}
		buf := make([]byte, len(s))
		copy(buf, s)
		copied[v] = buf
	}

	if _, ok := copied[current]; !ok {
		return nil, fmt.Errorf("keyring: no secret for current version %d", current)
	}

	return &Ring{current: current, secrets: copied}, nil
}

func FromConfig(cfg *config.Config) (*Ring, error) {
	secrets := make(map[int][]byte, len(cfg.Keyring.Secrets))
	for k, v := range cfg.Keyring.Secrets {
		version, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("keyring: bad version %q: %w", k, err)
		}
		secrets[version] = []byte(v)
	}
	return New(cfg.Keyring.CurrentVersion, secrets)
}

func (r *Ring) CurrentVersion() int {
	return r.current
}

// Current returns the secret used to sign new material.
func (r *Ring) Current() []byte {
	return r.secrets[r.current]
}

// Secret returns the secret for a specific version. Absence is a hard
// failure for callers; there is no fallback scan across versions.
func (r *Ring) Secret(version int) ([]byte, bool) {
	s, ok := r.secrets[version]
	return s, ok
}

// Versions lists the configured versions in ascending order.
func (r *Ring) Versions() []int {
	out := make([]int, 0, len(r.secrets))
	for v := range r.secrets {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Holder hands out the active Ring and supports atomic rotation. In-flight
// operations keep the snapshot they loaded.
type Holder struct {
	ring atomic.Pointer[Ring]
}

func NewHolder(r *Ring) *Holder {
	h := &Holder{}
	h.ring.Store(r)
	return h
}

func (h *Holder) Load() *Ring {
	return h.ring.Load()
}

func (h *Holder) Swap(r *Ring) {
	h.ring.Store(r)
}

func ProvideHolder(cfg *config.Config) (*Holder, error) {
	ring, err := FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return NewHolder(ring), nil
}

var Module = fx.Module("keyring", fx.Provide(ProvideHolder))
