package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
)

const masterKeySize = 32

// Keyring holds the loaded master keys by version. The current version is
// used for new encryptions; older versions stay loaded so records sealed
// under them remain readable. Versions are added at startup and never
// removed or overwritten.
type Keyring struct {
	keys    map[int][]byte
	current int
}

// NewKeyring builds a keyring from pre-loaded key material. Intended for
// tests; production code uses LoadKeyring.
func NewKeyring(keys map[int][]byte, current int) (*Keyring, error) {
	if _, ok := keys[current]; !ok {
		return nil, fmt.Errorf("%w: current version %d", ErrKeyVersionNotLoaded, current)
	}
	for v, k := range keys {
		if len(k) != masterKeySize {
			return nil, fmt.Errorf("master key version %d: got %d bytes, want %d", v, len(k), masterKeySize)
		}
	}
	return &Keyring{keys: keys, current: current}, nil
}

// LoadKeyring reads master keys from the filesystem. For each version from 1
// through currentVersion it tries "<path>.v<version>"; for the current
// version the bare path is also accepted. Versions below current that have
// no file are simply absent from the ring; records sealed under them fail
// to decrypt with ErrKeyVersionNotLoaded.
func LoadKeyring(path string, currentVersion int) (*Keyring, error) {
	if currentVersion < 1 {
		return nil, fmt.Errorf("current key version must be >= 1, got %d", currentVersion)
	}

	keys := make(map[int][]byte)
	for v := 1; v <= currentVersion; v++ {
		key, err := readMasterKey(path, v, v == currentVersion)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && v != currentVersion {
				continue
			}
			return nil, fmt.Errorf("loading master key version %d: %w", v, err)
		}
		keys[v] = key
	}

	return NewKeyring(keys, currentVersion)
}

// readMasterKey loads one key file. The contents are either 32 raw bytes or
// the base64 encoding thereof.
func readMasterKey(path string, version int, tryBare bool) ([]byte, error) {
	versioned := fmt.Sprintf("%s.v%d", path, version)

	data, err := os.ReadFile(versioned)
	if err != nil && errors.Is(err, os.ErrNotExist) && tryBare {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	return decodeMasterKey(data)
}

// decodeMasterKey accepts raw 32-byte key material or its base64 encoding
// (standard or URL-safe, optionally newline-terminated).
func decodeMasterKey(data []byte) ([]byte, error) {
	if len(data) == masterKeySize {
		return data, nil
	}

	trimmed := strings.TrimSpace(string(data))
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		decoded, err := enc.DecodeString(trimmed)
		if err == nil {
			if len(decoded) != masterKeySize {
				return nil, fmt.Errorf("decoded master key is %d bytes, want %d", len(decoded), masterKeySize)
			}
			return decoded, nil
		}
	}

	return nil, fmt.Errorf("master key file is neither %d raw bytes nor base64", masterKeySize)
}

// CurrentVersion returns the version used for new encryptions.
func (k *Keyring) CurrentVersion() int {
	return k.current
}

// Versions returns the loaded key versions in no particular order.
func (k *Keyring) Versions() []int {
	vs := make([]int, 0, len(k.keys))
	for v := range k.keys {
		vs = append(vs, v)
	}
	return vs
}

func (k *Keyring) key(version int) ([]byte, bool) {
	key, ok := k.keys[version]
	return key, ok
}
