package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Cost used for newly hashed passwords. Stored hashes carry their own.
const (
	hashTime    = 3
	hashMemory  = 64 * 1024 // KiB
	hashThreads = 1
	hashKeyLen  = 32
	hashSaltLen = 16
)

var b64 = base64.RawStdEncoding

// phcHash is a decoded $argon2id$v=..$m=..,t=..,p=..$salt$key string.
type phcHash struct {
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	key     []byte
}

func (h phcHash) String() string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.time, h.threads,
		b64.EncodeToString(h.salt), b64.EncodeToString(h.key))
}

func (h phcHash) derive(password string) []byte {
	return argon2.IDKey([]byte(password), h.salt, h.time, h.memory, h.threads, uint32(len(h.key))) //nolint:gosec // G115: key length is small
}

func parsePHC(s string) (phcHash, error) {
	var h phcHash
	fields := strings.Split(s, "$")
	// A leading "$" leaves an empty first field.
	if len(fields) != 6 || fields[0] != "" {
		return h, fmt.Errorf("%w: expected 5 $-separated fields", ErrInvalidHash)
	}
	if fields[1] != "argon2id" {
		return h, fmt.Errorf("%w: algorithm %q", ErrInvalidHash, fields[1])
	}

	var version int
	if _, err := fmt.Sscanf(fields[2], "v=%d", &version); err != nil || version != argon2.Version {
		return h, fmt.Errorf("%w: version %q", ErrInvalidHash, fields[2])
	}
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &h.memory, &h.time, &h.threads); err != nil {
		return h, fmt.Errorf("%w: parameters %q", ErrInvalidHash, fields[3])
	}
	if h.memory == 0 || h.time == 0 || h.threads == 0 {
		return h, fmt.Errorf("%w: zero cost parameter", ErrInvalidHash)
	}

	var err error
	if h.salt, err = b64.DecodeString(fields[4]); err != nil {
		return h, fmt.Errorf("%w: salt: %w", ErrInvalidHash, err)
	}
	if h.key, err = b64.DecodeString(fields[5]); err != nil {
		return h, fmt.Errorf("%w: key: %w", ErrInvalidHash, err)
	}
	if len(h.key) == 0 {
		return h, fmt.Errorf("%w: empty key", ErrInvalidHash)
	}
	return h, nil
}

// HashPassword derives an argon2id key for password under a fresh random
// salt and returns it in PHC string form, the format expected in
// security.operators[].password_hash.
func HashPassword(password string) (string, error) {
	h := phcHash{memory: hashMemory, time: hashTime, threads: hashThreads, salt: make([]byte, hashSaltLen)}
	if _, err := rand.Read(h.salt); err != nil {
		return "", fmt.Errorf("reading salt: %w", err)
	}
	// derive sizes its output from h.key.
	h.key = make([]byte, hashKeyLen)
	h.key = h.derive(password)
	return h.String(), nil
}

// VerifyPassword reports whether password matches the PHC-encoded hash.
// A malformed hash returns an error wrapping ErrInvalidHash.
func VerifyPassword(password, encoded string) (bool, error) {
	h, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(h.key, h.derive(password)) == 1, nil
}
