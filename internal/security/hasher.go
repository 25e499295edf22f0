// Package security holds the process-wide credential primitives: Argon2id
// password hashing and keyed fingerprints for opaque tokens.
package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const algorithmID = "argon2id"

// ErrMalformedHash is returned when a stored credential cannot be parsed.
var ErrMalformedHash = errors.New("malformed password hash")

// Argon2Params is a hashing profile. Memory is in KiB.
type Argon2Params struct {
	Time        uint32
	Memory      uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// LowMemoryProfile is the RFC 9106 second recommended option (64 MiB).
var LowMemoryProfile = Argon2Params{
	Time:        3,
	Memory:      64 * 1024,
	Parallelism: 4,
	SaltLength:  16,
	KeyLength:   32,
}

// PasswordHasher hashes and verifies passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, encoded string) (bool, error)
	NeedsRehash(encoded string) (bool, error)
}

// Argon2Hasher produces PHC encoded strings:
//
//	$argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash>
//
// with unpadded standard base64 for salt and hash.
type Argon2Hasher struct {
	params Argon2Params
}

func NewArgon2Hasher(p Argon2Params) (*Argon2Hasher, error) {
	if p.Time < 1 {
		return nil, errors.New("argon2 time must be >= 1")
	}
	if p.Parallelism < 1 {
		return nil, errors.New("argon2 parallelism must be >= 1")
	}
	if p.Memory < 8*uint32(p.Parallelism) {
		return nil, errors.New("argon2 memory must be >= 8 KiB per lane")
	}
	if p.SaltLength < 8 {
		return nil, errors.New("argon2 salt length must be >= 8")
	}
	if p.KeyLength < 16 {
		return nil, errors.New("argon2 key length must be >= 16")
	}
	return &Argon2Hasher{params: p}, nil
}

// Params returns the target profile.
func (h *Argon2Hasher) Params() Argon2Params { return h.params }

func (h *Argon2Hasher) Hash(password string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, h.params.Time, h.params.Memory, h.params.Parallelism, h.params.KeyLength)
	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		h.params.Memory,
		h.params.Time,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether password matches encoded. A mismatch is (false, nil);
// an error is only returned for an unparsable hash.
func (h *Argon2Hasher) Verify(password, encoded string) (bool, error) {
	p, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	key := argon2.IDKey([]byte(password), p.salt, p.params.Time, p.params.Memory, p.params.Parallelism, uint32(len(p.key)))
	return subtle.ConstantTimeCompare(key, p.key) == 1, nil
}

// NeedsRehash reports whether encoded was produced with a profile other than the target.
func (h *Argon2Hasher) NeedsRehash(encoded string) (bool, error) {
	p, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	return p.params.Time != h.params.Time ||
		p.params.Memory != h.params.Memory ||
		p.params.Parallelism != h.params.Parallelism ||
		uint32(len(p.salt)) != h.params.SaltLength ||
		uint32(len(p.key)) != h.params.KeyLength, nil
}

type parsedPHC struct {
	params Argon2Params
	salt   []byte
	key    []byte
}

func parsePHC(encoded string) (*parsedPHC, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, fmt.Errorf("%w: unexpected segment count", ErrMalformedHash)
	}
	if parts[1] != algorithmID {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrMalformedHash, parts[1])
	}
	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || !strings.HasPrefix(parts[2], "v=") {
		return nil, fmt.Errorf("%w: bad version", ErrMalformedHash)
	}
	if version != argon2.Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedHash, version)
	}

	var out parsedPHC
	seen := 0
	for _, kv := range strings.Split(parts[3], ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("%w: bad parameter %q", ErrMalformedHash, kv)
		}
		switch k {
		case "m":
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil || n == 0 {
				return nil, fmt.Errorf("%w: bad memory", ErrMalformedHash)
			}
			out.params.Memory = uint32(n)
		case "t":
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil || n == 0 {
				return nil, fmt.Errorf("%w: bad time", ErrMalformedHash)
			}
			out.params.Time = uint32(n)
		case "p":
			n, err := strconv.ParseUint(v, 10, 8)
			if err != nil || n == 0 {
				return nil, fmt.Errorf("%w: bad parallelism", ErrMalformedHash)
			}
			out.params.Parallelism = uint8(n)
		default:
			return nil, fmt.Errorf("%w: unknown parameter %q", ErrMalformedHash, k)
		}
		seen++
	}
	if seen != 3 || out.params.Memory == 0 || out.params.Time == 0 || out.params.Parallelism == 0 {
		return nil, fmt.Errorf("%w: missing parameters", ErrMalformedHash)
	}

	if out.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(out.salt) == 0 {
		return nil, fmt.Errorf("%w: bad salt", ErrMalformedHash)
	}
	if out.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(out.key) == 0 {
		return nil, fmt.Errorf("%w: bad key", ErrMalformedHash)
	}
	out.params.SaltLength = uint32(len(out.salt))
	out.params.KeyLength = uint32(len(out.key))
	return &out, nil
}
