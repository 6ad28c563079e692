package storage

import "golang.org/x/crypto/argon2"

// Argon2id parameters for master-key derivation. These are fixed rather
// than configurable: the storage core treats the KDF as an external
// collaborator (SPEC_FULL.md §4.2) and only needs one stable, reasonably
// hard setting, not a tunable policy surface.
const (
	kdfTime    = 3
	kdfMemory  = 64 * 1024 // KiB, i.e. 64 MiB
	kdfThreads = 4
	kdfKeyLen  = 32
)

// SaltSize is the size of the header salt fed into DeriveMasterKey.
const SaltSize = 16

// DeriveMasterKey turns a user password and the 16-byte file salt into
// the 32-byte master key consumed by PageCipher implementations. The
// storage core never stores or compares passwords itself; this is the
// single point where a password enters the system.
func DeriveMasterKey(password string, salt [SaltSize]byte) [32]byte {
	derived := argon2.IDKey([]byte(password), salt[:], kdfTime, kdfMemory, kdfThreads, kdfKeyLen)
	var key [32]byte
	copy(key[:], derived)
	return key
}
