// Package crypto implements the key hierarchy for data at rest: a random
// Data Encryption Key (DEK) wrapped by a Key-Encryption Key (KEK) derived
// from a user passphrase or session token.
//
// The DEK exists in memory only while the engine is unlocked. Lock drops it.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the DEK/KEK size in bytes (AES-256).
	KeySize = 32
	// NonceSize is the AES-GCM nonce size in bytes.
	NonceSize = 12
	// SaltSize is the KDF salt size in bytes.
	SaltSize = 16

	// PassphraseIterations is the PBKDF2 cost for passphrase-derived KEKs.
	// High on purpose: passphrases are guessable offline.
	PassphraseIterations = 310_000
	// SessionIterations is the PBKDF2 cost for session-token-derived KEKs.
	// Session tokens already carry high entropy, so the cost favors
	// responsiveness.
	SessionIterations = 10_000
)

var (
	// ErrLocked is returned when an operation requires the DEK while the
	// engine is locked.
	ErrLocked = errors.New("crypto engine is locked")

	// ErrInvalidSecret is returned when unlock or rotate is attempted with a
	// wrong secret. It deliberately does not distinguish a wrong salt from a
	// wrong passphrase.
	ErrInvalidSecret = errors.New("invalid secret")

	// ErrNoWrappedDEK is returned when unlock is attempted before encryption
	// has been set up.
	ErrNoWrappedDEK = errors.New("no wrapped DEK available")
)

// DerivationKind identifies how a KEK was derived.
type DerivationKind string

const (
	// DerivationPassphrase marks a KEK stretched from a user passphrase.
	DerivationPassphrase DerivationKind = "passphrase"
	// DerivationSession marks a KEK stretched from a session token.
	DerivationSession DerivationKind = "session"
)

// WrappedDEK is the persisted form of the DEK: AEAD-wrapped under a KEK.
type WrappedDEK struct {
	Wrapped    []byte         `json:"wrapped"`
	Salt       []byte         `json:"salt"`
	IV         []byte         `json:"iv"`
	Kind       DerivationKind `json:"derivation_kind"`
	Iterations int            `json:"iterations"`
}

// State is a snapshot of the engine's lock state.
type State struct {
	Locked        bool           `json:"locked"`
	HasWrappedDEK bool           `json:"has_wrapped_dek"`
	Kind          DerivationKind `json:"derivation_kind,omitempty"`
}

// Engine holds the in-memory DEK and the persisted wrapping.
//
// Engine is not safe for concurrent use; the facade actor is its sole owner.
type Engine struct {
	dek     []byte
	wrapped *WrappedDEK
}

// New creates an empty, locked crypto engine.
func New() *Engine {
	return &Engine{}
}

// GenerateDEK returns a fresh random 256-bit key.
func GenerateDEK() ([]byte, error) {
	dek := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("failed to generate DEK: %w", err)
	}
	return dek, nil
}

// DeriveKEK stretches a secret into a KEK. A nil salt generates a fresh one.
func DeriveKEK(secret string, salt []byte, kind DerivationKind) (kek, outSalt []byte, err error) {
	if salt == nil {
		salt = make([]byte, SaltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, nil, fmt.Errorf("failed to generate salt: %w", err)
		}
	}
	iterations := PassphraseIterations
	if kind == DerivationSession {
		iterations = SessionIterations
	}
	return pbkdf2.Key([]byte(secret), salt, iterations, KeySize, sha256.New), salt, nil
}

// Encrypt seals plaintext under key with a fresh random nonce.
// The nonce must never repeat under the same key, hence one per call.
func Encrypt(plaintext, key []byte) (ciphertext, iv []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}
	iv = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("failed to generate IV: %w", err)
	}
	return aead.Seal(nil, iv, plaintext, nil), iv, nil
}

// Decrypt opens ciphertext sealed by Encrypt.
func Decrypt(ciphertext, key, iv []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt failed: %w", err)
	}
	return plaintext, nil
}

// WrapDEK seals the DEK under a KEK.
func WrapDEK(dek, kek []byte) (wrapped, iv []byte, err error) {
	return Encrypt(dek, kek)
}

// UnwrapDEK opens a wrapped DEK. A failed authentication tag check is
// reported uniformly as ErrInvalidSecret.
func UnwrapDEK(wrapped, kek, iv []byte) ([]byte, error) {
	dek, err := Decrypt(wrapped, kek, iv)
	if err != nil {
		return nil, ErrInvalidSecret
	}
	return dek, nil
}

// SetupEncryption generates a DEK and wraps it under a passphrase-derived KEK.
// The engine is unlocked afterwards.
func (e *Engine) SetupEncryption(passphrase string) error {
	return e.setup(passphrase, DerivationPassphrase)
}

// SetupSessionEncryption generates a DEK and wraps it under a
// session-token-derived KEK. The engine is unlocked afterwards.
func (e *Engine) SetupSessionEncryption(sessionToken string) error {
	return e.setup(sessionToken, DerivationSession)
}

func (e *Engine) setup(secret string, kind DerivationKind) error {
	dek, err := GenerateDEK()
	if err != nil {
		return err
	}
	wrapped, err := wrap(dek, secret, kind)
	if err != nil {
		return err
	}
	e.zeroDEK()
	e.dek = dek
	e.wrapped = wrapped
	return nil
}

func wrap(dek []byte, secret string, kind DerivationKind) (*WrappedDEK, error) {
	kek, salt, err := DeriveKEK(secret, nil, kind)
	if err != nil {
		return nil, err
	}
	wrapped, iv, err := WrapDEK(dek, kek)
	if err != nil {
		return nil, err
	}
	iterations := PassphraseIterations
	if kind == DerivationSession {
		iterations = SessionIterations
	}
	return &WrappedDEK{
		Wrapped:    wrapped,
		Salt:       salt,
		IV:         iv,
		Kind:       kind,
		Iterations: iterations,
	}, nil
}

// Unlock derives a KEK from secret using the stored salt and unwraps the DEK.
func (e *Engine) Unlock(secret string) error {
	if e.wrapped == nil {
		return ErrNoWrappedDEK
	}
	kek := pbkdf2.Key([]byte(secret), e.wrapped.Salt, e.wrapped.Iterations, KeySize, sha256.New)
	dek, err := UnwrapDEK(e.wrapped.Wrapped, kek, e.wrapped.IV)
	if err != nil {
		return err
	}
	e.zeroDEK()
	e.dek = dek
	return nil
}

// Lock zeroes and drops the in-memory DEK.
func (e *Engine) Lock() {
	e.zeroDEK()
}

// RotateKey re-wraps the current DEK under a KEK derived from newSecret.
// The data itself is not re-encrypted; only the wrapping changes. The old
// secret stops working the moment the wrapping is replaced.
func (e *Engine) RotateKey(newSecret string, kind DerivationKind) error {
	if e.dek == nil {
		return ErrLocked
	}
	wrapped, err := wrap(e.dek, newSecret, kind)
	if err != nil {
		return err
	}
	e.wrapped = wrapped
	return nil
}

// DEK returns the in-memory DEK, or ErrLocked.
func (e *Engine) DEK() ([]byte, error) {
	if e.dek == nil {
		return nil, ErrLocked
	}
	return e.dek, nil
}

// Unlocked reports whether the DEK is available.
func (e *Engine) Unlocked() bool {
	return e.dek != nil
}

// State reports the current lock state.
func (e *Engine) State() State {
	s := State{
		Locked:        e.dek == nil,
		HasWrappedDEK: e.wrapped != nil,
	}
	if e.wrapped != nil {
		s.Kind = e.wrapped.Kind
	}
	return s
}

// WrappedDEK returns the persisted wrapping, or nil before setup.
func (e *Engine) WrappedDEK() *WrappedDEK {
	return e.wrapped
}

// LoadWrappedDEK installs a previously exported wrapping. The engine stays
// locked until Unlock succeeds.
func (e *Engine) LoadWrappedDEK(w *WrappedDEK) error {
	if w == nil || len(w.Wrapped) == 0 || len(w.Salt) == 0 || len(w.IV) == 0 {
		return errors.New("incomplete wrapped DEK")
	}
	e.zeroDEK()
	e.wrapped = w
	return nil
}

// EncryptWithDEK seals plaintext under the in-memory DEK.
func (e *Engine) EncryptWithDEK(plaintext []byte) (ciphertext, iv []byte, err error) {
	if e.dek == nil {
		return nil, nil, ErrLocked
	}
	return Encrypt(plaintext, e.dek)
}

// DecryptWithDEK opens ciphertext sealed under the in-memory DEK.
func (e *Engine) DecryptWithDEK(ciphertext, iv []byte) ([]byte, error) {
	if e.dek == nil {
		return nil, ErrLocked
	}
	return Decrypt(ciphertext, e.dek, iv)
}

func (e *Engine) zeroDEK() {
	if e.dek != nil {
		subtle.ConstantTimeCopy(1, e.dek, make([]byte, len(e.dek)))
		e.dek = nil
	}
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size: %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
