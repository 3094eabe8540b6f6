// Package snapshot implements the versioned binary container for full-state
// backup and restore.
//
// Layout:
//
//	4 magic bytes "MVLT"
//	uint32 header length | cleartext JSON header
//	uint32 payload length | JSON payload with encrypted blobs
//	32-byte trailing HMAC-SHA256 signature
//
// The signature key is derived from the encryption key and the header's
// salt, so the signature can be checked before any decryption happens.
package snapshot

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/crypto/hkdf"

	"github.com/memvault/memvault/codec"
	"github.com/memvault/memvault/crypto"
)

var magic = [4]byte{'M', 'V', 'L', 'T'}

const (
	// Extension marks snapshot files on disk.
	Extension = ".mvlt"
	// ContentType marks snapshots in transit.
	ContentType = "application/x-memvault-snapshot"

	formatVersion = 1
	saltSize      = 16
	signatureSize = sha256.Size

	sigInfo = "memvault snapshot signature v1"
)

var (
	// ErrInvalidFormat is returned for data that is not a snapshot.
	ErrInvalidFormat = errors.New("invalid snapshot format")
	// ErrIntegrityFailure is returned when the signature or the integrity
	// hash does not verify. The restore is aborted with no partial state.
	ErrIntegrityFailure = errors.New("snapshot integrity failure")
)

// Compression selects the payload compression algorithm.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// Options holds snapshot creation tunables.
type Options struct {
	Compression Compression
}

// DefaultOptions compresses with zstd.
func DefaultOptions() Options {
	return Options{Compression: CompressionZstd}
}

// Header is the cleartext snapshot metadata. Salt and IVs are not secret.
type Header struct {
	Version     int         `json:"version"`
	CreatedAt   time.Time   `json:"created_at"`
	UserID      string      `json:"user_id"`
	DeviceID    string      `json:"device_id"`
	MemoryCount int         `json:"memory_count"`
	Salt        []byte      `json:"salt"`
	Compression Compression `json:"compression"`
	HasANNIndex bool        `json:"has_ann_index"`
	HasANNMeta  bool        `json:"has_ann_meta"`
}

// payload carries the encrypted components. Byte-array fields are AEAD
// ciphertext; the integrity hash covers their plaintext forms.
type payload struct {
	Memories      []byte             `json:"memories"`
	MemoriesIV    []byte             `json:"memories_iv"`
	ANNIndex      []byte             `json:"ann_index,omitempty"`
	ANNIndexIV    []byte             `json:"ann_index_iv,omitempty"`
	ANNMeta       []byte             `json:"ann_meta,omitempty"`
	ANNMetaIV     []byte             `json:"ann_meta_iv,omitempty"`
	WrappedDEK    *crypto.WrappedDEK `json:"wrapped_dek"`
	CreatedAt     time.Time          `json:"created_at"`
	IntegrityHash []byte             `json:"integrity_hash"`
}

// UserInfo identifies the snapshot's origin.
type UserInfo struct {
	UserID      string
	DeviceID    string
	MemoryCount int
}

// CreateInput is everything a snapshot captures. ANNIndex and ANNMeta are
// optional.
type CreateInput struct {
	Memories   []byte
	ANNIndex   []byte
	ANNMeta    []byte
	WrappedDEK *crypto.WrappedDEK
	UserInfo   UserInfo
}

// Snapshot is the verified, decrypted result of Parse.
type Snapshot struct {
	Header     Header
	Memories   []byte
	ANNIndex   []byte
	ANNMeta    []byte
	WrappedDEK *crypto.WrappedDEK
}

// Create builds a signed, encrypted snapshot under key.
func Create(in CreateInput, key []byte, optFns ...func(o *Options)) ([]byte, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if in.Memories == nil {
		return nil, errors.New("snapshot requires a memory blob")
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	now := time.Now().UTC()
	hdr := Header{
		Version:     formatVersion,
		CreatedAt:   now,
		UserID:      in.UserInfo.UserID,
		DeviceID:    in.UserInfo.DeviceID,
		MemoryCount: in.UserInfo.MemoryCount,
		Salt:        salt,
		Compression: opts.Compression,
		HasANNIndex: in.ANNIndex != nil,
		HasANNMeta:  in.ANNMeta != nil,
	}

	p := payload{
		WrappedDEK:    in.WrappedDEK,
		CreatedAt:     now,
		IntegrityHash: integrityHash(in.Memories, in.ANNIndex, in.ANNMeta),
	}

	var err error
	p.Memories, p.MemoriesIV, err = sealBlob(in.Memories, key, opts.Compression)
	if err != nil {
		return nil, err
	}
	if in.ANNIndex != nil {
		p.ANNIndex, p.ANNIndexIV, err = sealBlob(in.ANNIndex, key, opts.Compression)
		if err != nil {
			return nil, err
		}
	}
	if in.ANNMeta != nil {
		p.ANNMeta, p.ANNMetaIV, err = sealBlob(in.ANNMeta, key, opts.Compression)
		if err != nil {
			return nil, err
		}
	}

	hdrJSON, err := codec.Default.Marshal(hdr)
	if err != nil {
		return nil, err
	}
	payloadJSON, err := codec.Default.Marshal(p)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(magic[:])
	writeBlock(&buf, hdrJSON)
	writeBlock(&buf, payloadJSON)

	mac := hmac.New(sha256.New, signatureKey(key, salt))
	mac.Write(buf.Bytes())
	buf.Write(mac.Sum(nil))

	return buf.Bytes(), nil
}

// Parse verifies and decrypts a snapshot. The signature is checked before
// anything else; any failure aborts the restore with no partial result.
func Parse(data, key []byte) (*Snapshot, error) {
	if len(data) < len(magic)+8+signatureSize || !bytes.Equal(data[:len(magic)], magic[:]) {
		return nil, ErrInvalidFormat
	}

	body := data[:len(data)-signatureSize]
	sig := data[len(data)-signatureSize:]

	r := bytes.NewReader(body[len(magic):])
	hdrJSON, err := readBlock(r)
	if err != nil {
		return nil, ErrInvalidFormat
	}
	var hdr Header
	if err := codec.Default.Unmarshal(hdrJSON, &hdr); err != nil {
		return nil, ErrInvalidFormat
	}
	if hdr.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidFormat, hdr.Version)
	}

	mac := hmac.New(sha256.New, signatureKey(key, hdr.Salt))
	mac.Write(body)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrIntegrityFailure)
	}

	payloadJSON, err := readBlock(r)
	if err != nil {
		return nil, ErrInvalidFormat
	}
	var p payload
	if err := codec.Default.Unmarshal(payloadJSON, &p); err != nil {
		return nil, ErrInvalidFormat
	}

	snap := &Snapshot{Header: hdr, WrappedDEK: p.WrappedDEK}
	snap.Memories, err = openBlob(p.Memories, p.MemoriesIV, key, hdr.Compression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrityFailure, err)
	}
	if hdr.HasANNIndex {
		snap.ANNIndex, err = openBlob(p.ANNIndex, p.ANNIndexIV, key, hdr.Compression)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIntegrityFailure, err)
		}
	}
	if hdr.HasANNMeta {
		snap.ANNMeta, err = openBlob(p.ANNMeta, p.ANNMetaIV, key, hdr.Compression)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIntegrityFailure, err)
		}
	}

	// The per-blob AEAD tags already failed-closed above; the hash catches
	// cross-blob corruption they cannot localize.
	if !hmac.Equal(p.IntegrityHash, integrityHash(snap.Memories, snap.ANNIndex, snap.ANNMeta)) {
		return nil, fmt.Errorf("%w: integrity hash mismatch", ErrIntegrityFailure)
	}

	return snap, nil
}

// signatureKey derives the HMAC key from the encryption key and salt.
func signatureKey(key, salt []byte) []byte {
	out := make([]byte, 32)
	kdf := hkdf.New(sha256.New, key, salt, []byte(sigInfo))
	if _, err := io.ReadFull(kdf, out); err != nil {
		panic(err) // hkdf with sane sizes cannot fail
	}
	return out
}

// integrityHash covers the plaintext forms of all blob components.
func integrityHash(memories, annIndex, annMeta []byte) []byte {
	h := sha256.New()
	var n [8]byte
	for _, blob := range [][]byte{memories, annIndex, annMeta} {
		binary.BigEndian.PutUint64(n[:], uint64(len(blob)))
		h.Write(n[:])
		h.Write(blob)
	}
	return h.Sum(nil)
}

func sealBlob(plain, key []byte, c Compression) (ciphertext, iv []byte, err error) {
	compressed, err := compress(plain, c)
	if err != nil {
		return nil, nil, err
	}
	return crypto.Encrypt(compressed, key)
}

func openBlob(ciphertext, iv, key []byte, c Compression) ([]byte, error) {
	compressed, err := crypto.Decrypt(ciphertext, key, iv)
	if err != nil {
		return nil, err
	}
	return decompress(compressed, c)
}

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone, "":
		return data, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported compression: %q", c)
	}
}

func decompress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone, "":
		return data, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	case CompressionLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	default:
		return nil, fmt.Errorf("unsupported compression: %q", c)
	}
}

func writeBlock(buf *bytes.Buffer, data []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(data)))
	buf.Write(n[:])
	buf.Write(data)
}

func readBlock(r *bytes.Reader) ([]byte, error) {
	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(n[:])
	if int(size) > r.Len() {
		return nil, errors.New("block length exceeds remaining data")
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
