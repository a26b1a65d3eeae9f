// Package codec turns values into StorageItem envelopes and back, applying
// zstd or gzip compression, chacha20poly1305 encryption and xxhash checksums.
package codec

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/tierstore/tierstore/pkg/errors"
	"github.com/tierstore/tierstore/pkg/types"
)

// EnvelopeVersion is written to every new StorageItem.
const EnvelopeVersion = 1

// Algorithm names a compression algorithm.
type Algorithm string

const (
	AlgorithmZstd Algorithm = "zstd"
	AlgorithmGzip Algorithm = "gzip"
)

// Argon2id parameters used to derive the encryption key from a passphrase.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	keyLen       = chacha20poly1305.KeySize
)

var defaultSalt = []byte("tierstore.codec.v1")

// Policy is the process-wide default applied when a caller leaves an option unset.
type Policy struct {
	Encrypt  bool
	Compress bool
}

// Options are per-call overrides. A nil field falls back to the policy;
// an explicit false always wins.
type Options struct {
	Encrypt  *bool
	Compress *bool
}

// Bool returns a pointer to b, for filling Options.
func Bool(b bool) *bool { return &b }

// Config configures a Codec.
type Config struct {
	Policy      Policy
	Compression Algorithm
	// Key is a raw 32 byte key. When empty and Passphrase is set, the key is
	// derived with Argon2id.
	Key        []byte
	Passphrase string
	Salt       []byte
}

// Codec turns values into StorageItem envelopes and back.
// Encode: serialize → compress → checksum → encrypt.
// Decode: decrypt → verify checksum → decompress → deserialize.
type Codec struct {
	policy Policy
	algo   Algorithm
	aead   cipher.AEAD
	zenc   *zstd.Encoder
	zdec   *zstd.Decoder
	now    func() time.Time
}

// New creates a Codec. Encryption is only available when a key or passphrase is configured.
func New(cfg Config) (*Codec, error) {
	algo := cfg.Compression
	if algo == "" {
		algo = AlgorithmZstd
	}
	if algo != AlgorithmZstd && algo != AlgorithmGzip {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf("unsupported compression: %s", algo))
	}

	c := &Codec{policy: cfg.Policy, algo: algo, now: time.Now}

	key := cfg.Key
	if len(key) == 0 && cfg.Passphrase != "" {
		salt := cfg.Salt
		if len(salt) == 0 {
			salt = defaultSalt
		}
		key = argon2.IDKey([]byte(cfg.Passphrase), salt, argonTime, argonMemory, argonThreads, keyLen)
	}
	if len(key) > 0 {
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, errors.NewError(errors.ErrCodeInvalidConfig, "invalid encryption key").WithCause(err)
		}
		c.aead = aead
	}
	if cfg.Policy.Encrypt && c.aead == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "encryption policy requires a key or passphrase")
	}

	var err error
	if c.zenc, err = zstd.NewWriter(nil); err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	if c.zdec, err = zstd.NewReader(nil); err != nil {
		c.zenc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return c, nil
}

// Close releases the zstd encoder and decoder.
func (c *Codec) Close() error {
	c.zdec.Close()
	return c.zenc.Close()
}

// Policy returns the process-wide defaults.
func (c *Codec) Policy() Policy { return c.policy }

// Algorithm returns the compression algorithm used for new envelopes.
func (c *Codec) Algorithm() Algorithm { return c.algo }

// CanEncrypt reports whether a key is configured.
func (c *Codec) CanEncrypt() bool { return c.aead != nil }

// Resolve applies the policy to unset options.
func (c *Codec) Resolve(opts Options) (encrypt, compress bool) {
	encrypt, compress = c.policy.Encrypt, c.policy.Compress
	if opts.Encrypt != nil {
		encrypt = *opts.Encrypt
	}
	if opts.Compress != nil {
		compress = *opts.Compress
	}
	return encrypt, compress
}

// Serialize renders a value as JSON. json.RawMessage passes through after validation.
func Serialize(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.NewCodecError("serialize", fmt.Errorf("invalid raw json"))
		}
		return append([]byte(nil), v...), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, errors.NewCodecError("serialize", err)
	}
	return data, nil
}

// Encode serializes value and wraps it in an envelope.
func (c *Codec) Encode(key string, value interface{}, opts Options) (*types.StorageItem, error) {
	data, err := Serialize(value)
	if err != nil {
		return nil, err
	}
	return c.EncodeSerialized(key, data, opts)
}

// EncodeSerialized wraps already serialized bytes in an envelope.
func (c *Codec) EncodeSerialized(key string, data []byte, opts Options) (*types.StorageItem, error) {
	encrypt, compress := c.Resolve(opts)

	item := &types.StorageItem{
		Key:       key,
		Timestamp: c.now().UnixMilli(),
		Version:   EnvelopeVersion,
	}

	payload := data
	if compress {
		compressed, err := c.Compress(payload)
		if err != nil {
			return nil, err
		}
		payload = compressed
		item.Compressed = true
		item.Compression = string(c.algo)
	}

	item.Checksum = Checksum(payload)

	if encrypt {
		sealed, err := c.Seal(payload)
		if err != nil {
			return nil, err
		}
		payload = sealed
		item.Encrypted = true
	}

	item.Value = payload
	return item, nil
}

// Decode verifies and unwraps an envelope, returning the serialized value.
func (c *Codec) Decode(item *types.StorageItem) ([]byte, error) {
	if item == nil {
		return nil, errors.NewCodecError("decode", fmt.Errorf("nil item"))
	}

	payload := item.Value
	if item.Encrypted {
		opened, err := c.Open(payload)
		if err != nil {
			if se, ok := err.(*errors.StoreError); ok && se.Code == errors.ErrCodeIntegrityCheck {
				se.WithKey(item.Key)
			}
			return nil, err
		}
		payload = opened
	}

	if Checksum(payload) != item.Checksum {
		return nil, errors.NewIntegrityError(item.Key, "checksum mismatch").
			WithDetail("expected", item.Checksum).
			WithDetail("actual", Checksum(payload))
	}

	if item.Compressed {
		decompressed, err := c.DecompressWith(Algorithm(item.Compression), payload)
		if err != nil {
			return nil, err
		}
		payload = decompressed
	}

	return payload, nil
}

// DecodeInto decodes an envelope and unmarshals the value into out.
func (c *Codec) DecodeInto(item *types.StorageItem, out interface{}) error {
	data, err := c.Decode(item)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.NewCodecError("deserialize", err).WithKey(item.Key)
	}
	return nil
}

// MarshalEnvelope renders an envelope in its persisted form.
func MarshalEnvelope(item *types.StorageItem) ([]byte, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return nil, errors.NewCodecError("marshal envelope", err).WithKey(item.Key)
	}
	return raw, nil
}

// UnmarshalEnvelope parses a persisted envelope.
func UnmarshalEnvelope(raw []byte) (*types.StorageItem, error) {
	var item types.StorageItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, errors.NewCodecError("unmarshal envelope", err)
	}
	return &item, nil
}

// Checksum returns the hex xxhash64 of b.
func Checksum(b []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}

// Compress compresses b with the configured algorithm.
func (c *Codec) Compress(b []byte) ([]byte, error) {
	switch c.algo {
	case AlgorithmGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(b); err != nil {
			return nil, errors.NewCodecError("compress", err)
		}
		if err := w.Close(); err != nil {
			return nil, errors.NewCodecError("compress", err)
		}
		return buf.Bytes(), nil
	default:
		return c.zenc.EncodeAll(b, make([]byte, 0, len(b)/2+64)), nil
	}
}

// Decompress reverses Compress.
func (c *Codec) Decompress(b []byte) ([]byte, error) {
	return c.DecompressWith(c.algo, b)
}

// DecompressWith decompresses b with the named algorithm; empty means zstd.
func (c *Codec) DecompressWith(algo Algorithm, b []byte) ([]byte, error) {
	switch algo {
	case AlgorithmGzip:
		r, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, errors.NewCodecError("decompress", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.NewCodecError("decompress", err)
		}
		return out, nil
	case AlgorithmZstd, "":
		out, err := c.zdec.DecodeAll(b, nil)
		if err != nil {
			return nil, errors.NewCodecError("decompress", err)
		}
		return out, nil
	default:
		return nil, errors.NewCodecError("decompress", fmt.Errorf("unknown algorithm %q", algo))
	}
}

// Seal encrypts b with XChaCha20-Poly1305, prefixing the random nonce.
func (c *Codec) Seal(b []byte) ([]byte, error) {
	if c.aead == nil {
		return nil, errors.NewCodecError("encrypt", fmt.Errorf("encryption key not configured"))
	}
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(b)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.NewCodecError("encrypt", err)
	}
	return c.aead.Seal(nonce, nonce, b, nil), nil
}

// Open reverses Seal. An authentication failure means the ciphertext was
// altered and is reported as an integrity error.
func (c *Codec) Open(b []byte) ([]byte, error) {
	if c.aead == nil {
		return nil, errors.NewCodecError("decrypt", fmt.Errorf("encryption key not configured"))
	}
	ns := c.aead.NonceSize()
	if len(b) < ns+c.aead.Overhead() {
		return nil, errors.NewCodecError("decrypt", fmt.Errorf("ciphertext too short"))
	}
	plain, err := c.aead.Open(nil, b[:ns], b[ns:], nil)
	if err != nil {
		return nil, errors.NewIntegrityError("", "ciphertext authentication failed").WithCause(err)
	}
	return plain, nil
}
