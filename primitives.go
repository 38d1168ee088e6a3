package encfs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"

	"golang.org/x/crypto/pbkdf2"
)

// nameAlphabet is the 64-character alphabet used by the nameio/block name
// codec's custom Base64 variant. The comma leads the table; this ordering,
// not the usual A-Za-z0-9+/ layout, is what makes encoded names compatible
// with other EncFS 6 implementations.
const nameAlphabet = ",-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// nameDecodeTable maps an alphabet byte back to its 6-bit value; 0xFF marks
// a byte that is not part of the alphabet.
var nameDecodeTable [256]byte

func init() {
	for i := range nameDecodeTable {
		nameDecodeTable[i] = 0xFF
	}
	for i := 0; i < len(nameAlphabet); i++ {
		nameDecodeTable[nameAlphabet[i]] = byte(i)
	}
}

// randomBytes fills and returns n cryptographically random bytes.
func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, wrapReadError("randomBytes", err)
	}
	return b, nil
}

// constantTimeEqual reports whether a and b are equal, in time independent
// of where they first differ. Inputs of unequal length are rejected at
// once, without comparing their contents.
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// hmacSHA1 computes HMAC-SHA1(key, data).
func hmacSHA1(key, data []byte) []byte {
	h := hmac.New(sha1.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// pbkdf2SHA1 derives n bytes of key material from password and salt using
// PBKDF2-HMAC-SHA1, the only KDF the EncFS 6 descriptor format can record.
func pbkdf2SHA1(password, salt []byte, iterations, n int) []byte {
	return pbkdf2.Key(password, salt, iterations, n, sha1.New)
}

// wipe overwrites b with zeros in place. Best effort: it does not
// guarantee the compiler won't elide the write in exotic cases.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// putBigEndian64 writes v into dst (which must be 8 bytes) in big-endian
// order using full-width byte shifts; callers must not assume the host is
// little-endian.
func putBigEndian64(dst []byte, v uint64) {
	_ = dst[7]
	dst[0] = byte(v >> 56)
	dst[1] = byte(v >> 48)
	dst[2] = byte(v >> 40)
	dst[3] = byte(v >> 32)
	dst[4] = byte(v >> 24)
	dst[5] = byte(v >> 16)
	dst[6] = byte(v >> 8)
	dst[7] = byte(v)
}

func bigEndian64(b []byte) uint64 {
	_ = b[7]
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
}

func putBigEndian32(dst []byte, v uint32) {
	_ = dst[3]
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}

func bigEndian32(b []byte) uint32 {
	_ = b[3]
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// encodeName packs in least-significant-bit-first into 6-bit groups, maps
// each group through the name alphabet, and reverses the newly produced
// range before appending it to out. encodeName and decodeName append to
// their output buffers rather than replacing them: callers build full
// paths incrementally across components and rely on this.
func encodeName(in []byte, out []byte) []byte {
	start := len(out)

	var work uint64
	var bits uint
	for _, b := range in {
		work |= uint64(b) << bits
		bits += 8
		for bits >= 6 {
			out = append(out, byte(work&0x3f))
			work >>= 6
			bits -= 6
		}
	}
	if bits > 0 {
		out = append(out, byte(work&0x3f))
	}

	tail := out[start:]
	for i, v := range tail {
		tail[i] = nameAlphabet[v]
	}
	// Reverse the newly appended range in place.
	for i, j := start, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// decodeName inverts encodeName. It appends the decoded bytes to out and
// reports whether every character of in belonged to the name alphabet.
func decodeName(in []byte, out []byte) ([]byte, bool) {
	// The encoder reversed the encoded range, so consume in from the end.
	var work uint64
	var bits uint
	for i := len(in) - 1; i >= 0; i-- {
		v := nameDecodeTable[in[i]]
		if v == 0xFF {
			return out, false
		}
		work |= uint64(v) << bits
		bits += 6
		for bits >= 8 {
			out = append(out, byte(work&0xff))
			work >>= 8
			bits -= 8
		}
	}
	return out, true
}

// pkcs7Pad returns data padded to the next multiple of blockLen with the
// pad byte equal to the pad length. The pad length is always in
// [1, blockLen]: an already-aligned input grows by a full block, matching
// the name codec's {1..16} range.
func pkcs7Pad(data []byte, blockLen int) []byte {
	padLen := blockLen - len(data)%blockLen
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

// pkcs7Unpad validates and strips PKCS#7 padding, requiring padLen in
// [1, blockLen] and every pad byte equal to padLen.
func pkcs7Unpad(data []byte, blockLen int) ([]byte, bool) {
	if len(data) == 0 {
		return nil, false
	}
	padLen := int(data[len(data)-1])
	if padLen < 1 || padLen > blockLen || padLen > len(data) {
		return nil, false
	}
	for i := len(data) - padLen; i < len(data); i++ {
		if int(data[i]) != padLen {
			return nil, false
		}
	}
	return data[:len(data)-padLen], true
}

// zeroPad extends data with zero bytes up to the next multiple of blockLen.
func zeroPad(data []byte, blockLen int) []byte {
	rem := len(data) % blockLen
	if rem == 0 {
		return data
	}
	out := make([]byte, len(data)+(blockLen-rem))
	copy(out, data)
	return out
}

// cbcEncryptZeroPadded encrypts data (zero-padded to the AES block size)
// under AES-CBC with the given key and IV, returning exactly
// len(zeroPad(data, aes.BlockSize)) ciphertext bytes.
func cbcEncryptZeroPadded(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := zeroPad(data, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// cbcDecrypt decrypts data (which must be a multiple of the AES block
// size) under AES-CBC with the given key and IV.
func cbcDecrypt(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, errInvalidBlockf("cbc ciphertext length %d not a multiple of %d", len(data), aes.BlockSize)
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// cfbEncrypt encrypts data under AES-CFB with the given key and IV,
// returning exactly len(data) bytes (CFB is a stream mode; no padding).
func cfbEncrypt(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(out, data)
	return out, nil
}

// cfbDecrypt decrypts data under AES-CFB with the given key and IV.
func cfbDecrypt(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCFBDecrypter(block, iv).XORKeyStream(out, data)
	return out, nil
}
