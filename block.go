package encfs

// fileIvHeaderSize is the length of the random file IV stored as the first
// bytes of every regular-mode file.
const fileIvHeaderSize = 8

// shuffleBytes performs an in-place forward diffusion pass: each byte is
// XORed with the byte preceding it, so a change to any byte propagates to
// every later byte. unshuffleBytes is its exact inverse and must iterate
// from high index down to low; running it forward silently produces
// garbage that still round-trips within this implementation but no longer
// matches what other EncFS implementations write.
func shuffleBytes(buf []byte) {
	for i := 0; i < len(buf)-1; i++ {
		buf[i+1] ^= buf[i]
	}
}

func unshuffleBytes(buf []byte) {
	for i := len(buf) - 1; i > 0; i-- {
		buf[i] ^= buf[i-1]
	}
}

// streamEncrypt implements the variable-length stream cipher pipeline used
// for the file-IV header, the wrapped volume key, and short block tails:
// shuffle, CFB-encrypt under an IV derived from seed, flip within 64-byte
// windows, shuffle again, then CFB-encrypt under an IV derived from
// seed+1. Two chained CFB passes separated by the flip give the short
// payloads this codec handles the avalanche property the block codec gets
// from CBC chaining.
func streamEncrypt(hmacKey, key, baseIV, seed, data []byte) ([]byte, error) {
	buf := append([]byte(nil), data...)

	shuffleBytes(buf)
	iv1 := generateIv(hmacKey, baseIV, seed)
	buf, err := cfbEncrypt(key, iv1, buf)
	if err != nil {
		return nil, err
	}

	buf = flipBytes(buf)
	shuffleBytes(buf)

	iv2 := generateIv(hmacKey, baseIV, incrementIvSeed(seed))
	return cfbEncrypt(key, iv2, buf)
}

// streamDecrypt is the exact inverse of streamEncrypt: CFB-decrypt under
// seed+1, unshuffle, flip, CFB-decrypt under seed, unshuffle.
func streamDecrypt(hmacKey, key, baseIV, seed, data []byte) ([]byte, error) {
	iv2 := generateIv(hmacKey, baseIV, incrementIvSeed(seed))
	buf, err := cfbDecrypt(key, iv2, data)
	if err != nil {
		return nil, err
	}

	unshuffleBytes(buf)
	buf = flipBytes(buf)

	iv1 := generateIv(hmacKey, baseIV, seed)
	buf, err = cfbDecrypt(key, iv1, buf)
	if err != nil {
		return nil, err
	}

	unshuffleBytes(buf)
	return buf, nil
}

// isAllZero reports whether every byte of b is zero. Used by the
// allowHoles fast path on both the encode and decode sides, checked before
// any AES call so a hole block never touches the cipher.
func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// encodeBlock encrypts one body block of plaintext under the volume key.
// The block is assembled as headerSize bytes of reversed mac64 over the
// payload followed by the payload itself, and the whole assembly is
// encrypted: AES-CBC when it fills blockSize exactly, the stream pipeline
// for a short tail. blockNum and fileIv combine via ivSeed8 so every block
// of every file gets a distinct IV.
//
// When allowHoles is set and plain is a full block of zeros, the result is
// blockSize zero bytes with no MAC and no AES call; a sparse reader later
// recognizes the all-zero ciphertext and reproduces the hole.
func encodeBlock(hmacKey, key, volumeIV []byte, blockNum, fileIv uint64, plain []byte, blockSize, headerSize int, allowHoles bool) ([]byte, error) {
	if allowHoles && len(plain) == blockSize-headerSize && isAllZero(plain) {
		return make([]byte, blockSize), nil
	}

	block := make([]byte, headerSize+len(plain))
	copy(block[headerSize:], plain)
	if headerSize > 0 {
		digest := mac64(hmacKey, plain)
		for i := 0; i < headerSize && i < len(digest); i++ {
			block[i] = digest[len(digest)-1-i]
		}
	}

	seed := ivSeed8(blockNum, fileIv)
	if len(block) == blockSize {
		iv := generateIv(hmacKey, volumeIV, seed)
		return cbcEncryptZeroPadded(key, iv, block)
	}
	return streamEncrypt(hmacKey, key, volumeIV, seed, block)
}

// decodeBlock is the inverse of encodeBlock: it decrypts the whole block
// (CBC for a full block, stream pipeline for a short tail), splits off the
// headerSize-byte MAC prefix, and verifies the MAC recomputed over the
// payload against that prefix in constant time. An all-zero full block is
// returned as plaintext zeros without touching AES; this check runs
// regardless of the allowHoles flag because a reader cannot otherwise tell
// a genuine hole written by an allowHoles writer from anything else.
func decodeBlock(hmacKey, key, volumeIV []byte, blockNum, fileIv uint64, encoded []byte, blockSize, headerSize int) ([]byte, error) {
	if len(encoded) <= headerSize {
		return nil, errInvalidBlockf("encoded block of %d bytes cannot carry a %d-byte header", len(encoded), headerSize)
	}
	if len(encoded) == blockSize && isAllZero(encoded) {
		return make([]byte, blockSize-headerSize), nil
	}

	seed := ivSeed8(blockNum, fileIv)
	var block []byte
	var err error
	if len(encoded) == blockSize {
		iv := generateIv(hmacKey, volumeIV, seed)
		block, err = cbcDecrypt(key, iv, encoded)
	} else {
		block, err = streamDecrypt(hmacKey, key, volumeIV, seed, encoded)
	}
	if err != nil {
		return nil, err
	}

	payload := block[headerSize:]
	if headerSize > 0 {
		digest := mac64(hmacKey, payload)
		want := make([]byte, headerSize)
		for i := 0; i < headerSize && i < len(digest); i++ {
			want[i] = digest[len(digest)-1-i]
		}
		if !constantTimeEqual(block[:headerSize], want) {
			return nil, errInvalidBlock("decodeBlock", "MAC mismatch")
		}
	}
	return payload, nil
}

// toEncoded maps a plaintext file size to the corresponding ciphertext
// file size: for each full or partial data block, the per-block MAC
// header, plus the 8-byte file-IV header when uniqueIV is on. A zero
// plaintext size maps to zero; the file-IV header is only written once
// the file carries data.
func toEncoded(plainSize int64, p *VolumeParams) int64 {
	if plainSize <= 0 {
		return 0
	}
	dataPerBlock := int64(p.DataPerBlock())
	blocks := (plainSize + dataPerBlock - 1) / dataPerBlock
	encoded := plainSize + blocks*int64(p.HeaderSize())
	if p.UniqueIV {
		encoded += fileIvHeaderSize
	}
	return encoded
}

// toDecoded is the left inverse of toEncoded: sizes at or below the
// minimum header overhead map to zero.
func toDecoded(encodedSize int64, p *VolumeParams) int64 {
	body := encodedSize
	if p.UniqueIV {
		body -= fileIvHeaderSize
	}
	if body <= 0 {
		return 0
	}
	dataPerBlock := int64(p.DataPerBlock())
	fullBlocks := body / int64(p.BlockSize)
	rem := body % int64(p.BlockSize)
	decoded := fullBlocks * dataPerBlock
	if rem > 0 {
		decoded += rem - int64(p.HeaderSize())
	}
	if decoded < 0 {
		return 0
	}
	return decoded
}
