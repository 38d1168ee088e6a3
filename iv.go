package encfs

// generateIv derives a 16-byte IV from a 16-byte base IV and a seed: the
// seed is written in little-endian order into an 8-byte tail appended to
// baseIv, and the concatenation is HMAC-SHA1'd under the volume key; the
// digest is truncated to 16 bytes.
// Both 4-byte and 8-byte seeds are accepted; a 4-byte seed occupies the low
// 4 bytes of the tail with the high 4 bytes left zero.
func generateIv(hmacKey, baseIv []byte, seed []byte) []byte {
	msg := make([]byte, len(baseIv)+8)
	copy(msg, baseIv)
	tail := msg[len(baseIv):]
	switch len(seed) {
	case 4:
		// Reversed into the first 4 bytes of the tail; the rest stays zero.
		tail[0] = seed[3]
		tail[1] = seed[2]
		tail[2] = seed[1]
		tail[3] = seed[0]
	case 8:
		for i := 0; i < 8; i++ {
			tail[i] = seed[7-i]
		}
	default:
		panic("encfs: generateIv: seed must be 4 or 8 bytes")
	}
	digest := hmacSHA1(hmacKey, msg)
	return digest[:16]
}

// ivSeed8 builds the 8-byte big-endian seed used for body-block IVs: the
// block number XORed with the file IV.
func ivSeed8(blockNum, fileIv uint64) []byte {
	b := make([]byte, 8)
	putBigEndian64(b, blockNum^fileIv)
	return b
}

// ivSeed4FromMAC32 builds the 4-byte seed used only when wrapping and
// unwrapping the volume key: the mac32 of the key material. Keeping it a
// distinct constructor from ivSeed8 makes the 4-vs-8-byte call-site
// split a compile-time fact rather than something inferred from a
// runtime slice length.
func ivSeed4FromMAC32(mac [4]byte) []byte {
	return mac[:]
}

// incrementIvSeed interprets seed (4 or 8 bytes, big-endian, signed) as an
// integer and adds one, wrapping on overflow, returning a new slice of the
// same length.
func incrementIvSeed(seed []byte) []byte {
	out := make([]byte, len(seed))
	copy(out, seed)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			break
		}
	}
	return out
}

// flipBytes reverses the bytes within each 64-byte-aligned window of s,
// handling a final partial window correctly. It returns a new slice; s is
// not modified.
func flipBytes(s []byte) []byte {
	out := make([]byte, len(s))
	const window = 64
	for start := 0; start < len(s); start += window {
		end := start + window
		if end > len(s) {
			end = len(s)
		}
		chunk := s[start:end]
		for i, j := 0, len(chunk)-1; j >= 0; i, j = i+1, j-1 {
			out[start+i] = chunk[j]
		}
	}
	return out
}
