package encfs

// mac64 computes an 8-byte MAC by HMAC-SHA1'ing data and folding the first
// 19 (not 20) bytes of the digest by XOR into an 8-byte accumulator indexed
// i mod 8. The 19-vs-20 discrepancy is a compatibility quirk of the EncFS
// format and must be preserved exactly: folding the full 20-byte digest
// produces a MAC no other EncFS implementation will accept.
func mac64(hmacKey, data []byte) [8]byte {
	digest := hmacSHA1(hmacKey, data)
	var out [8]byte
	for i := 0; i < 19; i++ {
		out[i%8] ^= digest[i]
	}
	return out
}

// mac64WithChain is mac64 but the HMAC input is data followed by chainIv
// written in reverse byte order.
func mac64WithChain(hmacKey, data []byte, chainIv [8]byte) [8]byte {
	msg := make([]byte, len(data)+8)
	copy(msg, data)
	tail := msg[len(data):]
	for i := 0; i < 8; i++ {
		tail[i] = chainIv[7-i]
	}
	digest := hmacSHA1(hmacKey, msg)
	var out [8]byte
	for i := 0; i < 19; i++ {
		out[i%8] ^= digest[i]
	}
	return out
}

// foldMAC32 folds an 8-byte MAC into 4 bytes by XOR-ing the upper half into
// the lower half.
func foldMAC32(mac [8]byte) [4]byte {
	var out [4]byte
	for i := 0; i < 4; i++ {
		out[i] = mac[i] ^ mac[i+4]
	}
	return out
}

// foldMAC16 folds a 4-byte MAC into 2 bytes the same way.
func foldMAC16(mac [4]byte) [2]byte {
	var out [2]byte
	out[0] = mac[0] ^ mac[2]
	out[1] = mac[1] ^ mac[3]
	return out
}

// mac32 computes mac64 then folds it to 4 bytes.
func mac32(hmacKey, data []byte) [4]byte {
	return foldMAC32(mac64(hmacKey, data))
}

// mac32WithChain computes mac64WithChain then folds it to 4 bytes.
func mac32WithChain(hmacKey, data []byte, chainIv [8]byte) [4]byte {
	return foldMAC32(mac64WithChain(hmacKey, data, chainIv))
}

// mac16 computes mac32 then folds it to 2 bytes.
func mac16(hmacKey, data []byte) [2]byte {
	return foldMAC16(mac32(hmacKey, data))
}

// mac16WithChain computes mac32WithChain then folds it to 2 bytes.
func mac16WithChain(hmacKey, data []byte, chainIv [8]byte) [2]byte {
	return foldMAC16(mac32WithChain(hmacKey, data, chainIv))
}

// chainIV folds mac64WithChain over each non-empty, PKCS#7-padded
// component of path (split on sep), accumulating the result starting
// from 8 zero bytes.
func chainIV(hmacKey []byte, path string, sep byte) [8]byte {
	var acc [8]byte
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == sep {
			if i > start {
				component := path[start:i]
				padded := pkcs7Pad([]byte(component), 16)
				acc = mac64WithChain(hmacKey, padded, acc)
			}
			start = i + 1
		}
	}
	return acc
}
