package encfs

import "strings"

// ExistsFunc reports whether an encoded (on-disk) path exists on storage.
// EncodePath uses it only when a caller opts in, to decide whether a
// plaintext name carrying a Dropbox/Google-Drive-style conflict suffix
// should instead resolve to the ciphertext file a cloud client wrote: the
// core name re-encoded with the visible suffix reattached.
type ExistsFunc func(encodedPath string) bool

// pathSeparator is fixed at '/'; EncFS volumes are mounted as POSIX-style
// trees regardless of host OS.
const pathSeparator = '/'

// encodeComponent encrypts a single plaintext path component into its
// on-disk encoded form. The component is PKCS#7-padded to 16 bytes and
// MAC'd, folded to 2 bytes: together with chainIv when name chaining is
// on, over the padded bytes alone when it is off. The two cases HMAC
// messages of different lengths, so the unchained case must not be
// expressed as a chained MAC with a zero chain IV. The low two bytes of
// chainIv are XORed with that MAC to produce the per-name IV seed, the
// padded bytes are AES-CBC encrypted, and the 2-byte MAC is prepended
// before Base64-encoding with the custom name alphabet.
func encodeComponent(key, hmacKey, volumeIV []byte, chainIv [8]byte, chained bool, component string) (string, error) {
	if component == "." || component == ".." {
		return component, nil
	}

	padded := pkcs7Pad([]byte(component), 16)
	var mac [2]byte
	if chained {
		mac = mac16WithChain(hmacKey, padded, chainIv)
	} else {
		mac = mac16(hmacKey, padded)
	}

	seed := chainIv
	seed[6] ^= mac[0]
	seed[7] ^= mac[1]
	iv := generateIv(hmacKey, volumeIV, seed[:])

	cipherText, err := cbcEncryptZeroPadded(key, iv, padded)
	if err != nil {
		return "", err
	}

	raw := make([]byte, 0, len(mac)+len(cipherText))
	raw = append(raw, mac[:]...)
	raw = append(raw, cipherText...)
	return string(encodeName(raw, nil)), nil
}

// decodeComponent is the inverse of encodeComponent: it Base64-decodes
// encoded, splits off the 2-byte MAC, AES-CBC decrypts the remainder under
// the IV that MAC implies, strips the PKCS#7 padding, and verifies the MAC
// recomputed from the padded plaintext (chained or plain, matching the
// encode side) against what was stored.
func decodeComponent(key, hmacKey, volumeIV []byte, chainIv [8]byte, chained bool, encoded string) (string, error) {
	if encoded == "." || encoded == ".." {
		return encoded, nil
	}

	raw, ok := decodeName([]byte(encoded), nil)
	if !ok || len(raw) < 2 {
		return "", errInvalidBlock("decodeComponent", "not a valid encoded name")
	}
	var mac [2]byte
	copy(mac[:], raw[:2])
	cipherText := raw[2:]

	seed := chainIv
	seed[6] ^= mac[0]
	seed[7] ^= mac[1]
	iv := generateIv(hmacKey, volumeIV, seed[:])

	padded, err := cbcDecrypt(key, iv, cipherText)
	if err != nil {
		return "", err
	}

	var wantMAC [2]byte
	if chained {
		wantMAC = mac16WithChain(hmacKey, padded, chainIv)
	} else {
		wantMAC = mac16(hmacKey, padded)
	}
	if !constantTimeEqual(mac[:], wantMAC[:]) {
		return "", errInvalidBlock("decodeComponent", "name MAC mismatch")
	}

	plain, ok := pkcs7Unpad(padded, 16)
	if !ok {
		return "", errInvalidBlock("decodeComponent", "invalid padding")
	}
	return string(plain), nil
}

// splitPath splits p on pathSeparator, dropping empty leading/trailing
// components produced by a leading or trailing slash.
func splitPath(p string) []string {
	parts := strings.Split(p, string(pathSeparator))
	out := parts[:0:0]
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// EncodePath encrypts every component of plainPath, chaining the name IV
// across directory levels when chainedNameIV is enabled. If exists is
// supplied (and name IVs are not chained), a component carrying a cloud
// conflict suffix whose straight encoding is absent from storage is
// re-encoded from its suffix-free core with the suffix reattached to the
// encoded name, so a plaintext request for "file (PC conflict ...).txt"
// resolves to the ciphertext sibling a cloud client actually wrote.
func (v *Volume) EncodePath(plainPath string, exists ...ExistsFunc) (string, error) {
	components := splitPath(plainPath)
	if len(components) == 0 {
		return "", nil
	}

	var existsFn ExistsFunc
	if len(exists) > 0 {
		existsFn = exists[0]
	}

	var chain [8]byte
	encoded := make([]string, 0, len(components))
	for _, comp := range components {
		enc, err := encodeComponent(v.key, v.hmacKey, v.volumeIV, chain, v.params.ChainedNameIV, comp)
		if err != nil {
			return "", err
		}

		if existsFn != nil && !v.params.ChainedNameIV {
			if core, suffix, ok := tryExtractCloudConflictSuffix(comp); ok {
				encPath := strings.Join(append(encoded, enc), string(pathSeparator))
				if !existsFn(encPath) {
					coreEnc, err := encodeComponent(v.key, v.hmacKey, v.volumeIV, chain, false, core)
					if err != nil {
						return "", err
					}
					enc = coreEnc + suffix
				}
			}
		}
		encoded = append(encoded, enc)

		if v.params.ChainedNameIV {
			padded := pkcs7Pad([]byte(comp), 16)
			chain = mac64WithChain(v.hmacKey, padded, chain)
		}
	}
	return strings.Join(encoded, string(pathSeparator)), nil
}

// DecodePath is the inverse of EncodePath. When chainedNameIV is
// disabled, a component that fails to decode as-is is retried with any
// cloud conflict marker stripped from the encoded string; on success the
// marker is reinserted into the decoded plaintext before its extension.
func (v *Volume) DecodePath(encodedPath string) (string, error) {
	components := splitPath(encodedPath)
	if len(components) == 0 {
		return "", nil
	}

	var chain [8]byte
	decoded := make([]string, 0, len(components))
	for _, comp := range components {
		plain, err := decodeComponent(v.key, v.hmacKey, v.volumeIV, chain, v.params.ChainedNameIV, comp)
		if err != nil && !v.params.ChainedNameIV {
			if core, suffix, ok := tryExtractCloudConflictSuffix(comp); ok {
				if p2, err2 := decodeComponent(v.key, v.hmacKey, v.volumeIV, chain, false, core); err2 == nil {
					plain, err = insertConflictSuffix(p2, suffix), nil
				}
			}
		}
		if err != nil {
			return "", err
		}
		decoded = append(decoded, plain)

		if v.params.ChainedNameIV {
			padded := pkcs7Pad([]byte(plain), 16)
			chain = mac64WithChain(v.hmacKey, padded, chain)
		}
	}
	return strings.Join(decoded, string(pathSeparator)), nil
}
