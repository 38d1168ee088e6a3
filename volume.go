package encfs

import "sync"

// Volume holds the unlocked cryptographic state of an EncFS volume: the
// AES key, the HMAC key used for every MAC and IV derivation, and the
// 16-byte base IV. Once constructed by Unlock or Create it is immutable
// and safe for concurrent use by many File handles, until Close wipes it.
type Volume struct {
	params   *VolumeParams
	key      []byte // AES key, params.KeySize/8 bytes
	hmacKey  []byte // == key, the format keys HMAC and AES identically
	volumeIV []byte // 16-byte base IV

	registry  *handleRegistry
	dirMoveMu sync.Mutex
}

// Params returns the volume's descriptor. Callers that need to persist it
// (e.g. after Create) should call params.Save().
func (v *Volume) Params() *VolumeParams { return v.params }

// Unlock derives the volume key from password against an already-loaded
// descriptor (see LoadParams) and returns the unlocked Volume. password is
// wiped before this function returns, on both success and failure paths.
func Unlock(params *VolumeParams, password []byte) (*Volume, error) {
	key, iv, err := params.unwrapVolumeKey(password)
	if err != nil {
		return nil, err
	}
	return &Volume{
		params:   params,
		key:      key,
		hmacKey:  key,
		volumeIV: iv,
		registry: newHandleRegistry(),
	}, nil
}

// Create generates a brand new volume descriptor for mode and returns both
// the unlocked Volume and the VolumeParams a caller must persist (typically
// via params.Save() to the volume's .encfs6.xml). password is wiped before
// this function returns.
func Create(mode Mode, password []byte, reverse bool) (*Volume, *VolumeParams, error) {
	// CreateParams consumes (and wipes) its own copy; the original is kept
	// long enough to unlock the freshly wrapped key, then wiped by Unlock.
	passCopy := append([]byte(nil), password...)
	params, err := CreateParams(mode, passCopy, reverse)
	if err != nil {
		wipe(password)
		return nil, nil, err
	}
	vol, err := Unlock(params, password)
	if err != nil {
		return nil, nil, err
	}
	return vol, params, nil
}

// Close wipes the volume key and IV in place. It does not track or close
// Files opened against this volume: a File used afterwards runs with the
// zeroed key, so its reads fail MAC verification and its writes are not
// encrypted under the volume key.
func (v *Volume) Close() {
	wipe(v.key)
	wipe(v.volumeIV)
}

// ToEncodedSize maps a plaintext file size to the size it occupies on
// disk under this volume's block layout.
func (v *Volume) ToEncodedSize(plainSize int64) int64 { return toEncoded(plainSize, v.params) }

// ToDecodedSize maps an on-disk file size back to its plaintext size.
func (v *Volume) ToDecodedSize(encodedSize int64) int64 { return toDecoded(encodedSize, v.params) }

// OpenFile wraps an already-open storage Handle (see Handle in backend.go)
// in a File that performs transparent encryption/decryption, serializing
// size-changing operations against the volume's handle registry under
// path.
func (v *Volume) OpenFile(path string, h Handle, readOnly bool) *File {
	return newFile(v, path, h, readOnly)
}

// WithDirMove runs fn while holding the volume-wide directory-move mutex.
// A rename of a directory under externalIVChaining re-wraps the file-IV
// header of every file beneath it; serializing those walks against each
// other keeps two concurrent renames from re-keying the same subtree.
func (v *Volume) WithDirMove(fn func() error) error {
	v.dirMoveMu.Lock()
	defer v.dirMoveMu.Unlock()
	return fn()
}
