package encfs

import (
	"bytes"
	"os"
	"testing"

	"github.com/absfs/memfs"
)

// newTestParams returns a VolumeParams with the standard-mode shape but a
// fixed, non-random key path, suitable for exercising the codecs directly.
func newTestParams(chained, external bool) *VolumeParams {
	return &VolumeParams{
		KeySize:            192,
		BlockSize:          1024,
		UniqueIV:           true,
		ChainedNameIV:      chained,
		ExternalIVChaining: external,
		BlockMACBytes:      8,
		BlockMACRandBytes:  0,
		AllowHoles:         true,
		EncodedKeySize:     44,
		SaltLen:            20,
		KDFIterations:      1000,
		DesiredKDFDuration: 500,
		Parallel:           DefaultParallelParams(),
	}
}

// newTestVolume builds an unlocked Volume around params with a fixed key
// and IV, bypassing the passphrase KDF so codec tests stay fast and
// deterministic.
func newTestVolume(t *testing.T, params *VolumeParams) *Volume {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, params.KeySize/8)
	iv := bytes.Repeat([]byte{0x17}, 16)
	return &Volume{
		params:   params,
		key:      key,
		hmacKey:  key,
		volumeIV: iv,
		registry: newHandleRegistry(),
	}
}

// newMemHandle opens name on a fresh in-memory filesystem and wraps it as
// a Handle, so file tests run without touching the real disk.
func newMemHandle(t *testing.T, name string) Handle {
	t.Helper()
	fs, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("memfs.NewFS: %v", err)
	}
	f, err := fs.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		t.Fatalf("OpenFile(%q): %v", name, err)
	}
	return NewOSHandle(f)
}

// patternBytes fills n bytes with a simple deterministic pattern so block
// boundaries are easy to spot in a failure dump.
func patternBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}
