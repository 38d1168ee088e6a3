// Package encfs implements the cryptographic core of an EncFS 6 compatible
// transparent encrypting filesystem overlay: the "ssl/aes 3.0" cipher
// family and "nameio/block 3.0" name codec, a volume descriptor
// compatible with existing EncFS 6 XML configuration files, and a File
// handle that performs block-aligned encrypt-on-write and decrypt-on-read
// translation between a plaintext view and an encrypted backing store.
//
// A typical caller loads or creates a volume descriptor, unlocks it with
// a passphrase, and then uses the resulting Volume to translate plaintext
// paths to their on-disk encoded form and to open File handles against a
// storage Handle (see backend.go for an absfs-based adapter):
//
//	params, err := encfs.LoadParams(descriptorBytes, false)
//	vol, err := encfs.Unlock(params, passphrase)
//	encodedPath, err := vol.EncodePath("/docs/report.txt")
//	f := vol.OpenFile("/docs/report.txt", backendHandle, false)
//
// Security properties, on-disk layout, and the exact byte-level algorithms
// (IV derivation, MAC folding, name encoding) are documented alongside
// their implementations in iv.go, mac.go, name.go, and block.go; none of
// the constants or byte orderings there are arbitrary, and changing them
// breaks compatibility with other EncFS 6 implementations.
//
// Reverse mode (VolumeParams.Reverse) inverts the usual direction: it
// mounts an existing plaintext tree and presents an encrypted view of it,
// for use in encrypted backups. See File.reverseRead and the field-forcing
// in LoadParams/CreateParams.
package encfs
