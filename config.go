package encfs

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"
)

// Mode selects the parameter set used when creating a new volume.
type Mode int

const (
	// ModeStandard is keySize 192, no chained name IV, no external IV
	// chaining.
	ModeStandard Mode = iota
	// ModeParanoia is keySize 256, chained name IV on, external IV
	// chaining on.
	ModeParanoia
)

// Default parameters shared by both creation modes.
const (
	defaultBlockSize          = 1024
	defaultBlockMACBytes      = 8
	defaultBlockMACRandBytes  = 0
	defaultSaltLen            = 20
	defaultKDFIterations      = 170203
	defaultDesiredKDFDuration = 500
)

// VolumeParams is the immutable configuration record of one volume: once
// Load or Create returns one, it is never mutated. All per-operation
// state lives in Volume or File.
type VolumeParams struct {
	KeySize            int // bits: 192 or 256
	BlockSize          int
	UniqueIV           bool
	ChainedNameIV      bool
	ExternalIVChaining bool
	BlockMACBytes      int
	BlockMACRandBytes  int
	AllowHoles         bool
	EncodedKeySize     int
	EncodedKeyData     string // Base64, trimmed
	SaltLen            int
	SaltData           string // Base64, trimmed
	KDFIterations      int
	DesiredKDFDuration int
	Reverse            bool

	// Parallel controls the optional bulk worker pool (C11). It has no
	// on-disk representation; it is not part of the EncFS 6 descriptor.
	Parallel ParallelParams
}

// HeaderSize returns blockMACBytes + blockMACRandBytes, the per-block MAC
// prefix length.
func (p *VolumeParams) HeaderSize() int {
	return p.BlockMACBytes + p.BlockMACRandBytes
}

// DataPerBlock returns blockSize - headerSize, the plaintext payload of one
// full body block.
func (p *VolumeParams) DataPerBlock() int {
	return p.BlockSize - p.HeaderSize()
}

// Validate checks the descriptor's fields are within the ranges the
// volume engine can operate on.
func (p *VolumeParams) Validate() error {
	if p.KeySize != 128 && p.KeySize != 192 && p.KeySize != 256 {
		return errBadConfig("keySize", fmt.Errorf("must be 128, 192, or 256, got %d", p.KeySize))
	}
	if p.BlockSize <= 0 {
		return errBadConfig("blockSize", fmt.Errorf("must be positive, got %d", p.BlockSize))
	}
	if p.BlockMACBytes < 0 || p.BlockMACRandBytes < 0 {
		return errBadConfig("blockMACBytes", fmt.Errorf("must be non-negative"))
	}
	if p.HeaderSize() >= p.BlockSize {
		return errBadConfig("blockMACBytes", fmt.Errorf("header size %d must be less than block size %d", p.HeaderSize(), p.BlockSize))
	}
	if p.EncodedKeySize <= 0 {
		return errBadConfig("encodedKeySize", fmt.Errorf("must be positive, got %d", p.EncodedKeySize))
	}
	if p.SaltLen < 0 {
		return errBadConfig("saltLen", fmt.Errorf("must be non-negative, got %d", p.SaltLen))
	}
	if p.KDFIterations <= 0 {
		return errBadConfig("kdfIterations", fmt.Errorf("must be positive, got %d", p.KDFIterations))
	}
	return nil
}

// descriptorXML is the on-disk shape of the EncFS 6 XML descriptor: a
// fixed boost_serialization envelope wrapping a cfg element whose
// children are the algorithm identifiers followed by the integer/Base64
// fields in declaration order. The struct tags reproduce this shape
// field-for-field so a descriptor round-trips against a reference EncFS
// volume and an existing .encfs6.xml parses unchanged.
type descriptorXML struct {
	XMLName xml.Name `xml:"boost_serialization"`
	Sig     string   `xml:"signature,attr"`
	Version string   `xml:"version,attr"`
	Cfg     cfgXML   `xml:"cfg"`
}

type cfgXML struct {
	ClassID        string  `xml:"class_id,attr"`
	TrackingLevel  string  `xml:"tracking_level,attr"`
	Version        string  `xml:"version,attr"`
	FormatVersion  int     `xml:"version"`
	Creator        string  `xml:"creator"`
	CipherAlg      algXML  `xml:"cipherAlg"`
	NameAlg        algXML  `xml:"nameAlg"`
	KeySize        int     `xml:"keySize"`
	BlockSize      int     `xml:"blockSize"`
	UniqueIV       intBool `xml:"uniqueIV"`
	ChainedNameIV  intBool `xml:"chainedNameIV"`
	ExternalIV     intBool `xml:"externalIVChaining"`
	BlockMACBytes  int     `xml:"blockMACBytes"`
	BlockMACRand   int     `xml:"blockMACRandBytes"`
	AllowHoles     intBool `xml:"allowHoles"`
	EncodedKeySize int     `xml:"encodedKeySize"`
	EncodedKeyData string  `xml:"encodedKeyData"`
	SaltLen        int     `xml:"saltLen"`
	SaltData       string  `xml:"saltData"`
	KDFIterations  int     `xml:"kdfIterations"`
	DesiredKDF     int     `xml:"desiredKDFDuration"`
}

type algXML struct {
	Name  string `xml:"name,attr"`
	Major int    `xml:"major,attr"`
	Minor int    `xml:"minor,attr"`
}

// intBool marshals as "0" or "1", matching the descriptor's boolean
// convention, instead of Go's "true"/"false".
type intBool bool

func (b intBool) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	v := "0"
	if b {
		v = "1"
	}
	return e.EncodeElement(v, start)
}

func (b *intBool) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var s string
	if err := d.DecodeElement(&s, &start); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	*b = s != "0" && s != ""
	return nil
}

const (
	cipherAlgName = "ssl/aes"
	nameAlgName   = "nameio/block"
)

// LoadParams parses an EncFS 6 descriptor from raw XML bytes into a
// VolumeParams. Malformed XML, an integer element that does not parse, an
// unsupported algorithm, a missing or zero keySize, blockSize,
// encodedKeySize or kdfIterations, or an empty encodedKeyData or saltData
// fails the load with BadConfigurationError. The remaining elements are
// not checked for presence: a missing one reads as 0 (or false). reverse
// forces the reverse-mode constraints after parsing.
func LoadParams(data []byte, reverse bool) (*VolumeParams, error) {
	var doc descriptorXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, errBadConfig("xml", err)
	}
	cfg := doc.Cfg
	if cfg.CipherAlg.Name != cipherAlgName {
		return nil, errBadConfig("cipherAlg", fmt.Errorf("unsupported algorithm %q", cfg.CipherAlg.Name))
	}
	if cfg.NameAlg.Name != nameAlgName {
		return nil, errBadConfig("nameAlg", fmt.Errorf("unsupported algorithm %q", cfg.NameAlg.Name))
	}
	if cfg.KeySize == 0 {
		return nil, errBadConfig("keySize", fmt.Errorf("missing or zero"))
	}
	if cfg.BlockSize == 0 {
		return nil, errBadConfig("blockSize", fmt.Errorf("missing or zero"))
	}
	if cfg.EncodedKeySize == 0 {
		return nil, errBadConfig("encodedKeySize", fmt.Errorf("missing or zero"))
	}
	if strings.TrimSpace(cfg.EncodedKeyData) == "" {
		return nil, errBadConfig("encodedKeyData", fmt.Errorf("missing"))
	}
	if strings.TrimSpace(cfg.SaltData) == "" {
		return nil, errBadConfig("saltData", fmt.Errorf("missing"))
	}
	if cfg.KDFIterations == 0 {
		return nil, errBadConfig("kdfIterations", fmt.Errorf("missing or zero"))
	}

	p := &VolumeParams{
		KeySize:            cfg.KeySize,
		BlockSize:          cfg.BlockSize,
		UniqueIV:           bool(cfg.UniqueIV),
		ChainedNameIV:      bool(cfg.ChainedNameIV),
		ExternalIVChaining: bool(cfg.ExternalIV),
		BlockMACBytes:      cfg.BlockMACBytes,
		BlockMACRandBytes:  cfg.BlockMACRand,
		AllowHoles:         bool(cfg.AllowHoles),
		EncodedKeySize:     cfg.EncodedKeySize,
		EncodedKeyData:     strings.TrimSpace(cfg.EncodedKeyData),
		SaltLen:            cfg.SaltLen,
		SaltData:           strings.TrimSpace(cfg.SaltData),
		KDFIterations:      cfg.KDFIterations,
		DesiredKDFDuration: cfg.DesiredKDF,
		Reverse:            reverse,
		Parallel:           DefaultParallelParams(),
	}

	if reverse {
		p.UniqueIV = false
		p.ChainedNameIV = false
		p.BlockMACBytes = 0
		p.BlockMACRandBytes = 0
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Save emits a descriptor in the shape other EncFS 6 implementations
// write: UTF-8, no line breaks in the Base64 fields.
func (p *VolumeParams) Save() ([]byte, error) {
	doc := descriptorXML{
		Sig:     "serialization::archive",
		Version: "13",
		Cfg: cfgXML{
			ClassID:        "0",
			TrackingLevel:  "0",
			Version:        "20",
			FormatVersion:  20100713,
			Creator:        "encfs-go",
			CipherAlg:      algXML{Name: cipherAlgName, Major: 3, Minor: 0},
			NameAlg:        algXML{Name: nameAlgName, Major: 3, Minor: 0},
			KeySize:        p.KeySize,
			BlockSize:      p.BlockSize,
			UniqueIV:       intBool(p.UniqueIV),
			ChainedNameIV:  intBool(p.ChainedNameIV),
			ExternalIV:     intBool(p.ExternalIVChaining),
			BlockMACBytes:  p.BlockMACBytes,
			BlockMACRand:   p.BlockMACRandBytes,
			AllowHoles:     intBool(p.AllowHoles),
			EncodedKeySize: p.EncodedKeySize,
			EncodedKeyData: p.EncodedKeyData,
			SaltLen:        p.SaltLen,
			SaltData:       p.SaltData,
			KDFIterations:  p.KDFIterations,
			DesiredKDF:     p.DesiredKDFDuration,
		},
	}
	body, err := xml.MarshalIndent(doc, "", "\t")
	if err != nil {
		return nil, err
	}
	out := []byte(xml.Header)
	out = append(out, []byte(`<!DOCTYPE boost_serialization>`+"\n")...)
	out = append(out, body...)
	out = append(out, '\n')
	return out, nil
}

// deriveKey runs PBKDF2-HMAC-SHA1 over password and the decoded salt,
// producing keyLen/8 + 16 bytes: the passphrase key followed by the
// passphrase IV. password is wiped before returning.
func (p *VolumeParams) deriveKey(password []byte) (passKey, passIV []byte, err error) {
	defer wipe(password)

	salt, err := base64.StdEncoding.DecodeString(p.SaltData)
	if err != nil {
		return nil, nil, errUnlockFailed("malformed salt")
	}
	if len(salt) < p.SaltLen {
		return nil, nil, errUnlockFailed("salt shorter than declared length")
	}

	n := p.KeySize/8 + 16
	material := pbkdf2SHA1(password, salt, p.KDFIterations, n)
	return material[:p.KeySize/8], material[p.KeySize/8:], nil
}

// unwrapVolumeKey recovers the volume key material: Base64-decode the
// encrypted key blob, split off the 4-byte stored MAC, stream-decrypt the
// remainder under the passphrase key/IV with the stored MAC as seed, and
// verify mac32 of the result against the stored MAC in constant time.
func (p *VolumeParams) unwrapVolumeKey(password []byte) (volumeKey, volumeIV []byte, err error) {
	passKey, passIV, err := p.deriveKey(password)
	if err != nil {
		return nil, nil, err
	}
	defer wipe(passKey)
	defer wipe(passIV)

	blob, err := base64.StdEncoding.DecodeString(p.EncodedKeyData)
	if err != nil {
		return nil, nil, errUnlockFailed("malformed encoded key data")
	}
	if len(blob) < 4 {
		return nil, nil, errUnlockFailed("encoded key data too short")
	}
	var storedMAC [4]byte
	copy(storedMAC[:], blob[:4])
	encryptedKey := blob[4:]

	passHMAC := passKey
	material, err := streamDecrypt(passHMAC, passKey, passIV, ivSeed4FromMAC32(storedMAC), encryptedKey)
	if err != nil {
		return nil, nil, errUnlockFailed(err.Error())
	}

	computed := mac32(passHMAC, material)
	if !constantTimeEqual(computed[:], storedMAC[:]) {
		return nil, nil, errUnlockFailed("key MAC mismatch")
	}

	keyLen := p.KeySize / 8
	if len(material) < keyLen {
		return nil, nil, errUnlockFailed("key material too short")
	}
	volumeKey = append([]byte(nil), material[:keyLen]...)
	volumeIV = append([]byte(nil), material[keyLen:]...)
	wipe(material)
	return volumeKey, volumeIV, nil
}

// wrapVolumeKey implements the inverse of unwrapVolumeKey, used when
// creating a new volume: it encrypts volumeKey||volumeIV under a freshly
// derived passphrase key and returns the Base64 blob for encodedKeyData.
func (p *VolumeParams) wrapVolumeKey(password []byte, volumeKey, volumeIV []byte) (string, error) {
	passKey, passIV, err := p.deriveKey(password)
	if err != nil {
		return "", err
	}
	defer wipe(passKey)
	defer wipe(passIV)

	material := append(append([]byte(nil), volumeKey...), volumeIV...)
	defer wipe(material)

	passHMAC := passKey
	mac := mac32(passHMAC, material)

	encrypted, err := streamEncrypt(passHMAC, passKey, passIV, ivSeed4FromMAC32(mac), material)
	if err != nil {
		return "", err
	}

	blob := append(append([]byte(nil), mac[:]...), encrypted...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// CreateParams builds a fresh VolumeParams for the given mode, generating
// a random volume key/IV and wrapping them under password (which is
// wiped). Defaults match what other EncFS 6 tools write.
func CreateParams(mode Mode, password []byte, reverse bool) (*VolumeParams, error) {
	p := &VolumeParams{
		BlockSize:          defaultBlockSize,
		UniqueIV:           true,
		BlockMACBytes:      defaultBlockMACBytes,
		BlockMACRandBytes:  defaultBlockMACRandBytes,
		AllowHoles:         true,
		SaltLen:            defaultSaltLen,
		KDFIterations:      defaultKDFIterations,
		DesiredKDFDuration: defaultDesiredKDFDuration,
		Reverse:            reverse,
		Parallel:           DefaultParallelParams(),
	}
	switch mode {
	case ModeStandard:
		p.KeySize = 192
		p.ChainedNameIV = false
		p.ExternalIVChaining = false
	case ModeParanoia:
		p.KeySize = 256
		p.ChainedNameIV = true
		p.ExternalIVChaining = true
	default:
		return nil, errBadConfig("mode", fmt.Errorf("unknown mode %v", mode))
	}
	// 4-byte checksum, the key itself, and the 16-byte volume IV; 44 for
	// a 192-bit key, 52 for 256.
	p.EncodedKeySize = 4 + p.KeySize/8 + 16
	if reverse {
		p.UniqueIV = false
		p.ChainedNameIV = false
		p.BlockMACBytes = 0
		p.BlockMACRandBytes = 0
	}

	salt, err := randomBytes(p.SaltLen)
	if err != nil {
		return nil, err
	}
	p.SaltData = base64.StdEncoding.EncodeToString(salt)

	keyMaterialLen := p.EncodedKeySize - 4
	volumeMaterial, err := randomBytes(keyMaterialLen)
	if err != nil {
		return nil, err
	}
	volumeKey := volumeMaterial[:p.KeySize/8]
	volumeIV := volumeMaterial[p.KeySize/8:]

	encoded, err := p.wrapVolumeKey(password, volumeKey, volumeIV)
	if err != nil {
		return nil, err
	}
	p.EncodedKeyData = encoded

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
