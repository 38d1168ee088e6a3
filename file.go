package encfs

import (
	"errors"
	"io"
	"sync"
	"time"
)

const (
	maxWriteRetries = 3
	writeRetryDelay = 10 * time.Millisecond
)

// errFileEmpty reports that a file has no content at all yet, so there is
// no IV header to read. Read treats it as end of file; it never escapes
// the package.
var errFileEmpty = errors.New("file is empty")

// File is a handle onto one encrypted file: it translates plaintext
// Read/Write/SetLength calls at arbitrary offsets into block-aligned,
// per-block-MAC'd ciphertext operations against an underlying Handle.
type File struct {
	v        *Volume
	path     string
	h        Handle
	readOnly bool

	mu           sync.Mutex // serializes this handle's own operations
	fileIvLoaded bool
	fileIv       uint64
}

func newFile(v *Volume, path string, h Handle, readOnly bool) *File {
	return &File{v: v, path: path, h: h, readOnly: readOnly}
}

// Close releases the underlying storage handle.
func (f *File) Close() error {
	return f.h.Close()
}

// fileIvSeed returns the stream-codec seed used to encrypt/decrypt this
// file's IV header: a chain IV over the file's path when external IV
// chaining is enabled, otherwise eight zero bytes.
func (f *File) fileIvSeed() []byte {
	if !f.v.params.ExternalIVChaining {
		return make([]byte, 8)
	}
	c := chainIV(f.v.hmacKey, f.path, pathSeparator)
	return c[:]
}

// getFileIV returns the file's data IV, reading and decrypting the header
// on first use. If the file has no header yet and allowCreate is set, a
// fresh random IV is generated and its encrypted header written. Without
// allowCreate, an empty file yields errFileEmpty and a file too small to
// hold a header yields a transient ReadError (another handle may be
// mid-way through writing the header; the shim retries).
func (f *File) getFileIV(allowCreate bool) (uint64, error) {
	if f.fileIvLoaded {
		return f.fileIv, nil
	}
	if !f.v.params.UniqueIV {
		// Reverse mode forces UniqueIV false at load/create time, so this
		// also covers the reverse case without a separate branch.
		f.fileIv = 0
		f.fileIvLoaded = true
		return 0, nil
	}

	size, err := f.h.Size()
	if err != nil {
		return 0, wrapReadError(f.path, err)
	}

	if size >= fileIvHeaderSize {
		raw := make([]byte, fileIvHeaderSize)
		if _, err := f.h.ReadAt(raw, 0); err != nil {
			return 0, wrapReadError(f.path, err)
		}
		plain, err := streamDecrypt(f.v.hmacKey, f.v.key, f.v.volumeIV, f.fileIvSeed(), raw)
		if err != nil {
			return 0, err
		}
		f.fileIv = bigEndian64(plain)
		f.fileIvLoaded = true
		return f.fileIv, nil
	}

	if !allowCreate {
		if size == 0 {
			return 0, errFileEmpty
		}
		return 0, wrapReadError(f.path, errors.New("partial file IV header"))
	}
	if f.readOnly {
		return 0, errIllegalState("cannot create file IV header on a read-only handle")
	}

	raw, err := randomBytes(fileIvHeaderSize)
	if err != nil {
		return 0, err
	}
	enc, err := streamEncrypt(f.v.hmacKey, f.v.key, f.v.volumeIV, f.fileIvSeed(), raw)
	if err != nil {
		return 0, err
	}
	if err := f.writeWithRetry(enc, 0); err != nil {
		return 0, err
	}
	if err := f.h.Sync(); err != nil {
		return 0, wrapWriteError(f.path, err)
	}
	f.fileIv = bigEndian64(raw)
	f.fileIvLoaded = true
	return f.fileIv, nil
}

// writeWithRetry makes up to maxWriteRetries attempts at a write, retrying
// after an error or a zero-byte or short write and pausing writeRetryDelay
// after each failed attempt: some network
// filesystems occasionally report a short write with no error on a
// momentary contention.
func (f *File) writeWithRetry(p []byte, off int64) error {
	var lastErr error
	for attempt := 0; attempt < maxWriteRetries; attempt++ {
		n, err := f.h.WriteAt(p, off)
		if err == nil && n == len(p) {
			return nil
		}
		lastErr = err
		if err == nil {
			lastErr = errors.New("short write")
		}
		time.Sleep(writeRetryDelay)
	}
	return wrapWriteError(f.path, lastErr)
}

// bodyOffset is where body blocks start on disk: past the file-IV header
// when uniqueIV is on, at zero otherwise (which includes reverse mode,
// since that forces uniqueIV off).
func (f *File) bodyOffset() int64 {
	if !f.v.params.UniqueIV {
		return 0
	}
	return fileIvHeaderSize
}

// readTolerated is true for read errors that simply mean the storage ran
// out before the requested range did; callers treat the bytes delivered so
// far as the result.
func readTolerated(err error) bool {
	return err == nil || err == io.EOF || err == io.ErrUnexpectedEOF
}

// Read fills buf with the plaintext bytes starting at off, returning the
// number of bytes read and io.EOF once it reaches the end of the file.
func (f *File) Read(buf []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.v.params.Reverse {
		return f.reverseRead(buf, off)
	}

	if off < 0 {
		return 0, errIllegalState("negative offset")
	}

	size, err := f.h.Size()
	if err != nil {
		return 0, wrapReadError(f.path, err)
	}
	decodedSize := f.v.ToDecodedSize(size)
	if off >= decodedSize {
		return 0, io.EOF
	}

	fileIv, err := f.getFileIV(false)
	if err != nil {
		if err == errFileEmpty {
			return 0, io.EOF
		}
		return 0, err
	}

	dataPerBlock := int64(f.v.params.DataPerBlock())
	blockSize := int64(f.v.params.BlockSize)
	headerSize := f.v.params.HeaderSize()

	want := int64(len(buf))
	if off+want > decodedSize {
		want = decodedSize - off
	}
	if want <= 0 {
		return 0, nil
	}

	firstBlock := off / dataPerBlock
	lastBlock := (off + want - 1) / dataPerBlock
	numBlocks := lastBlock - firstBlock + 1

	spanOff := f.bodyOffset() + firstBlock*blockSize
	spanEnd := f.bodyOffset() + (lastBlock+1)*blockSize
	if spanEnd > size {
		spanEnd = size
	}
	spanLen := spanEnd - spanOff
	if spanLen < 0 {
		spanLen = 0
	}
	span := make([]byte, spanLen)
	if spanLen > 0 {
		if _, err := f.h.ReadAt(span, spanOff); !readTolerated(err) {
			return 0, wrapReadError(f.path, err)
		}
	}

	decoded, err := runBlockJobs(f.v.params.Parallel, int(numBlocks), func(i int) func(int) ([]byte, error) {
		return func(idx int) ([]byte, error) {
			blockNum := firstBlock + int64(idx)
			blockStart := int64(idx) * blockSize
			blockEnd := blockStart + blockSize
			if blockEnd > spanLen {
				blockEnd = spanLen
			}
			if blockStart >= blockEnd {
				return nil, nil
			}
			return decodeBlock(f.v.hmacKey, f.v.key, f.v.volumeIV, uint64(blockNum), fileIv, span[blockStart:blockEnd], int(blockSize), headerSize)
		}
	})
	if err != nil {
		return 0, err
	}

	var total int
	for i, plain := range decoded {
		if len(plain) == 0 {
			break
		}
		blockOff := int64(0)
		if i == 0 {
			blockOff = off % dataPerBlock
		}
		if blockOff >= int64(len(plain)) {
			break
		}
		n := copy(buf[total:int(want)], plain[blockOff:])
		total += n
		if n == 0 {
			break
		}
	}

	if int64(total) < int64(len(buf)) {
		return total, io.EOF
	}
	return total, nil
}

// reverseRead serves the encrypted rendition of a plaintext backing file:
// reverse mode mounts an existing plaintext tree and presents the view a
// forward volume would have stored for it, so each blockSize-aligned run
// of plaintext bytes is encoded on the fly with fileIv 0 and no per-block
// MAC header (reverse mode forces blockMACBytes to zero, so plaintext and
// ciphertext offsets coincide).
func (f *File) reverseRead(buf []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errIllegalState("negative offset")
	}

	size, err := f.h.Size()
	if err != nil {
		return 0, wrapReadError(f.path, err)
	}
	if off >= size {
		return 0, io.EOF
	}

	blockSize := int64(f.v.params.BlockSize)
	headerSize := f.v.params.HeaderSize()

	want := int64(len(buf))
	if off+want > size {
		want = size - off
	}

	firstBlock := off / blockSize
	lastBlock := (off + want - 1) / blockSize

	var total int
	for blockNum := firstBlock; blockNum <= lastBlock; blockNum++ {
		blockStart := blockNum * blockSize
		blockEnd := blockStart + blockSize
		if blockEnd > size {
			blockEnd = size
		}
		plain := make([]byte, blockEnd-blockStart)
		if _, err := f.h.ReadAt(plain, blockStart); !readTolerated(err) {
			return total, wrapReadError(f.path, err)
		}
		encoded, err := encodeBlock(f.v.hmacKey, f.v.key, f.v.volumeIV, uint64(blockNum), 0, plain, int(blockSize), headerSize, f.v.params.AllowHoles)
		if err != nil {
			return total, err
		}
		blockOff := int64(0)
		if blockNum == firstBlock {
			blockOff = off % blockSize
		}
		n := copy(buf[total:int(want)], encoded[blockOff:])
		total += n
		if n == 0 {
			break
		}
	}

	if int64(total) < int64(len(buf)) {
		return total, io.EOF
	}
	return total, nil
}

// Write encrypts buf and stores it at plaintext offset off, performing a
// read-modify-write of any partial boundary block so that bytes outside
// [off, off+len(buf)) in a shared block are preserved.
func (f *File) Write(buf []byte, off int64) (int, error) {
	release := f.v.registry.acquire(f.path)
	defer release()

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.writeLocked(buf, off)
}

// writeLocked is Write's body, factored out so SetLength (which already
// holds both the registry entry and f.mu while growing a file) can reuse
// it without recursively acquiring either lock.
func (f *File) writeLocked(buf []byte, off int64) (int, error) {
	if f.readOnly {
		return 0, errIllegalState("write on read-only handle")
	}
	if off < 0 {
		return 0, errIllegalState("negative offset")
	}
	if f.v.params.Reverse {
		return 0, errIllegalState("write not supported in reverse mode")
	}

	fileIv, err := f.getFileIV(true)
	if err != nil {
		return 0, err
	}

	dataPerBlock := int64(f.v.params.DataPerBlock())
	blockSize := int64(f.v.params.BlockSize)
	headerSize := f.v.params.HeaderSize()

	size, err := f.h.Size()
	if err != nil {
		return 0, wrapReadError(f.path, err)
	}
	decodedSize := f.v.ToDecodedSize(size)

	// A write starting past the end of file first zero-fills the gap, so a
	// short tail block at the old end is re-encoded as a full block rather
	// than left in front of the new data.
	if off > decodedSize {
		if _, err := f.writeLocked(make([]byte, off-decodedSize), decodedSize); err != nil {
			return 0, err
		}
		decodedSize = off
	}

	// Fast path: a write that is itself an exact, block-aligned run of
	// full blocks never needs a read-modify-write, so every block's
	// encode is independent and can run across the worker pool. Anything
	// else (a partial leading/trailing block) falls through to the
	// sequential read-modify-write loop below, which is always correct.
	if off%dataPerBlock == 0 && int64(len(buf))%dataPerBlock == 0 && len(buf) > 0 {
		numBlocks := int64(len(buf)) / dataPerBlock
		if numBlocks >= int64(f.v.params.Parallel.MinBlocksForParallel) {
			startBlock := off / dataPerBlock
			results, err := runBlockJobs(f.v.params.Parallel, int(numBlocks), func(i int) func(int) ([]byte, error) {
				return func(idx int) ([]byte, error) {
					blockNum := startBlock + int64(idx)
					plain := buf[int64(idx)*dataPerBlock : (int64(idx)+1)*dataPerBlock]
					return encodeBlock(f.v.hmacKey, f.v.key, f.v.volumeIV, uint64(blockNum), fileIv, plain, int(blockSize), headerSize, f.v.params.AllowHoles)
				}
			})
			if err != nil {
				return 0, err
			}
			written := 0
			for i, encoded := range results {
				blockNum := startBlock + int64(i)
				encOff := f.bodyOffset() + blockNum*blockSize
				if err := f.writeWithRetry(encoded, encOff); err != nil {
					return written, err
				}
				written += int(dataPerBlock)
			}
			return written, nil
		}
	}

	total := 0
	for total < len(buf) {
		pos := off + int64(total)
		blockNum := pos / dataPerBlock
		blockOff := pos % dataPerBlock

		existing, err := f.readPlainBlock(blockNum, fileIv, decodedSize)
		if err != nil {
			return total, err
		}

		need := blockOff + int64(len(buf)-total)
		if need > dataPerBlock {
			need = dataPerBlock
		}
		if int64(len(existing)) < need {
			grown := make([]byte, need)
			copy(grown, existing)
			existing = grown
		}

		n := copy(existing[blockOff:need], buf[total:])
		total += n

		encoded, err := encodeBlock(f.v.hmacKey, f.v.key, f.v.volumeIV, uint64(blockNum), fileIv, existing, int(blockSize), headerSize, f.v.params.AllowHoles)
		if err != nil {
			return total, err
		}
		encOff := f.bodyOffset() + blockNum*blockSize
		if err := f.writeWithRetry(encoded, encOff); err != nil {
			return total, err
		}

		newDecodedEnd := blockNum*dataPerBlock + int64(len(existing))
		if newDecodedEnd > decodedSize {
			decodedSize = newDecodedEnd
		}
	}

	return total, nil
}

// readPlainBlock reads and decodes one body block, returning a zero-length
// slice if blockNum lies entirely past the current end of file.
func (f *File) readPlainBlock(blockNum int64, fileIv uint64, decodedSize int64) ([]byte, error) {
	dataPerBlock := int64(f.v.params.DataPerBlock())
	blockSize := int64(f.v.params.BlockSize)
	headerSize := f.v.params.HeaderSize()

	blockStart := blockNum * dataPerBlock
	if blockStart >= decodedSize {
		return nil, nil
	}

	encOff := f.bodyOffset() + blockNum*blockSize
	size, err := f.h.Size()
	if err != nil {
		return nil, wrapReadError(f.path, err)
	}
	encLen := blockSize
	if encOff+encLen > size {
		encLen = size - encOff
	}
	if encLen <= 0 {
		return nil, nil
	}

	encoded := make([]byte, encLen)
	if _, err := f.h.ReadAt(encoded, encOff); !readTolerated(err) {
		return nil, wrapReadError(f.path, err)
	}
	return decodeBlock(f.v.hmacKey, f.v.key, f.v.volumeIV, uint64(blockNum), fileIv, encoded, int(blockSize), headerSize)
}

// SetLength truncates or extends the file to size plaintext bytes,
// translating to the equivalent on-disk ciphertext length. A boundary
// block left partially filled by a shrink is re-encrypted as a short
// tail, since its old full-block ciphertext cannot simply be cut short;
// growth zero-fills through the write path so the new final block gets a
// correctly MAC'd tail.
func (f *File) SetLength(size int64) error {
	release := f.v.registry.acquire(f.path)
	defer release()

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.readOnly {
		return errIllegalState("truncate on read-only handle")
	}
	if size < 0 {
		return errIllegalState("negative size")
	}

	if f.v.params.Reverse {
		return errIllegalState("truncate not supported in reverse mode")
	}

	curSize, err := f.h.Size()
	if err != nil {
		return wrapReadError(f.path, err)
	}
	curDecoded := f.v.ToDecodedSize(curSize)

	if size == curDecoded {
		return nil
	}

	if size == 0 {
		if err := f.h.Truncate(0); err != nil {
			return wrapWriteError(f.path, err)
		}
		f.fileIvLoaded = false
		f.fileIv = 0
		return nil
	}

	fileIv, err := f.getFileIV(true)
	if err != nil {
		return err
	}

	if size > curDecoded {
		zeros := make([]byte, size-curDecoded)
		_, err = f.writeLocked(zeros, curDecoded)
		return err
	}

	// Shrinking. The block holding the new last byte must be re-encrypted
	// when it becomes a partial tail: its current ciphertext is a full CBC
	// block, and a prefix of that is not a valid stream-codec tail.
	dataPerBlock := int64(f.v.params.DataPerBlock())
	blockSize := int64(f.v.params.BlockSize)
	headerSize := f.v.params.HeaderSize()

	rem := size % dataPerBlock
	var saved []byte
	if rem != 0 {
		boundary := size / dataPerBlock
		plain, err := f.readPlainBlock(boundary, fileIv, curDecoded)
		if err != nil {
			return err
		}
		if int64(len(plain)) > rem {
			plain = plain[:rem]
		}
		saved = plain
	}

	if err := f.h.Truncate(toEncoded(size, f.v.params)); err != nil {
		return wrapWriteError(f.path, err)
	}

	if saved != nil {
		boundary := size / dataPerBlock
		encoded, err := encodeBlock(f.v.hmacKey, f.v.key, f.v.volumeIV, uint64(boundary), fileIv, saved, int(blockSize), headerSize, f.v.params.AllowHoles)
		if err != nil {
			return err
		}
		if err := f.writeWithRetry(encoded, f.bodyOffset()+boundary*blockSize); err != nil {
			return err
		}
	}
	return nil
}

// ChangeFileIv updates this handle's path to newPath after a rename,
// re-wrapping the file-IV header's encryption under the new path's chain
// IV when externalIVChaining is set. The plaintext file IV itself, and
// every body block (whose IV never depends on the path, only on blockNum
// XOR fileIv), are untouched: only the header's encryption changes.
func (f *File) ChangeFileIv(newPath string) error {
	release := f.v.registry.acquire(f.path)
	defer release()

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.readOnly {
		return errIllegalState("changeFileIv on read-only handle")
	}
	if f.v.params.Reverse {
		return errIllegalState("changeFileIv not supported in reverse mode")
	}

	if !f.v.params.ExternalIVChaining || !f.v.params.UniqueIV {
		// The header encryption doesn't depend on the path at all, so
		// there is nothing to re-wrap; just adopt the new path.
		f.path = newPath
		return nil
	}

	size, err := f.h.Size()
	if err != nil {
		return wrapReadError(f.path, err)
	}
	if size == 0 {
		// No header has ever been written under the old path; nothing to
		// re-wrap.
		f.path = newPath
		return nil
	}

	fileIv, err := f.getFileIV(true)
	if err != nil {
		return err
	}

	raw := make([]byte, fileIvHeaderSize)
	putBigEndian64(raw, fileIv)

	oldPath := f.path
	f.path = newPath
	enc, err := streamEncrypt(f.v.hmacKey, f.v.key, f.v.volumeIV, f.fileIvSeed(), raw)
	if err != nil {
		f.path = oldPath
		return err
	}
	if err := f.writeWithRetry(enc, 0); err != nil {
		f.path = oldPath
		return err
	}
	return nil
}

// Sync flushes the underlying storage handle.
func (f *File) Sync() error {
	return f.h.Sync()
}
