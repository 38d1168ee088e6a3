package encfs

import (
	"bytes"
	"io"
	"testing"
)

func TestWriteOneByteOnDiskLayout(t *testing.T) {
	p := newTestParams(false, false)
	v := newTestVolume(t, p)
	h := newMemHandle(t, "/data.bin")

	f := v.OpenFile("/docs/a.txt", h, false)
	if n, err := f.Write([]byte{0x41}, 0); err != nil || n != 1 {
		t.Fatalf("Write = %d, %v", n, err)
	}

	// 8-byte file-IV header, 8-byte block MAC, 1 payload byte.
	size, err := h.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 17 {
		t.Fatalf("on-disk size = %d, want 17", size)
	}
	if size != v.ToEncodedSize(1) {
		t.Fatalf("on-disk size %d disagrees with ToEncodedSize(1) = %d", size, v.ToEncodedSize(1))
	}

	// A fresh handle over the same storage reads it back.
	f2 := v.OpenFile("/docs/a.txt", h, true)
	buf := make([]byte, 2)
	n, err := f2.Read(buf, 0)
	if n != 1 || (err != nil && err != io.EOF) {
		t.Fatalf("Read = %d, %v; want 1 byte", n, err)
	}
	if buf[0] != 0x41 {
		t.Fatalf("read back 0x%02x, want 0x41", buf[0])
	}
}

func TestTamperedBlockSurfacesInvalidBlock(t *testing.T) {
	p := newTestParams(false, false)
	v := newTestVolume(t, p)
	h := newMemHandle(t, "/data.bin")

	f := v.OpenFile("/a.txt", h, false)
	if _, err := f.Write([]byte{0x41}, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Flip one bit inside the tail block's MAC prefix (bytes 8..16 on
	// disk, right after the file-IV header).
	b := make([]byte, 1)
	if _, err := h.ReadAt(b, 9); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	b[0] ^= 0x01
	if _, err := h.WriteAt(b, 9); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	f2 := v.OpenFile("/a.txt", h, true)
	if _, err := f2.Read(make([]byte, 1), 0); !IsInvalidBlock(err) {
		t.Fatalf("Read of tampered block: got %v, want InvalidBlock", err)
	}
}

func TestWriteAcrossBlockBoundary(t *testing.T) {
	p := newTestParams(false, false)
	v := newTestVolume(t, p)
	h := newMemHandle(t, "/data.bin")
	dpb := int64(p.DataPerBlock())

	f := v.OpenFile("/a.bin", h, false)
	payload := bytes.Repeat([]byte{0xFF}, int(dpb)+5)
	off := dpb - 3
	if n, err := f.Write(payload, off); err != nil || n != len(payload) {
		t.Fatalf("Write = %d, %v", n, err)
	}

	// Bytes before the write are zeros.
	head := make([]byte, off)
	if n, err := f.Read(head, 0); int64(n) != off || (err != nil && err != io.EOF) {
		t.Fatalf("Read head = %d, %v", n, err)
	}
	if !isAllZero(head) {
		t.Fatal("bytes before the written range must read as zeros")
	}

	// The written range reads back as 0xFF.
	body := make([]byte, len(payload))
	if n, err := f.Read(body, off); n != len(payload) || (err != nil && err != io.EOF) {
		t.Fatalf("Read body = %d, %v", n, err)
	}
	for i, b := range body {
		if b != 0xFF {
			t.Fatalf("body[%d] = 0x%02x, want 0xFF", i, b)
		}
	}

	// Reading past EOF returns no bytes.
	if n, err := f.Read(make([]byte, 10), off+int64(len(payload))); n != 0 || err != io.EOF {
		t.Fatalf("Read past EOF = %d, %v; want 0, EOF", n, err)
	}
}

func TestReadSpanningManyBlocks(t *testing.T) {
	p := newTestParams(false, false)
	v := newTestVolume(t, p)
	h := newMemHandle(t, "/data.bin")
	dpb := p.DataPerBlock()

	f := v.OpenFile("/a.bin", h, false)
	payload := patternBytes(5*dpb + 123)
	if _, err := f.Write(payload, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Whole-file read, and an unaligned interior slice.
	got := make([]byte, len(payload))
	if n, err := f.Read(got, 0); n != len(payload) || (err != nil && err != io.EOF) {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("whole-file read mismatch")
	}

	slice := make([]byte, 2*dpb)
	sliceOff := int64(dpb/2 + 7)
	if n, err := f.Read(slice, sliceOff); n != len(slice) || err != nil {
		t.Fatalf("interior Read = %d, %v", n, err)
	}
	if !bytes.Equal(slice, payload[sliceOff:sliceOff+int64(len(slice))]) {
		t.Fatal("interior slice mismatch")
	}
}

func TestParallelAndSequentialAgree(t *testing.T) {
	p := newTestParams(false, false)
	p.Parallel.MinBlocksForParallel = 2
	v := newTestVolume(t, p)
	h := newMemHandle(t, "/data.bin")
	dpb := p.DataPerBlock()

	f := v.OpenFile("/a.bin", h, false)
	payload := patternBytes(8 * dpb) // aligned: takes the parallel encode path
	if n, err := f.Write(payload, 0); err != nil || n != len(payload) {
		t.Fatalf("Write = %d, %v", n, err)
	}

	// Read back through a sequential-only volume sharing the same key
	// material; the parallel path must be byte-invisible.
	seq := newTestParams(false, false)
	seq.Parallel.MinBlocksForParallel = 1 << 30
	vs := newTestVolume(t, seq)
	fs := vs.OpenFile("/a.bin", h, true)
	got := make([]byte, len(payload))
	if n, err := fs.Read(got, 0); n != len(payload) || (err != nil && err != io.EOF) {
		t.Fatalf("sequential Read = %d, %v", n, err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("parallel write / sequential read mismatch")
	}
}

func TestSetLengthExtendReadsZeros(t *testing.T) {
	p := newTestParams(false, false)
	v := newTestVolume(t, p)
	h := newMemHandle(t, "/data.bin")

	f := v.OpenFile("/a.bin", h, false)
	const L = 3000
	if err := f.SetLength(L); err != nil {
		t.Fatalf("SetLength: %v", err)
	}

	got := make([]byte, L)
	if n, err := f.Read(got, 0); n != L || (err != nil && err != io.EOF) {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if !isAllZero(got) {
		t.Fatal("extension must read back as zeros")
	}

	size, _ := h.Size()
	if size != v.ToEncodedSize(L) {
		t.Fatalf("on-disk size %d, want %d", size, v.ToEncodedSize(L))
	}
}

func TestSetLengthShrinkReencodesBoundary(t *testing.T) {
	p := newTestParams(false, false)
	v := newTestVolume(t, p)
	h := newMemHandle(t, "/data.bin")
	dpb := p.DataPerBlock()

	f := v.OpenFile("/a.bin", h, false)
	payload := patternBytes(2*dpb + 300)
	if _, err := f.Write(payload, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Shrink to mid-block: the boundary block becomes a short tail and
	// must be re-encrypted, not just cut.
	newLen := int64(dpb + 500)
	if err := f.SetLength(newLen); err != nil {
		t.Fatalf("SetLength: %v", err)
	}
	size, _ := h.Size()
	if size != v.ToEncodedSize(newLen) {
		t.Fatalf("on-disk size %d, want %d", size, v.ToEncodedSize(newLen))
	}

	got := make([]byte, newLen)
	if n, err := f.Read(got, 0); int64(n) != newLen || (err != nil && err != io.EOF) {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if !bytes.Equal(got, payload[:newLen]) {
		t.Fatal("shrunk file content mismatch")
	}

	// Shrinking to an exact block boundary leaves a full CBC block.
	if err := f.SetLength(int64(dpb)); err != nil {
		t.Fatalf("SetLength to boundary: %v", err)
	}
	got = make([]byte, dpb)
	if n, err := f.Read(got, 0); n != dpb || (err != nil && err != io.EOF) {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if !bytes.Equal(got, payload[:dpb]) {
		t.Fatal("block-aligned shrink content mismatch")
	}
}

func TestSetLengthZeroResetsFileIv(t *testing.T) {
	p := newTestParams(false, false)
	v := newTestVolume(t, p)
	h := newMemHandle(t, "/data.bin")

	f := v.OpenFile("/a.bin", h, false)
	if _, err := f.Write([]byte("some content"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	ivBefore := f.fileIv

	if err := f.SetLength(0); err != nil {
		t.Fatalf("SetLength(0): %v", err)
	}
	size, _ := h.Size()
	if size != 0 {
		t.Fatalf("truncate to zero left %d bytes on disk", size)
	}
	if n, err := f.Read(make([]byte, 4), 0); n != 0 || err != io.EOF {
		t.Fatalf("Read after truncate = %d, %v; want 0, EOF", n, err)
	}

	// Writing again mints a fresh header; with overwhelming probability a
	// different IV.
	if _, err := f.Write([]byte("new content"), 0); err != nil {
		t.Fatalf("Write after truncate: %v", err)
	}
	if !f.fileIvLoaded {
		t.Fatal("file IV should be re-established by the write")
	}
	if f.fileIv == ivBefore {
		t.Fatal("truncate to zero must discard the cached file IV")
	}

	got := make([]byte, 11)
	if n, err := f.Read(got, 0); n != 11 || (err != nil && err != io.EOF) {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if string(got) != "new content" {
		t.Fatalf("read back %q", got)
	}
}

func TestSetLengthSameSizeIsNoop(t *testing.T) {
	p := newTestParams(false, false)
	v := newTestVolume(t, p)
	h := newMemHandle(t, "/data.bin")

	f := v.OpenFile("/a.bin", h, false)
	if _, err := f.Write([]byte("hello"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	before, _ := h.Size()
	if err := f.SetLength(5); err != nil {
		t.Fatalf("SetLength: %v", err)
	}
	after, _ := h.Size()
	if before != after {
		t.Fatalf("same-size SetLength changed on-disk size %d -> %d", before, after)
	}
}

func TestChangeFileIvPreservesContent(t *testing.T) {
	p := newTestParams(true, true) // externalIVChaining on
	v := newTestVolume(t, p)
	h := newMemHandle(t, "/data.bin")

	f := v.OpenFile("/docs/old.txt", h, false)
	payload := patternBytes(2500)
	if _, err := f.Write(payload, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := f.ChangeFileIv("/docs/new.txt"); err != nil {
		t.Fatalf("ChangeFileIv: %v", err)
	}

	// A fresh handle under the new path reads the same plaintext.
	f2 := v.OpenFile("/docs/new.txt", h, true)
	got := make([]byte, len(payload))
	if n, err := f2.Read(got, 0); n != len(payload) || (err != nil && err != io.EOF) {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("content changed across ChangeFileIv")
	}

	// The old path no longer decrypts the header to the right IV, so a
	// read through it must fail verification somewhere.
	f3 := v.OpenFile("/docs/old.txt", h, true)
	bad := make([]byte, len(payload))
	if _, err := f3.Read(bad, 0); err == nil && bytes.Equal(bad, payload) {
		t.Fatal("old path still decrypts after ChangeFileIv")
	}
}

func TestChangeFileIvWithoutExternalChainingJustRenames(t *testing.T) {
	p := newTestParams(false, false)
	v := newTestVolume(t, p)
	h := newMemHandle(t, "/data.bin")

	f := v.OpenFile("/a.txt", h, false)
	if _, err := f.Write([]byte("stable"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	before, _ := h.Size()
	if err := f.ChangeFileIv("/b.txt"); err != nil {
		t.Fatalf("ChangeFileIv: %v", err)
	}
	after, _ := h.Size()
	if before != after {
		t.Fatal("ChangeFileIv without external chaining must not touch storage")
	}
	if f.path != "/b.txt" {
		t.Fatalf("path = %q, want /b.txt", f.path)
	}
}

func TestReadOnlyHandleRejectsMutation(t *testing.T) {
	p := newTestParams(false, false)
	v := newTestVolume(t, p)
	h := newMemHandle(t, "/data.bin")

	f := v.OpenFile("/a.txt", h, true)
	if _, err := f.Write([]byte("x"), 0); !IsIllegalState(err) {
		t.Fatalf("Write on read-only handle: got %v, want IllegalState", err)
	}
	if err := f.SetLength(10); !IsIllegalState(err) {
		t.Fatalf("SetLength on read-only handle: got %v, want IllegalState", err)
	}
}

func TestReadEmptyFile(t *testing.T) {
	p := newTestParams(false, false)
	v := newTestVolume(t, p)
	h := newMemHandle(t, "/data.bin")

	f := v.OpenFile("/a.txt", h, true)
	if n, err := f.Read(make([]byte, 16), 0); n != 0 || err != io.EOF {
		t.Fatalf("Read of empty file = %d, %v; want 0, EOF", n, err)
	}
}

func TestSparseFileUsesHoles(t *testing.T) {
	p := newTestParams(false, false)
	v := newTestVolume(t, p)
	h := newMemHandle(t, "/data.bin")
	dpb := int64(p.DataPerBlock())

	f := v.OpenFile("/a.bin", h, false)
	// Extend across several blocks of zeros, then write one real byte at
	// the end; the interior zero blocks are stored as ciphertext holes.
	if err := f.SetLength(4 * dpb); err != nil {
		t.Fatalf("SetLength: %v", err)
	}
	if _, err := f.Write([]byte{0xAA}, 4*dpb); err != nil {
		t.Fatalf("Write: %v", err)
	}

	block := make([]byte, p.BlockSize)
	if _, err := h.ReadAt(block, int64(fileIvHeaderSize)+int64(p.BlockSize)); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !isAllZero(block) {
		t.Fatal("an all-zero interior block should be stored as a hole")
	}

	got := make([]byte, 4*dpb+1)
	if n, err := f.Read(got, 0); int64(n) != 4*dpb+1 || (err != nil && err != io.EOF) {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if !isAllZero(got[:4*dpb]) || got[4*dpb] != 0xAA {
		t.Fatal("sparse read back mismatch")
	}
}

func TestReverseReadProducesDecodableCiphertext(t *testing.T) {
	p := newTestParams(false, false)
	p.Reverse = true
	p.UniqueIV = false
	p.BlockMACBytes = 0
	v := newTestVolume(t, p)
	h := newMemHandle(t, "/plain.txt")

	// Seed the backing store with plaintext, the way reverse mode finds
	// files on disk.
	plain := patternBytes(2*p.BlockSize + 37)
	if _, err := h.WriteAt(plain, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	f := v.OpenFile("/plain.txt", h, true)
	cipherView := make([]byte, len(plain))
	if n, err := f.Read(cipherView, 0); n != len(plain) || (err != nil && err != io.EOF) {
		t.Fatalf("reverse Read = %d, %v", n, err)
	}
	if bytes.Equal(cipherView, plain) {
		t.Fatal("reverse read returned plaintext")
	}

	// The view is exactly what a forward volume would store: each block
	// decodes with fileIv 0 and no MAC header.
	for i := 0; i*p.BlockSize < len(plain); i++ {
		start := i * p.BlockSize
		end := start + p.BlockSize
		if end > len(plain) {
			end = len(plain)
		}
		decoded, err := decodeBlock(v.hmacKey, v.key, v.volumeIV, uint64(i), 0, cipherView[start:end], p.BlockSize, 0)
		if err != nil {
			t.Fatalf("decode block %d of reverse view: %v", i, err)
		}
		if !bytes.Equal(decoded, plain[start:end]) {
			t.Fatalf("reverse view block %d does not decode to the plaintext", i)
		}
	}
}

func TestReverseModeRejectsWrites(t *testing.T) {
	p := newTestParams(false, false)
	p.Reverse = true
	p.UniqueIV = false
	p.BlockMACBytes = 0
	v := newTestVolume(t, p)
	h := newMemHandle(t, "/plain.txt")

	f := v.OpenFile("/plain.txt", h, false)
	if _, err := f.Write([]byte("x"), 0); !IsIllegalState(err) {
		t.Fatalf("reverse write: got %v, want IllegalState", err)
	}
	if err := f.SetLength(10); !IsIllegalState(err) {
		t.Fatalf("reverse truncate: got %v, want IllegalState", err)
	}
}
