package encfs

import (
	"bytes"
	"testing"
)

func TestOSHandleRoundTrip(t *testing.T) {
	h := newMemHandle(t, "/backend.bin")

	payload := patternBytes(3000)
	if n, err := h.WriteAt(payload, 0); err != nil || n != len(payload) {
		t.Fatalf("WriteAt = %d, %v", n, err)
	}
	size, err := h.Size()
	if err != nil || size != int64(len(payload)) {
		t.Fatalf("Size = %d, %v", size, err)
	}

	got := make([]byte, 500)
	if _, err := h.ReadAt(got, 1234); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload[1234:1734]) {
		t.Fatal("positioned read mismatch")
	}

	// Overwrite an interior range and confirm surrounding bytes survive.
	if _, err := h.WriteAt(bytes.Repeat([]byte{0xEE}, 10), 100); err != nil {
		t.Fatalf("WriteAt interior: %v", err)
	}
	check := make([]byte, 12)
	if _, err := h.ReadAt(check, 99); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if check[0] != payload[99] || check[11] != payload[110] {
		t.Fatal("overwrite damaged neighbouring bytes")
	}
	for _, b := range check[1:11] {
		if b != 0xEE {
			t.Fatal("interior overwrite not visible")
		}
	}

	if err := h.Truncate(1000); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if size, _ := h.Size(); size != 1000 {
		t.Fatalf("size after truncate = %d, want 1000", size)
	}

	if err := h.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
