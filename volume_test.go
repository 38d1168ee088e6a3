package encfs

import (
	"sync"
	"testing"
)

func TestVolumeCloseWipesKeyMaterial(t *testing.T) {
	vol, _, err := Create(ModeStandard, []byte("pw"), false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	vol.Close()
	if !isAllZero(vol.key) || !isAllZero(vol.volumeIV) {
		t.Fatal("Close must wipe the volume key and IV")
	}
}

func TestWithDirMoveSerializes(t *testing.T) {
	v := newTestVolume(t, newTestParams(false, false))

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = v.WithDirMove(func() error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()
	if counter != 30 {
		t.Fatalf("counter = %d, want 30; dir moves were not serialized", counter)
	}
}

func TestVolumeSizeMappingEntryPoints(t *testing.T) {
	v := newTestVolume(t, newTestParams(false, false))
	for _, n := range []int64{0, 1, 1015, 1016, 1017, 5000} {
		if got := v.ToDecodedSize(v.ToEncodedSize(n)); got != n {
			t.Fatalf("ToDecodedSize(ToEncodedSize(%d)) = %d", n, got)
		}
	}
}
