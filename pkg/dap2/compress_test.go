package dap2

import (
	"bytes"
	"errors"
	"testing"
)

func TestPackUnpack(t *testing.T) {
	t.Parallel()
	payload := bytes.Repeat([]byte("the lights in the living room are now on. "), 64)

	packed, flags := Pack(payload, 256)
	if !flags.Has(FlagCompressed) {
		t.Fatal("expected compressible payload to be compressed")
	}
	if len(packed) >= len(payload) {
		t.Errorf("packed %d bytes, original %d", len(packed), len(payload))
	}

	got, err := Unpack(Frame{Type: TypeResponse, Flags: flags, Payload: packed}, len(payload))
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("unpacked payload differs")
	}
}

func TestPack_BelowThreshold(t *testing.T) {
	t.Parallel()
	payload := []byte("short")
	out, flags := Pack(payload, 256)
	if flags != 0 || !bytes.Equal(out, payload) {
		t.Errorf("short payload altered: flags=%v", flags)
	}
	if _, flags := Pack(bytes.Repeat([]byte{'a'}, 1024), 0); flags != 0 {
		t.Error("threshold 0 must disable compression")
	}
}

func TestUnpack_Errors(t *testing.T) {
	t.Parallel()
	if _, err := Unpack(Frame{Type: TypeResponse, Flags: FlagCompressed, Payload: []byte("not zstd")}, 1024); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("garbage: err = %v, want ErrInvalidPayload", err)
	}

	packed, flags := Pack(bytes.Repeat([]byte{'z'}, 4096), 16)
	if _, err := Unpack(Frame{Type: TypeResponse, Flags: flags, Payload: packed}, 100); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("bomb: err = %v, want ErrInvalidPayload", err)
	}
}
