package allocator

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRecordRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
	}{
		{"small", Record{ID: 1, Status: StatusLive, Vector: []float32{1, 2, 3, 4}, Metadata: []byte("hi")}},
		{"empty metadata", Record{ID: 2, Status: StatusLive, Vector: []float32{0, 0, 0, 0}, Metadata: []byte{}}},
		{"tombstone", Record{ID: 3, Status: StatusTombstone, Vector: []float32{1, 1, 1, 1}, Metadata: []byte("x")}},
		{"negative and fractional", Record{ID: 4, Status: StatusLive, Vector: []float32{-1.5, 0.25, -0.0, 3.14159}, Metadata: nil}},
	}

	width := int(SlotWidth(4, 4096))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := EncodeRecord(tt.rec, width)
			if err != nil {
				t.Fatal(err)
			}

			got, err := DecodeRecord(buf, 4)
			if err != nil {
				t.Fatal(err)
			}

			if got.ID != tt.rec.ID || got.Status != tt.rec.Status {
				t.Fatalf("header mismatch: got %+v, want %+v", got, tt.rec)
			}
			for i := range tt.rec.Vector {
				if got.Vector[i] != tt.rec.Vector[i] {
					t.Fatalf("vector mismatch at %d: %v != %v", i, got.Vector, tt.rec.Vector)
				}
			}
			if !bytes.Equal(got.Metadata, tt.rec.Metadata) {
				t.Fatalf("metadata mismatch: %q != %q", got.Metadata, tt.rec.Metadata)
			}
		})
	}
}

func TestDecodeRecordRejectsBadMagic(t *testing.T) {
	width := int(SlotWidth(4, 4096))
	buf, err := EncodeRecord(Record{ID: 1, Status: StatusLive, Vector: []float32{1, 2, 3, 4}}, width)
	if err != nil {
		t.Fatal(err)
	}

	buf[0] ^= 0xFF

	if _, err := DecodeRecord(buf, 4); err == nil {
		t.Fatal("expected corrupt record error for bad magic")
	}
}

func TestEncodeRecordRejectsOversizeMetadata(t *testing.T) {
	width := int(SlotWidth(4, 16)) // tiny slot
	big := bytes.Repeat([]byte("x"), 4096)

	if _, err := EncodeRecord(Record{ID: 1, Status: StatusLive, Vector: []float32{1, 2, 3, 4}, Metadata: big}, width); err == nil {
		t.Fatal("expected error for metadata exceeding slot width")
	}
}

func TestSlotWidthIsMultipleOf512(t *testing.T) {
	for _, d := range []int{1, 8, 128, 768, 1536} {
		width := SlotWidth(d, 4096)
		if width%512 != 0 {
			t.Fatalf("dimension %d: expected multiple of 512, got %d", d, width)
		}
	}
}

func TestDeletePreservesUnderlyingVectorBytes(t *testing.T) {
	width := int(SlotWidth(4, 4096))
	vec := []float32{1, 2, 3, 4}

	buf, err := EncodeRecord(Record{ID: 5, Status: StatusLive, Vector: vec, Metadata: []byte("meta")}, width)
	if err != nil {
		t.Fatal(err)
	}

	buf[StatusOffset()] = byte(StatusTombstone)

	rec, err := DecodeRecord(buf, 4)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusTombstone {
		t.Fatalf("expected tombstone status, got %v", rec.Status)
	}
	for i := range vec {
		if rec.Vector[i] != vec[i] {
			t.Fatalf("expected vector bytes retained for diagnostic recovery, got %v", rec.Vector)
		}
	}
}
