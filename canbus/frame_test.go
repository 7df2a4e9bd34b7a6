package canbus

import (
	"bytes"
	"testing"
)

func TestFrame_Validate_Marshal_Unmarshal_String(t *testing.T) {
	cases := []struct {
		name    string
		frame   Frame
		wantStr string
	}{
		{
			name:    "standard frame with data",
			frame:   MustFrame(0x123, []byte{0xDE, 0xAD}),
			wantStr: "123 [2] DE AD",
		},
		{
			name:    "extended RTR, zero length",
			frame:   Frame{ID: 0x1ABCDEFF, Extended: true, RTR: true, Len: 0},
			wantStr: "1ABCDEFF [0] RTR",
		},
		{
			name:    "thingset response",
			frame:   MustFrame(0x1EDA010A, []byte{0x01, 0x84}),
			wantStr: "1EDA010A [2] 01 84",
		},
	}

	for _, tc := range cases {
		if err := tc.frame.Validate(); err != nil {
			t.Fatalf("%s: Validate() error = %v", tc.name, err)
		}
		b, err := tc.frame.MarshalBinary()
		if err != nil {
			t.Fatalf("%s: MarshalBinary() error = %v", tc.name, err)
		}
		if len(b) != FrameSize {
			t.Fatalf("%s: MarshalBinary() len = %d", tc.name, len(b))
		}
		var g Frame
		if err := g.UnmarshalBinary(b); err != nil {
			t.Fatalf("%s: UnmarshalBinary() error = %v", tc.name, err)
		}
		if g != tc.frame {
			t.Fatalf("%s: roundtrip mismatch: got %+v want %+v", tc.name, g, tc.frame)
		}
		if got := g.String(); got != tc.wantStr {
			t.Fatalf("%s: String() = %q, want %q", tc.name, got, tc.wantStr)
		}
	}

	if err := (Frame{ID: 0x800}).Validate(); err != ErrInvalidID {
		t.Fatalf("expected invalid standard ID, got %v", err)
	}
	if err := (Frame{ID: 0x20000000, Extended: true}).Validate(); err != ErrInvalidID {
		t.Fatalf("expected invalid extended ID, got %v", err)
	}
	if err := (Frame{ID: 0x1, Len: 9}).Validate(); err != ErrInvalidLen {
		t.Fatalf("expected invalid length, got %v", err)
	}
	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatalf("MustFrame should panic for len>8")
			}
		}()
		_ = MustFrame(0x123, make([]byte, 9))
	}()
}

func TestFrameBinaryLayout(t *testing.T) {
	f, err := NewExtended(0x1EDA0A01, []byte{0x02, 0x01, 0x02})
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{
		0x01, 0x0A, 0xDA, 0x9E, // id | EFF flag, little-endian
		0x03, 0, 0, 0,
		0x02, 0x01, 0x02, 0, 0, 0, 0, 0,
	}
	if !bytes.Equal(b, want) {
		t.Fatalf("layout mismatch:\n got %x\nwant %x", b, want)
	}
	if !bytes.Equal(f.Payload(), []byte{0x02, 0x01, 0x02}) {
		t.Fatalf("payload: %x", f.Payload())
	}
	if err := new(Frame).UnmarshalBinary(b[:10]); err == nil {
		t.Fatalf("expected short buffer error")
	}
}

func TestNewExtendedRejectsInvalid(t *testing.T) {
	if _, err := NewExtended(0x1, make([]byte, 9)); err != ErrInvalidLen {
		t.Fatalf("len: got %v", err)
	}
	if _, err := NewExtended(0x20000000, nil); err != ErrInvalidID {
		t.Fatalf("id: got %v", err)
	}
}

func TestFilters_Basics(t *testing.T) {
	f1 := MustFrame(0x100, []byte{1})
	f2 := MustFrame(0x101, []byte{2})
	f3 := Frame{ID: 0x1ABCDEFF, Extended: true, Len: 0}

	if !ByID(0x100)(f1) || ByID(0x100)(f2) {
		t.Fatalf("ByID failure")
	}
	if !ByMask(0x100, 0x7FF)(f1) || ByMask(0x100, 0x7FF)(f2) {
		t.Fatalf("ByMask failure")
	}
	if !ExtendedOnly()(f3) || ExtendedOnly()(f1) {
		t.Fatalf("ExtendedOnly failure")
	}
	rtr := f1
	rtr.RTR = true
	if !DataOnly()(f1) || DataOnly()(rtr) {
		t.Fatalf("DataOnly failure")
	}
	if !And(ByID(0x100), DataOnly())(f1) || And(ByID(0x100), DataOnly())(rtr) {
		t.Fatalf("And failure")
	}
	if And(nil, ByID(0x100)) == nil || !And(nil, ByID(0x100))(f1) {
		t.Fatalf("And nil failure")
	}
	if !Or(ByID(0x100), ByID(0x999))(f1) || Or(ByID(0x999), ByID(0x998))(f1) {
		t.Fatalf("Or failure")
	}
	if Not(ByID(0x100))(f1) || !Not(ByID(0x999))(f1) {
		t.Fatalf("Not failure")
	}
}
