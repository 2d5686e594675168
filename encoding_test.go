package mtproto

import "testing"

func TestEncodeDecodeLong(t *testing.T) {
	e := NewEncodeBuf(8)
	e.Long(-1234567890123)
	d := NewDecodeBuf(e.Bytes())
	got := d.Long()
	if d.err != nil {
		t.Fatalf("unexpected error: %v", d.err)
	}
	if got != -1234567890123 {
		t.Fatalf("got %d, want -1234567890123", got)
	}
}

func TestEncodeDecodeStringBytesShort(t *testing.T) {
	in := []byte("hello mtproto")
	e := NewEncodeBuf(32)
	e.StringBytes(in)
	e.UInt(0xdeadbeef) // sentinel after padding, catches off-by-one padding bugs
	d := NewDecodeBuf(e.Bytes())
	got := d.StringBytes()
	if d.err != nil {
		t.Fatalf("unexpected error: %v", d.err)
	}
	if string(got) != string(in) {
		t.Fatalf("got %q, want %q", got, in)
	}
	if next := d.UInt(); next != 0xdeadbeef {
		t.Fatalf("padding misaligned: next word 0x%x", next)
	}
}

func TestEncodeDecodeStringBytesLong(t *testing.T) {
	in := make([]byte, 1000)
	for i := range in {
		in[i] = byte(i)
	}
	e := NewEncodeBuf(1100)
	e.StringBytes(in)
	e.UInt(0xcafebabe)
	d := NewDecodeBuf(e.Bytes())
	got := d.StringBytes()
	if d.err != nil {
		t.Fatalf("unexpected error: %v", d.err)
	}
	if len(got) != len(in) {
		t.Fatalf("got len %d, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Fatalf("byte %d: got %d, want %d", i, got[i], in[i])
		}
	}
	if next := d.UInt(); next != 0xcafebabe {
		t.Fatalf("padding misaligned: next word 0x%x", next)
	}
}

func TestEncodeDecodeVectorLong(t *testing.T) {
	in := []int64{1, 2, 3, -4, 5}
	e := NewEncodeBuf(64)
	e.VectorLong(in)
	d := NewDecodeBuf(e.Bytes())
	got := d.VectorLong()
	if d.err != nil {
		t.Fatalf("unexpected error: %v", d.err)
	}
	if len(got) != len(in) {
		t.Fatalf("got %v, want %v", got, in)
	}
	for i := range in {
		if got[i] != in[i] {
			t.Fatalf("index %d: got %d, want %d", i, got[i], in[i])
		}
	}
}

func TestEncodeDecodeBool(t *testing.T) {
	e := NewEncodeBuf(8)
	e.Bool(true)
	e.Bool(false)
	d := NewDecodeBuf(e.Bytes())
	if !d.Bool() {
		t.Fatal("expected true")
	}
	if d.Bool() {
		t.Fatal("expected false")
	}
}

func TestDecodeBufShortBufferSetsErr(t *testing.T) {
	d := NewDecodeBuf([]byte{1, 2, 3})
	_ = d.Long()
	if d.err == nil {
		t.Fatal("expected error decoding Long from a 3-byte buffer")
	}
	// Once err is set, further calls must be no-ops rather than panic.
	_ = d.Int()
	_ = d.Bytes(10)
	_ = d.StringBytes()
}

func TestRemainingAfterPartialDecode(t *testing.T) {
	e := NewEncodeBuf(16)
	e.Int(1)
	e.Raw([]byte("tail"))
	d := NewDecodeBuf(e.Bytes())
	_ = d.Int()
	if string(d.Remaining()) != "tail" {
		t.Fatalf("got %q, want %q", d.Remaining(), "tail")
	}
}
