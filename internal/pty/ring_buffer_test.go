package pty

import (
	"bytes"
	"testing"
)

func TestRingBufferBasicWrite(t *testing.T) {
	rb := NewRingBuffer(16)
	rb.Write([]byte("hello"))
	if got := rb.Bytes(); !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("Bytes() = %q", got)
	}
	if rb.Len() != 5 {
		t.Fatalf("Len() = %d", rb.Len())
	}
}

func TestRingBufferWraps(t *testing.T) {
	rb := NewRingBuffer(8)
	rb.Write([]byte("abcdef"))
	rb.Write([]byte("ghij")) // pushes "ab" out

	want := []byte("cdefghij")
	if got := rb.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("Bytes() = %q, want %q", got, want)
	}
	if rb.Len() != 8 {
		t.Fatalf("Len() = %d, want 8", rb.Len())
	}
}

func TestRingBufferOversizedWrite(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Write([]byte("0123456789"))
	if got := rb.Bytes(); !bytes.Equal(got, []byte("6789")) {
		t.Fatalf("Bytes() = %q, want 6789", got)
	}
}

func TestRingBufferManySmallWrites(t *testing.T) {
	rb := NewRingBuffer(10)
	for i := 0; i < 26; i++ {
		rb.Write([]byte{byte('a' + i)})
	}
	if got := rb.Bytes(); !bytes.Equal(got, []byte("qrstuvwxyz")) {
		t.Fatalf("Bytes() = %q", got)
	}
}

func TestRingBufferReset(t *testing.T) {
	rb := NewRingBuffer(8)
	rb.Write([]byte("data"))
	rb.Reset()
	if rb.Len() != 0 || rb.Bytes() != nil {
		t.Fatalf("buffer not empty after reset: %q", rb.Bytes())
	}
	rb.Write([]byte("new"))
	if got := rb.Bytes(); !bytes.Equal(got, []byte("new")) {
		t.Fatalf("Bytes() = %q", got)
	}
}
