package wire

import (
	"bufio"
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := [][]byte{[]byte("Publish"), []byte("orders.created"), []byte("payload")}

	if err := WriteFrame(&buf, want...); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d parts, got %d", len(want), len(got))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("part %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestWriteReadEmptyParts(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte(""), []byte("x")); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if len(got[0]) != 0 {
		t.Errorf("expected an empty first part, got %q", got[0])
	}
	if string(got[1]) != "x" {
		t.Errorf("expected second part %q, got %q", "x", got[1])
	}
}

func TestWriteFrameRejectsTooManyParts(t *testing.T) {
	parts := make([][]byte, MaxParts+1)
	for i := range parts {
		parts[i] = []byte("x")
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, parts...); err == nil {
		t.Fatal("expected WriteFrame to reject a frame exceeding MaxParts")
	}
}

func TestReadFrameRejectsDeclaredPartCountOverLimit(t *testing.T) {
	var buf bytes.Buffer
	header := []byte{0, 0, 0, 0}
	// Declare far more parts than MaxParts without writing any of them.
	header[3] = 255
	header[2] = 255
	buf.Write(header)

	if _, err := ReadFrame(bufio.NewReader(&buf)); err == nil {
		t.Fatal("expected ReadFrame to reject an oversized declared part count")
	}
}

func TestReadFrameOnTruncatedStream(t *testing.T) {
	var buf bytes.Buffer
	WriteFrame(&buf, []byte("Publish"), []byte("topic"))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-2])

	if _, err := ReadFrame(bufio.NewReader(truncated)); err == nil {
		t.Fatal("expected ReadFrame to fail on a truncated stream")
	}
}
