package gzip

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"math/rand"
	"os"
	"testing"
)

const letterBytes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func randStringBytes(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letterBytes[rand.Intn(len(letterBytes))]
	}
	return string(b)
}

func TestStreamer(t *testing.T) {
	str := randStringBytes(4 * 1024 * 1024)

	f, err := os.CreateTemp("", "")
	if err != nil {
		panic(err)
	}
	defer os.Remove(f.Name())
	_, err = f.Write([]byte(str))
	if err != nil {
		panic(err)
	}
	f.Close()

	r, err := os.Open(f.Name())
	if err != nil {
		panic(err)
	}
	defer r.Close()

	streamer := New()
	streamer.Reset(r)

	compressedBuf := bytes.Buffer{}
	if _, err := io.Copy(&compressedBuf, streamer); err != nil {
		t.Fatalf("TestStreamer: got err == %s, want err == nil", err)
	}

	if streamer.InputSize() != int64(len(str)) {
		t.Fatalf("TestStreamer(InputSize): got %d, want %d", streamer.InputSize(), len(str))
	}

	gzipReader, err := gzip.NewReader(&compressedBuf)
	if err != nil {
		t.Fatalf("TestStreamer(gzip.NewReader(compressedBuf)): got err == %s, want err == nil", err)
	}

	gotBuf := bytes.Buffer{}
	if _, err := io.Copy(&gotBuf, gzipReader); err != nil {
		t.Fatalf("TestStreamer(decompressing stream, len==%d): got err == %s, want err == nil", gotBuf.Len(), err)
	}

	if gotBuf.String() != str {
		t.Fatalf("TestStreamer(input/output comparison): after compression/decompression the data was not the same")
	}
}

func TestCompress(t *testing.T) {
	str := randStringBytes(64 * 1024)

	streamer := Compress(bytes.NewReader([]byte(str)))

	compressedBuf := bytes.Buffer{}
	if _, err := io.Copy(&compressedBuf, streamer); err != nil {
		t.Fatalf("TestCompress: got err == %s, want err == nil", err)
	}

	gzipReader, err := gzip.NewReader(&compressedBuf)
	if err != nil {
		t.Fatalf("TestCompress(gzip.NewReader): got err == %s, want err == nil", err)
	}

	gotBuf := bytes.Buffer{}
	if _, err := io.Copy(&gotBuf, gzipReader); err != nil {
		t.Fatalf("TestCompress(decompressing stream): got err == %s, want err == nil", err)
	}

	if gotBuf.String() != str {
		t.Fatalf("TestCompress(input/output comparison): after compression/decompression the data was not the same")
	}
}

type errReader struct {
	err error
}

func (e errReader) Read(p []byte) (int, error) {
	return 0, e.err
}

func TestStreamerInputError(t *testing.T) {
	want := errors.New("input blew up")

	streamer := Compress(errReader{err: want})

	_, err := io.Copy(io.Discard, streamer)
	if !errors.Is(err, want) {
		t.Fatalf("TestStreamerInputError: got err == %v, want err == %v", err, want)
	}
}
