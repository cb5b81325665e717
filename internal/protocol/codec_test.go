package protocol

import (
	"bytes"
	"testing"
)

func TestDecodeOneEcho(t *testing.T) {
	in := "*2\r\n$4\r\nECHO\r\n$5\r\nhello\r\n"
	dec := NewDecoder(bytes.NewReader([]byte(in)))

	req, n, err := dec.DecodeOne()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(in) {
		t.Fatalf("bytes consumed = %d, want %d", n, len(in))
	}
	if req.Name != Echo || req.Arg != "hello" {
		t.Fatalf("got %+v", req)
	}
}

func TestDecodeOnePing(t *testing.T) {
	in := "*1\r\n$4\r\nPING\r\n"
	dec := NewDecoder(bytes.NewReader([]byte(in)))

	req, _, err := dec.DecodeOne()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Name != Ping {
		t.Fatalf("got %+v", req)
	}
}

func TestDecodeOneSetWithPX(t *testing.T) {
	in := "*5\r\n$3\r\nSET\r\n$1\r\na\r\n$1\r\n1\r\n$2\r\nPX\r\n$2\r\n10\r\n"
	dec := NewDecoder(bytes.NewReader([]byte(in)))

	req, _, err := dec.DecodeOne()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Name != Set || req.Key != "a" || string(req.Value) != "1" {
		t.Fatalf("got %+v", req)
	}
	if req.PX == nil || *req.PX != 10 {
		t.Fatalf("PX = %v, want 10", req.PX)
	}
}

func TestDecodeOneSetUnsupportedOption(t *testing.T) {
	in := "*5\r\n$3\r\nSET\r\n$1\r\na\r\n$1\r\n1\r\n$2\r\nXX\r\n$2\r\n10\r\n"
	dec := NewDecoder(bytes.NewReader([]byte(in)))

	_, _, err := dec.DecodeOne()
	if err == nil {
		t.Fatal("expected error for unsupported SET option")
	}
}

func TestDecodeOneUnknownCommand(t *testing.T) {
	in := "*1\r\n$4\r\nFROB\r\n"
	dec := NewDecoder(bytes.NewReader([]byte(in)))

	req, _, err := dec.DecodeOne()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Name != Unknown || req.UnknownName != "frob" {
		t.Fatalf("got %+v", req)
	}
}

func TestDecodeOneCleanEOF(t *testing.T) {
	dec := NewDecoder(bytes.NewReader(nil))
	_, _, err := dec.DecodeOne()
	if err == nil {
		t.Fatal("expected EOF")
	}
}

func TestDecodeOneMalformedLength(t *testing.T) {
	in := "*2\r\n$xx\r\nECHO\r\n"
	dec := NewDecoder(bytes.NewReader([]byte(in)))
	_, _, err := dec.DecodeOne()
	if err == nil {
		t.Fatal("expected MalformedFrame")
	}
}

func TestDecodeOneTruncatedPayload(t *testing.T) {
	in := "*1\r\n$10\r\nshort\r\n"
	dec := NewDecoder(bytes.NewReader([]byte(in)))
	_, _, err := dec.DecodeOne()
	if err == nil {
		t.Fatal("expected MalformedFrame on truncated payload")
	}
}

func TestDecodeOneZeroLengthArray(t *testing.T) {
	in := "*0\r\n"
	dec := NewDecoder(bytes.NewReader([]byte(in)))
	_, _, err := dec.DecodeOne()
	if err == nil {
		t.Fatal("expected MalformedFrame for N=0")
	}
}

func TestEncodeReplies(t *testing.T) {
	cases := []struct {
		name string
		r    Reply
		want string
	}{
		{"simple", SimpleString("PONG"), "+PONG\r\n"},
		{"error", ErrorReply("bad"), "-bad\r\n"},
		{"integer", Integer(42), ":42\r\n"},
		{"bulk", BulkString([]byte("bar")), "$3\r\nbar\r\n"},
		{"nullbulk", NullBulkString(), "$-1\r\n"},
		{"array", BulkStringArray([]string{"dir", "/tmp"}), "*2\r\n$3\r\ndir\r\n$4\r\n/tmp\r\n"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := string(Encode(c.r))
			if got != c.want {
				t.Fatalf("got %q, want %q", got, c.want)
			}
		})
	}
}

func TestEncodeCommandFrameRoundTrips(t *testing.T) {
	frame := EncodeCommandFrame([]string{"SET", "foo", "bar"})
	dec := NewDecoder(bytes.NewReader(frame))

	req, n, err := dec.DecodeOne()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(frame) {
		t.Fatalf("consumed %d, want %d", n, len(frame))
	}
	if req.Name != Set || req.Key != "foo" || string(req.Value) != "bar" {
		t.Fatalf("got %+v", req)
	}
}

func TestEncodeRawBulkHeaderHasNoTrailingCRLF(t *testing.T) {
	header := EncodeRawBulkHeader(5)
	if string(header) != "$5\r\n" {
		t.Fatalf("got %q", header)
	}
}
