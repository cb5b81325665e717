package config

import "testing"

func TestParseReplicaOfValid(t *testing.T) {
	addr, err := ParseReplicaOf("localhost 6380")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr.Host != "localhost" || addr.Port != 6380 {
		t.Fatalf("got %+v", addr)
	}
}

func TestParseReplicaOfEmpty(t *testing.T) {
	addr, err := ParseReplicaOf("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != nil {
		t.Fatalf("expected nil addr for empty input, got %+v", addr)
	}
}

func TestParseReplicaOfMalformed(t *testing.T) {
	if _, err := ParseReplicaOf("just-a-host"); err == nil {
		t.Fatal("expected error for malformed --replicaof value")
	}
}

func TestSnapshotEnabled(t *testing.T) {
	c := &Config{Dir: "/tmp", DBFilename: "dump.rdb"}
	if !c.SnapshotEnabled() {
		t.Fatal("expected snapshot enabled when both dir and dbfilename set")
	}

	c2 := &Config{Dir: "/tmp"}
	if c2.SnapshotEnabled() {
		t.Fatal("expected snapshot disabled when dbfilename missing")
	}
}
