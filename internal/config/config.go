// Package config holds the server's resolved startup configuration,
// built from CLI flags (adapted from the teacher's flag-to-struct
// resolution in its server config loader).
package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Config is the fully resolved set of options the server runs with.
type Config struct {
	Port       uint16
	Dir        string
	DBFilename string

	// ReplicaOf is nil when this process runs as a master.
	ReplicaOf *MasterAddr
}

// MasterAddr is the host/port of the master this process replicates
// from, parsed out of --replicaof "<host> <port>".
type MasterAddr struct {
	Host string
	Port uint16
}

// SnapshotEnabled reports whether both --dir and --dbfilename were set,
// the precondition spec.md §6 requires for loading a snapshot.
func (c *Config) SnapshotEnabled() bool {
	return c.Dir != "" && c.DBFilename != ""
}

// ParseReplicaOf parses the --replicaof flag value "<host> <port>".
func ParseReplicaOf(raw string) (*MasterAddr, error) {
	if raw == "" {
		return nil, nil
	}
	fields := strings.Fields(raw)
	if len(fields) != 2 {
		return nil, fmt.Errorf("--replicaof must be \"<host> <port>\", got %q", raw)
	}
	port, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("--replicaof port: %w", err)
	}
	return &MasterAddr{Host: fields[0], Port: uint16(port)}, nil
}
