package server

import (
	"bufio"
	"bytes"
	"fmt"
	"log"
	"net"

	"keyvault/internal/protocol"
	"keyvault/internal/rdb"
	"keyvault/internal/replication"
)

// startReplicaLink performs the outbound handshake against this
// server's configured master, seeds the keyspace from the received
// snapshot, and starts the silent-apply streaming goroutine.
func (s *Server) startReplicaLink() error {
	host := s.cfg.ReplicaOf.Host
	port := int(s.cfg.ReplicaOf.Port)

	result, err := replication.Handshake(host, port, s.cfg.Port)
	if err != nil {
		return err
	}
	log.Printf("server: replica handshake with %s:%d complete", host, port)

	if err := rdb.Decode(bytes.NewReader(result.Snapshot), s.ks); err != nil {
		return fmt.Errorf("SnapshotCorrupt: decoding FULLRESYNC payload: %w", err)
	}

	s.repl.ReplID = result.ReplID
	s.repl.SetOffset(result.Offset)

	s.wg.Add(1)
	go s.streamFromMaster(result.Conn, result.Reader)

	return nil
}

// streamFromMaster is the replica-side STREAMING state: every decoded
// request is applied silently except REPLCONF GETACK, which is the
// sole case the replica replies on the master link. REPLCONF frames do
// not advance the replication offset.
func (s *Server) streamFromMaster(conn net.Conn, r *bufio.Reader) {
	defer s.wg.Done()
	defer conn.Close()

	dec := protocol.NewDecoder(r)
	w := bufio.NewWriter(conn)

	for {
		req, n, err := dec.DecodeOne()
		if err != nil {
			log.Printf("server: master link closed: %v", err)
			return
		}

		if req.Name != protocol.ReplConf {
			s.repl.AddOffset(n)
		}

		reqFrame := protocol.EncodeCommandFrame(req.Raw)
		reply, ok := s.exec.Submit(req, reqFrame, true)
		if !ok {
			continue
		}

		w.Write(protocol.Encode(reply))
		if err := w.Flush(); err != nil {
			log.Printf("server: writing ACK to master failed: %v", err)
			return
		}
	}
}
