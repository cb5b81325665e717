package server

import (
	"bufio"
	"errors"
	"io"
	"log"
	"net"

	"keyvault/internal/executor"
	"keyvault/internal/protocol"
	"keyvault/internal/replication"
)

// connLoop is the per-connection read-parse-execute-flush state
// machine of spec.md §4.F for accepted connections. isReplicaLink is
// passed through to the executor; handleConnection always sets it to
// false, because a replica applies its master's stream in
// streamFromMaster rather than in this loop.
type connLoop struct {
	id   int64
	conn net.Conn
	dec  *protocol.Decoder
	w    *bufio.Writer
	exec *executor.Executor
	repl *replication.State

	isReplicaLink bool

	// becameSink is set once this connection has been registered as a
	// replica sink (master-side PSYNC); from that point the loop only
	// drains reads to detect disconnect, it no longer writes replies.
	becameSink bool
}

func (c *connLoop) run() {
	for {
		req, _, err := c.dec.DecodeOne()
		if err != nil {
			if err == io.EOF {
				return
			}
			if errors.Is(err, protocol.ErrMalformedFrame) {
				// Resync is opportunistic: DecodeOne returns this error
				// as soon as it finds the fault, so any unread rest of
				// the malformed frame is decoded next and draws its own
				// error replies, one per line, before a well-formed
				// frame is reached. If the client is permanently
				// desynced, reads keep failing the same way until the
				// socket is closed, which surfaces as io.EOF or a fatal
				// read error above.
				c.w.Write(protocol.Encode(protocol.ErrorReply(err.Error())))
				if flushErr := c.w.Flush(); flushErr != nil {
					return
				}
				continue
			}
			// IoFatal: close the connection.
			return
		}

		if req.Name == protocol.Psync {
			c.handlePsync()
			if c.becameSink {
				c.drainUntilClosed()
				return
			}
			continue
		}

		// Submit is the single dispatch point: it serializes this
		// request's keyspace commit and replica fan-out against every
		// other connection's requests, so concurrent writers can never
		// observe commit order and broadcast order disagree.
		reqFrame := protocol.EncodeCommandFrame(req.Raw)
		reply, ok := c.exec.Submit(req, reqFrame, c.isReplicaLink)

		if !ok {
			continue
		}

		c.w.Write(protocol.Encode(reply))
		if err := c.w.Flush(); err != nil {
			return
		}
	}
}

func (c *connLoop) handlePsync() {
	replID := c.repl.ReplID
	c.w.Write(protocol.Encode(protocol.SimpleString("FULLRESYNC " + replID + " 0")))
	if err := c.w.Flush(); err != nil {
		return
	}

	snapshot := snapshotBytes()
	c.w.Write(protocol.EncodeRawBulkHeader(len(snapshot)))
	c.w.Write(snapshot)
	if err := c.w.Flush(); err != nil {
		return
	}

	c.repl.RegisterReplica(c.conn)
	c.becameSink = true
}

// drainUntilClosed keeps reading (and discarding) from a connection
// that has become a replica sink, so the accept loop's per-connection
// goroutine observes disconnects and tears the entry down.
func (c *connLoop) drainUntilClosed() {
	buf := make([]byte, 512)
	for {
		if _, err := c.conn.Read(buf); err != nil {
			log.Printf("server: replica connection %d closed: %v", c.id, err)
			return
		}
	}
}
