// Package server wires the keyspace, executor, and replication plane
// together behind a TCP listener and runs the per-connection read-
// parse-execute-flush loop.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"keyvault/internal/config"
	"keyvault/internal/executor"
	"keyvault/internal/keyspace"
	"keyvault/internal/protocol"
	"keyvault/internal/rdb"
	"keyvault/internal/replication"
)

// Server owns the listener and every connection loop derived from it.
type Server struct {
	cfg  *config.Config
	ks   *keyspace.Keyspace
	repl *replication.State
	exec *executor.Executor

	listener net.Listener

	// acceptLimiter bounds how fast new connections are admitted,
	// guarding against accept-loop connection storms.
	acceptLimiter *rate.Limiter

	wg           sync.WaitGroup
	connIDSeq    atomic.Int64
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New builds a Server from cfg and loads any configured snapshot. The
// connection to a master (replica mode) is made later, by Run.
func New(cfg *config.Config) (*Server, error) {
	ks := keyspace.New()

	if cfg.SnapshotEnabled() {
		path := cfg.Dir + "/" + cfg.DBFilename
		if err := rdb.LoadFile(path, ks); err != nil {
			return nil, fmt.Errorf("SnapshotCorrupt: %w", err)
		}
		log.Printf("server: loaded snapshot from %s", path)
	}

	var repl *replication.State
	if cfg.ReplicaOf != nil {
		repl = replication.NewReplica()
	} else {
		repl = replication.NewMaster()
	}

	s := &Server{
		cfg:           cfg,
		ks:            ks,
		repl:          repl,
		exec:          executor.New(ks, cfg, repl),
		acceptLimiter: rate.NewLimiter(rate.Limit(500), 100),
		shutdownCh:    make(chan struct{}),
	}

	return s, nil
}

// Run binds the listener and serves until ctx is cancelled. If the
// server is configured as a replica, it first performs the handshake
// against its master and starts the silent-apply streaming goroutine.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("IoFatal: binding %s: %w", addr, err)
	}
	s.listener = ln
	log.Printf("server: listening on %s", addr)

	if s.cfg.ReplicaOf != nil {
		if err := s.startReplicaLink(); err != nil {
			return fmt.Errorf("ReplicaHandshakeFailed: %w", err)
		}
	}

	go s.acceptLoop(ctx)

	<-ctx.Done()
	s.Shutdown()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		if err := s.acceptLimiter.Wait(ctx); err != nil {
			return
		}

		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return
			default:
				log.Printf("server: accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	connID := s.connIDSeq.Add(1)
	loop := &connLoop{
		id:            connID,
		conn:          conn,
		dec:           protocol.NewDecoder(conn),
		w:             bufio.NewWriter(conn),
		exec:          s.exec,
		repl:          s.repl,
		isReplicaLink: false,
	}
	loop.run()
}

// Shutdown closes the listener and waits (briefly) for connections to
// drain. Safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
		if s.listener != nil {
			s.listener.Close()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			log.Println("server: shutdown timeout, forcing exit")
		}
	})
}
