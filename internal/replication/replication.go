// Package replication implements the master/replica replication plane:
// replica-sink registry and command fan-out on the master side, and the
// outbound handshake on the replica side. The replica's silent-apply
// loop over the master link lives in package server.
package replication

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// fanOutRateLimit bounds how fast a single replica sink drains its
// write queue, so one slow or malicious replica can't be driven to
// starve the others sharing the broadcaster's CPU and syscalls.
const fanOutRateLimit = rate.Limit(5000)
const fanOutRateBurst = 256

// Role is the server's position in the replication topology.
type Role string

const (
	RoleMaster  Role = "master"
	RoleReplica Role = "slave"
)

const replIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// generateReplID produces a 40-character random alphanumeric string via
// crypto/rand, the collaborator contract spec.md §6 calls random_id(40).
func generateReplID() string {
	b := make([]byte, 40)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("replication: crypto/rand failed: %v", err))
	}
	for i, v := range b {
		b[i] = replIDAlphabet[int(v)%len(replIDAlphabet)]
	}
	return string(b)
}

// ReplicaSink owns the write half of a connected replica's socket. It
// accepts byte blobs in FIFO order on queue and is removed from its
// owning State's registry the moment a write fails.
type ReplicaSink struct {
	ID   uuid.UUID
	conn net.Conn

	queue   chan []byte
	limiter *rate.Limiter
	state   *State
}

func (s *State) newSink(conn net.Conn) *ReplicaSink {
	sink := &ReplicaSink{
		ID:      uuid.New(),
		conn:    conn,
		queue:   make(chan []byte, 256),
		limiter: rate.NewLimiter(fanOutRateLimit, fanOutRateBurst),
		state:   s,
	}
	go sink.run()
	return sink
}

func (s *ReplicaSink) run() {
	for blob := range s.queue {
		if err := s.limiter.Wait(context.Background()); err != nil {
			log.Printf("replication: rate limiter wait for replica %s failed: %v", s.ID, err)
		}
		if _, err := s.conn.Write(blob); err != nil {
			log.Printf("replication: write to replica %s failed: %v", s.ID, err)
			s.state.removeSink(s.ID)
			return
		}
	}
}

// enqueue posts blob for delivery to this sink. The send is
// non-blocking: a saturated queue indicates a stalled replica and is
// treated the same as a write failure.
func (s *ReplicaSink) enqueue(blob []byte) {
	select {
	case s.queue <- blob:
	default:
		log.Printf("replication: queue full for replica %s, dropping", s.ID)
		s.state.removeSink(s.ID)
	}
}

// State holds everything the replication plane needs: identity, the
// monotonic offset counter, and (on a master) the registry of connected
// replica sinks.
type State struct {
	Role   Role
	ReplID string

	offset int64 // atomic; monotonic bytes written (master) or applied (replica)

	mu      sync.Mutex
	sinks   map[uuid.UUID]*ReplicaSink
	sinkOrd []uuid.UUID // registration order, for ordered fan-out
}

// NewMaster builds replication state for a process acting as master.
func NewMaster() *State {
	return &State{
		Role:   RoleMaster,
		ReplID: generateReplID(),
		sinks:  make(map[uuid.UUID]*ReplicaSink),
	}
}

// NewReplica builds replication state for a process acting as replica.
// ReplID is filled in once the handshake's FULLRESYNC line is read.
func NewReplica() *State {
	return &State{Role: RoleReplica}
}

// Offset returns the current replication offset.
func (s *State) Offset() int64 { return atomic.LoadInt64(&s.offset) }

// SetOffset overwrites the offset; used by the replica applier, which
// tracks offset itself per the REPLCONF-exemption rule.
func (s *State) SetOffset(v int64) { atomic.StoreInt64(&s.offset, v) }

// AddOffset advances the offset by delta and returns the new value.
func (s *State) AddOffset(delta int) int64 {
	return atomic.AddInt64(&s.offset, int64(delta))
}

// RegisterReplica adopts conn as a new replica sink and returns it. Call
// only on the master role, from the PSYNC handler.
func (s *State) RegisterReplica(conn net.Conn) *ReplicaSink {
	sink := s.newSink(conn)

	s.mu.Lock()
	s.sinks[sink.ID] = sink
	s.sinkOrd = append(s.sinkOrd, sink.ID)
	s.mu.Unlock()

	log.Printf("replication: registered replica sink %s (%s)", sink.ID, conn.RemoteAddr())
	return sink
}

func (s *State) removeSink(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sinks[id]; !ok {
		return
	}
	delete(s.sinks, id)
	for i, ord := range s.sinkOrd {
		if ord == id {
			s.sinkOrd = append(s.sinkOrd[:i], s.sinkOrd[i+1:]...)
			break
		}
	}
	log.Printf("replication: removed replica sink %s", id)
}

// ReplicaCount returns the number of currently-registered replica sinks,
// the best-effort lower bound spec.md §4.D requires of WAIT.
func (s *State) ReplicaCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sinks)
}

// Broadcast fans frame out to every registered replica sink, in
// registration order, and advances the offset by its length. The
// offset is a count of bytes actually written to replicas, so it does
// not move when no replica is connected: a master that has served
// writes but never had a replica reports a zero offset. Callers must
// invoke Broadcast from the executor's single dispatch goroutine, the
// only place a mutation's keyspace commit and its fan-out happen as
// one serialized step; that is what keeps commit order and fan-out
// order identical under concurrent client writers.
func (s *State) Broadcast(frame []byte) {
	s.mu.Lock()
	ordered := make([]*ReplicaSink, 0, len(s.sinkOrd))
	for _, id := range s.sinkOrd {
		ordered = append(ordered, s.sinks[id])
	}
	s.mu.Unlock()

	if len(ordered) == 0 {
		return
	}

	s.AddOffset(len(frame))

	for _, sink := range ordered {
		sink.enqueue(frame)
	}
}
