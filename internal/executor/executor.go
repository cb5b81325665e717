// Package executor interprets a decoded request against the keyspace
// and configuration, producing a reply and, for state-mutating
// commands, a mutation event destined for the replication plane.
package executor

import (
	"fmt"
	"strconv"
	"strings"

	"keyvault/internal/config"
	"keyvault/internal/keyspace"
	"keyvault/internal/protocol"
	"keyvault/internal/replication"
)

// Mutation is a state-changing request the caller should forward to the
// replication plane for fan-out, already re-encoded as its wire frame.
type Mutation struct {
	Frame []byte
}

// Executor ties together the keyspace, static config, and replication
// state needed to answer every request in the grammar.
//
// Every request that reaches the wire goes through Submit, which
// funnels it into a single dispatch goroutine (dispatchLoop). That
// goroutine is the only caller of Execute for connections that can
// mutate the keyspace, and it commits a mutation to the Keyspace and
// fans it out via Repl.Broadcast in the same iteration before picking
// up the next job. That serialization is what keeps commit order and
// replica fan-out order identical when multiple client connections
// write concurrently.
type Executor struct {
	Keyspace *keyspace.Keyspace
	Config   *config.Config
	Repl     *replication.State

	jobs chan dispatchJob
}

type dispatchJob struct {
	req           *protocol.Request
	frame         []byte
	isReplicaLink bool
	resp          chan dispatchResult
}

type dispatchResult struct {
	reply protocol.Reply
	ok    bool
}

func New(ks *keyspace.Keyspace, cfg *config.Config, repl *replication.State) *Executor {
	e := &Executor{Keyspace: ks, Config: cfg, Repl: repl, jobs: make(chan dispatchJob, 256)}
	go e.dispatchLoop()
	return e
}

// Submit is the single dispatch point every connection loop must use
// for requests that may mutate the keyspace: it hands req to
// dispatchLoop and blocks for the reply, so the keyspace commit and
// the replica fan-out for req happen before Submit returns to the
// caller and before dispatchLoop looks at the next queued request.
func (e *Executor) Submit(req *protocol.Request, frame []byte, isReplicaLink bool) (protocol.Reply, bool) {
	resp := make(chan dispatchResult, 1)
	e.jobs <- dispatchJob{req: req, frame: frame, isReplicaLink: isReplicaLink, resp: resp}
	r := <-resp
	return r.reply, r.ok
}

func (e *Executor) dispatchLoop() {
	for j := range e.jobs {
		reply, mutation, ok := e.Execute(j.req, j.frame, j.isReplicaLink)
		if mutation != nil && e.Repl.Role == replication.RoleMaster {
			e.Repl.Broadcast(mutation.Frame)
		}
		j.resp <- dispatchResult{reply: reply, ok: ok}
	}
}

// Execute interprets req. isReplicaLink indicates the request arrived on
// the socket where this process is acting as a replica applying its
// master's stream: replies are suppressed on that link except for
// REPLCONF GETACK. ok is false when the caller should send no reply at
// all (suppressed on a replica link, or an ignored UNKNOWN there).
func (e *Executor) Execute(req *protocol.Request, frame []byte, isReplicaLink bool) (reply protocol.Reply, mutation *Mutation, ok bool) {
	switch req.Name {
	case protocol.Ping:
		if isReplicaLink {
			return protocol.Reply{}, nil, false
		}
		return protocol.SimpleString("PONG"), nil, true

	case protocol.Echo:
		if isReplicaLink {
			return protocol.Reply{}, nil, false
		}
		return protocol.BulkString([]byte(req.Arg)), nil, true

	case protocol.Get:
		if isReplicaLink {
			return protocol.Reply{}, nil, false
		}
		v, found := e.Keyspace.Get(req.Key)
		if !found {
			return protocol.NullBulkString(), nil, true
		}
		return protocol.BulkString(v), nil, true

	case protocol.Set:
		e.Keyspace.Set(req.Key, req.Value, req.PX)
		if isReplicaLink {
			return protocol.Reply{}, nil, false
		}
		return protocol.BulkString([]byte("OK")), &Mutation{Frame: frame}, true

	case protocol.Keys:
		if isReplicaLink {
			return protocol.Reply{}, nil, false
		}
		return protocol.BulkStringArray(e.Keyspace.Keys()), nil, true

	case protocol.Info:
		if isReplicaLink {
			return protocol.Reply{}, nil, false
		}
		return e.infoReply(), nil, true

	case protocol.ConfigGet:
		if isReplicaLink {
			return protocol.Reply{}, nil, false
		}
		return e.configGetReply(req.Arg), nil, true

	case protocol.ReplConf:
		return e.handleReplConf(req, isReplicaLink)

	case protocol.Psync:
		if isReplicaLink {
			return protocol.Reply{}, nil, false
		}
		return protocol.SimpleString(fmt.Sprintf("FULLRESYNC %s 0", e.Repl.ReplID)), nil, true

	case protocol.Wait:
		if isReplicaLink {
			return protocol.Reply{}, nil, false
		}
		return protocol.Integer(int64(e.Repl.ReplicaCount())), nil, true

	case protocol.Save:
		if isReplicaLink {
			return protocol.Reply{}, nil, false
		}
		return protocol.ErrorReply("ERR SAVE is not implemented"), nil, true

	default: // Unknown
		if isReplicaLink {
			return protocol.Reply{}, nil, false
		}
		name := req.UnknownName
		return protocol.ErrorReply(fmt.Sprintf("ERR unknown command '%s'", name)), nil, true
	}
}

func (e *Executor) handleReplConf(req *protocol.Request, isReplicaLink bool) (protocol.Reply, *Mutation, bool) {
	if len(req.Raw) >= 2 && strings.EqualFold(req.Raw[1], "GETACK") {
		if !isReplicaLink {
			return protocol.Reply{}, nil, false
		}
		offset := strconv.FormatInt(e.Repl.Offset(), 10)
		return protocol.BulkStringArray([]string{"REPLCONF", "ACK", offset}), nil, true
	}

	// listening-port / capa, sent master-side during the handshake.
	if isReplicaLink {
		return protocol.Reply{}, nil, false
	}
	return protocol.SimpleString("OK"), nil, true
}

func (e *Executor) infoReply() protocol.Reply {
	role := "master"
	if e.Repl.Role == replication.RoleReplica {
		role = "slave"
	}
	body := fmt.Sprintf("role:%s\rmaster_replid:%s\rmaster_repl_offset:%d",
		role, e.Repl.ReplID, e.Repl.Offset())
	return protocol.BulkString([]byte(body))
}

func (e *Executor) configGetReply(field string) protocol.Reply {
	switch field {
	case "dir":
		return protocol.BulkStringArray([]string{"dir", e.Config.Dir})
	case "dbfilename":
		return protocol.BulkStringArray([]string{"dbfilename", e.Config.DBFilename})
	default:
		return protocol.ErrorReply(fmt.Sprintf("ERR Config key '%s' unknown", field))
	}
}
