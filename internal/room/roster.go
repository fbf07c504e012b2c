package room

import (
	"github.com/google/uuid"

	"github.com/kanreisa/reichat-server/internal/protocol"
)

// roster is the set of known clients keyed by uuid, plus the uuid→socket
// index for clients hosted on this instance. It is plain data owned by the
// engine goroutine; nothing here is safe for concurrent use.
type roster struct {
	clients map[string]*protocol.Client
	sockets map[string]Conn
}

func newRoster() *roster {
	return &roster{
		clients: make(map[string]*protocol.Client),
		sockets: make(map[string]Conn),
	}
}

// bind re-attaches an existing record when the presented (uuid, pin) pair
// matches, otherwise mints a fresh identity. The returned rebound flag tells
// the caller whether a record was reused.
func (r *roster) bind(req protocol.BindRequest, remoteAddr, serverID string) (*protocol.Client, bool) {
	if req.UUID != "" {
		if rec, ok := r.clients[req.UUID]; ok && rec.Pin != "" && rec.Pin == req.Pin {
			rec.Name = req.Name
			rec.RemoteAddr = remoteAddr
			rec.ServerID = serverID
			rec.IsOnline = true
			return rec, true
		}
	}
	rec := &protocol.Client{
		UUID:       uuid.NewString(),
		Pin:        uuid.NewString(),
		Name:       req.Name,
		RemoteAddr: remoteAddr,
		IsOnline:   true,
		ServerID:   serverID,
	}
	r.clients[rec.UUID] = rec
	return rec, false
}

func (r *roster) get(uuid string) (*protocol.Client, bool) {
	rec, ok := r.clients[uuid]
	return rec, ok
}

// socket returns the conn currently indexed under uuid, if any.
func (r *roster) socket(uuid string) (Conn, bool) {
	c, ok := r.sockets[uuid]
	return c, ok
}

// attach points the socket index at conn. At most one socket per uuid: the
// caller kicks any previous one before attaching.
func (r *roster) attach(uuid string, conn Conn) {
	r.sockets[uuid] = conn
}

// markOffline clears the socket index entry and flags the record offline.
// The record itself stays so the uuid/pin pair can rebind later.
func (r *roster) markOffline(uuid string) {
	delete(r.sockets, uuid)
	if rec, ok := r.clients[uuid]; ok {
		rec.IsOnline = false
	}
}

// reconcile replaces every record hosted on peerServerID with the peer's
// authoritative list. Records elsewhere that collide with an incoming uuid
// are dropped too, keeping uuid unique across the roster; any local socket
// indexed under such a uuid is returned so the engine can kick it.
func (r *roster) reconcile(peerServerID string, peerClients []protocol.Client) []Conn {
	var kicked []Conn
	for id, rec := range r.clients {
		if rec.ServerID == peerServerID {
			delete(r.clients, id)
		}
	}
	for i := range peerClients {
		in := peerClients[i]
		in.ServerID = peerServerID
		if conn, ok := r.sockets[in.UUID]; ok {
			kicked = append(kicked, conn)
			delete(r.sockets, in.UUID)
		}
		r.clients[in.UUID] = &in
	}
	return kicked
}

// pruneServers removes every record hosted on any of the given server ids.
func (r *roster) pruneServers(ids []string) int {
	dead := make(map[string]bool, len(ids))
	for _, id := range ids {
		dead[id] = true
	}
	removed := 0
	for id, rec := range r.clients {
		if dead[rec.ServerID] {
			delete(r.clients, id)
			delete(r.sockets, id)
			removed++
		}
	}
	return removed
}

// snapshotOnline projects the online clients into their public form.
func (r *roster) snapshotOnline() []protocol.DistClient {
	out := make([]protocol.DistClient, 0, len(r.clients))
	for _, rec := range r.clients {
		if rec.IsOnline {
			out = append(out, rec.Dist())
		}
	}
	return out
}

// localClients copies every record hosted on serverID, online or not; this
// is the payload of a provide frame.
func (r *roster) localClients(serverID string) []protocol.Client {
	out := make([]protocol.Client, 0, len(r.clients))
	for _, rec := range r.clients {
		if rec.ServerID == serverID {
			out = append(out, *rec)
		}
	}
	return out
}

// remoteServers lists the distinct server ids other than self that host at
// least one record.
func (r *roster) remoteServers(selfID string) []string {
	seen := make(map[string]bool)
	for _, rec := range r.clients {
		if rec.ServerID != selfID && !seen[rec.ServerID] {
			seen[rec.ServerID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

func (r *roster) counts(selfID string) (total, online, local int) {
	for _, rec := range r.clients {
		total++
		if rec.IsOnline {
			online++
		}
		if rec.ServerID == selfID {
			local++
		}
	}
	return
}
