package server

import (
	"sort"

	"github.com/NicolasHaas/gocall/pkg/model"
)

// binding ties a username to one live control connection.
type binding struct {
	Username  string
	SessionID uint32 // identifies the connection generation
	Status    model.Status
	UDPPort   int    // audio port advertised at registration
	RemoteIP  string // address observed on the control connection
	Peer      string // counterpart username while busy
}

// Directory is the authoritative map of username -> connection binding and
// availability status. It is a plain data structure; the switchboard
// serializes every access, so Directory itself holds no lock.
type Directory struct {
	byName    map[string]*binding
	bySession map[uint32]*binding
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		byName:    make(map[string]*binding),
		bySession: make(map[uint32]*binding),
	}
}

// Register binds a username to a connection and sets it AVAILABLE.
// If the name was already bound, the previous binding is returned so the
// caller can terminate it: the newer registration always wins.
func (d *Directory) Register(username string, sessionID uint32, udpPort int, remoteIP string) (replaced *binding) {
	replaced = d.byName[username]
	if replaced != nil {
		delete(d.bySession, replaced.SessionID)
	}

	b := &binding{
		Username:  username,
		SessionID: sessionID,
		Status:    model.StatusAvailable,
		UDPPort:   udpPort,
		RemoteIP:  remoteIP,
	}
	d.byName[username] = b
	d.bySession[sessionID] = b
	return replaced
}

// Lookup returns the binding for a username, or nil.
func (d *Directory) Lookup(username string) *binding {
	return d.byName[username]
}

// LookupSession returns the binding for a session ID, or nil.
func (d *Directory) LookupSession(sessionID uint32) *binding {
	return d.bySession[sessionID]
}

// SetStatus updates a user's availability. Idempotent; unknown users are
// ignored. Clears the peer name when the user is no longer busy.
func (d *Directory) SetStatus(username string, status model.Status) {
	b := d.byName[username]
	if b == nil {
		return
	}
	b.Status = status
	if status != model.StatusBusy {
		b.Peer = ""
	}
}

// SetPeer records the counterpart of a busy user, for `who` output.
func (d *Directory) SetPeer(username, peer string) {
	if b := d.byName[username]; b != nil {
		b.Peer = peer
	}
}

// Unregister removes a session's binding. It is a no-op if the session no
// longer owns the name (a newer registration replaced it).
func (d *Directory) Unregister(sessionID uint32) *binding {
	b := d.bySession[sessionID]
	if b == nil {
		return nil
	}
	delete(d.bySession, sessionID)
	if current := d.byName[b.Username]; current == b {
		delete(d.byName, b.Username)
	}
	return b
}

// Snapshot returns all registered users sorted by name.
func (d *Directory) Snapshot() []model.User {
	users := make([]model.User, 0, len(d.byName))
	for _, b := range d.byName {
		users = append(users, model.User{
			Username: b.Username,
			Status:   b.Status,
			Peer:     b.Peer,
		})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users
}

// Count returns the number of registered users.
func (d *Directory) Count() int {
	return len(d.byName)
}
