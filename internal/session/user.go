package session

import (
	"sort"
	"time"
)

// user is one participant of an instance. Re-registering replaces the
// tracked socket, so a person connected twice never receives duplicate
// fan-out.
type user struct {
	id       string
	name     string
	conn     Conn
	sheets   map[string]struct{}
	lastSeen time.Time
}

func (u *user) onAnySheet(sheetIDs []string) bool {
	for _, id := range sheetIDs {
		if _, ok := u.sheets[id]; ok {
			return true
		}
	}
	return false
}

// roster tracks the participants of one instance, keyed by userId. It
// is not safe for concurrent use; instances call it under their own
// mutex.
type roster struct {
	users map[string]*user
}

func newRoster() roster {
	return roster{users: make(map[string]*user)}
}

func (r *roster) upsert(id, name string, conn Conn, sheetID string, now time.Time) *user {
	u := r.users[id]
	if u == nil {
		u = &user{id: id, sheets: make(map[string]struct{})}
		r.users[id] = u
	}
	if name != "" {
		u.name = name
	}
	u.conn = conn
	u.lastSeen = now
	if sheetID != "" {
		u.sheets[sheetID] = struct{}{}
	}
	return u
}

// remove drops the user. A non-nil conn restricts removal to that
// socket, so the teardown of a replaced connection cannot kick a user
// who already re-registered on a fresh one.
func (r *roster) remove(id string, conn Conn) bool {
	u, ok := r.users[id]
	if !ok {
		return false
	}
	if conn != nil && u.conn != conn {
		return false
	}
	delete(r.users, id)
	return true
}

func (r *roster) touch(id string, now time.Time) {
	if u := r.users[id]; u != nil {
		u.lastSeen = now
	}
}

func (r *roster) count() int {
	return len(r.users)
}

// evict drops users whose socket died or who have been silent longer
// than staleAfter (0 disables the staleness check). It returns the
// dropped user ids sorted.
func (r *roster) evict(now time.Time, staleAfter time.Duration) []string {
	var dropped []string
	for id, u := range r.users {
		dead := u.conn == nil || !u.conn.Alive()
		if !dead && staleAfter > 0 && now.Sub(u.lastSeen) > staleAfter {
			dead = true
		}
		if dead {
			if u.conn != nil {
				u.conn.Close()
			}
			delete(r.users, id)
			dropped = append(dropped, id)
		}
	}
	sort.Strings(dropped)
	return dropped
}

// fanOut delivers msg once per user. A nil sheetIDs reaches every user;
// otherwise only users registered on at least one of the sheets.
// exceptUserID skips the originator.
func (r *roster) fanOut(msg []byte, sheetIDs []string, exceptUserID string) int {
	sent := 0
	for _, u := range r.users {
		if u.id == exceptUserID {
			continue
		}
		if sheetIDs != nil && !u.onAnySheet(sheetIDs) {
			continue
		}
		if u.conn == nil || !u.conn.Alive() {
			continue
		}
		if err := u.conn.Send(msg); err == nil {
			sent++
		}
	}
	return sent
}
