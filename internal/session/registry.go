package session

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/easelhq/easel/internal/role"
)

var (
	ErrSessionNameInUse = errors.New("session name in use")
	ErrSessionNotFound  = errors.New("session not found")
	ErrUsernameInUse    = errors.New("username in use")
	ErrUserBanned       = errors.New("user is banned from the session")
	ErrUserBooted       = errors.New("user is booted from the session")
)

// DefaultBootCooldown is how long a booted user stays locked out.
const DefaultBootCooldown = 10 * time.Minute

// Fingerprint identifies a connection independently of the display name a
// user picked. Ban and boot records key on it so a banned user cannot
// rejoin under a new name from the same browser, while two real people may
// share a username across machines.
type Fingerprint struct {
	UserAgent string
	IPAddress string
}

// Member is one participant of a session. Leaving marks a member inactive
// rather than removing it, so rejoin and uniqueness checks can see past
// identities.
type Member struct {
	Username    string
	Role        role.Role
	Active      bool
	Fingerprint Fingerprint
}

type banRecord struct {
	Username    string
	Fingerprint Fingerprint
}

type bootRecord struct {
	Username    string
	Fingerprint Fingerprint
	Expires     time.Time
}

// Session is the server-side record of one drawing session.
type Session struct {
	Name   string
	Active bool

	mu      sync.Mutex
	members map[string]*Member
	banned  []banRecord
	booted  []bootRecord
}

// DisconnectReason distinguishes the forced-disconnect notices the relay
// delivers on behalf of the registry.
type DisconnectReason string

const (
	ReasonBan           DisconnectReason = "ban"
	ReasonBoot          DisconnectReason = "boot"
	ReasonSessionClosed DisconnectReason = "sessionClosed"
)

// Notifier is the registry's hook into the signaling relay. The registry
// never talks to transports directly.
type Notifier interface {
	// DisconnectPeer delivers a one-shot forced disconnect to a single
	// member's endpoint and retires it.
	DisconnectPeer(sessionName, username string, reason DisconnectReason)

	// CloseSession fans a session-closed disconnect out to every endpoint
	// still attached to the session.
	CloseSession(sessionName string)
}

// Registry is the authoritative map of session name to session state.
// Mutations on one session never block operations on another: the registry
// lock only guards the map, each session carries its own lock.
type Registry struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	notifier     Notifier
	bootCooldown time.Duration
}

func NewRegistry(notifier Notifier, bootCooldown time.Duration) *Registry {
	if bootCooldown <= 0 {
		bootCooldown = DefaultBootCooldown
	}
	return &Registry{
		sessions:     make(map[string]*Session),
		notifier:     notifier,
		bootCooldown: bootCooldown,
	}
}

func (r *Registry) get(name string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[name]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Init creates a new session with the requester as its sole owner.
func (r *Registry) Init(username, sessionName string, fp Fingerprint) (*Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionName]; ok {
		return nil, ErrSessionNameInUse
	}

	member := &Member{
		Username:    username,
		Role:        role.Owner,
		Active:      true,
		Fingerprint: fp,
	}
	s := &Session{
		Name:    sessionName,
		Active:  true,
		members: map[string]*Member{username: member},
	}
	r.sessions[sessionName] = s
	log.Printf("Session %q created by %s", sessionName, username)
	return member, nil
}

// Join admits a user into an existing session as a contributor and returns
// both the new member and the full member list for peer discovery. Usernames
// must be unique among active members, compared case-insensitively.
func (r *Registry) Join(username, sessionName string, fp Fingerprint) (*Member, []*Member, error) {
	s, err := r.get(sessionName)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isBanned(username, fp) {
		return nil, nil, ErrUserBanned
	}
	if s.isBooted(username, fp, time.Now()) {
		return nil, nil, ErrUserBooted
	}
	for _, m := range s.members {
		if m.Active && strings.EqualFold(m.Username, username) {
			return nil, nil, ErrUsernameInUse
		}
	}

	member, ok := s.members[username]
	if ok {
		// Known identity rejoining; keep whatever role it last held.
		member.Active = true
		member.Fingerprint = fp
	} else {
		member = &Member{
			Username:    username,
			Role:        role.Contributor,
			Active:      true,
			Fingerprint: fp,
		}
		s.members[username] = member
	}

	return member, s.memberList(), nil
}

// Leave marks the member inactive. When the last active owner leaves, the
// session is destroyed and everyone still attached is told to disconnect.
func (r *Registry) Leave(username, sessionName string) error {
	s, err := r.get(sessionName)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if m, ok := s.members[username]; ok {
		m.Active = false
	}
	owners := 0
	for _, m := range s.members {
		if m.Active && m.Role == role.Owner {
			owners++
		}
	}
	if owners > 0 {
		s.mu.Unlock()
		return nil
	}
	s.Active = false
	s.mu.Unlock()

	r.destroy(sessionName)
	return nil
}

func (r *Registry) destroy(sessionName string) {
	r.mu.Lock()
	delete(r.sessions, sessionName)
	r.mu.Unlock()

	log.Printf("Session %q closed (no owners left)", sessionName)
	if r.notifier != nil {
		r.notifier.CloseSession(sessionName)
	}
}

// requireOwner verifies the requester is an active owner of the session.
// Callers hold s.mu.
func (s *Session) requireOwner(username string) error {
	m, ok := s.members[username]
	if !ok || !m.Active {
		return role.ErrPermissionDenied
	}
	return role.RequireOwner(m.Role)
}

// Ban permanently bars the target's fingerprint from the session, removes
// the member and disconnects them.
func (r *Registry) Ban(requester, target, sessionName string) error {
	s, err := r.get(sessionName)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.requireOwner(requester); err != nil {
		s.mu.Unlock()
		return err
	}
	m, ok := s.members[target]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no such member %q", target)
	}
	delete(s.members, target)
	s.banned = append(s.banned, banRecord{Username: m.Username, Fingerprint: m.Fingerprint})
	s.mu.Unlock()

	log.Printf("Session %q: %s banned %s", sessionName, requester, target)
	if r.notifier != nil {
		r.notifier.DisconnectPeer(sessionName, target, ReasonBan)
	}
	return nil
}

// Boot removes the target like Ban but the lockout expires after the
// configured cooldown.
func (r *Registry) Boot(requester, target, sessionName string) error {
	s, err := r.get(sessionName)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.requireOwner(requester); err != nil {
		s.mu.Unlock()
		return err
	}
	m, ok := s.members[target]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no such member %q", target)
	}
	delete(s.members, target)
	record := bootRecord{
		Username:    m.Username,
		Fingerprint: m.Fingerprint,
		Expires:     time.Now().Add(r.bootCooldown),
	}
	s.booted = append(s.booted, record)
	s.mu.Unlock()

	log.Printf("Session %q: %s booted %s (cooldown %v)", sessionName, requester, target, r.bootCooldown)
	if r.notifier != nil {
		r.notifier.DisconnectPeer(sessionName, target, ReasonBoot)
	}

	time.AfterFunc(r.bootCooldown, func() {
		r.expireBoot(sessionName, record)
	})
	return nil
}

func (r *Registry) expireBoot(sessionName string, record bootRecord) {
	s, err := r.get(sessionName)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range s.booted {
		if b == record {
			s.booted = append(s.booted[:i], s.booted[i+1:]...)
			return
		}
	}
}

// Unban revokes a ban, matching by username and fingerprint.
func (r *Registry) Unban(requester, target, sessionName string) error {
	s, err := r.get(sessionName)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOwner(requester); err != nil {
		return err
	}
	for i, b := range s.banned {
		if b.Username == target {
			s.banned = append(s.banned[:i], s.banned[i+1:]...)
			return nil
		}
	}
	return nil
}

// SetRole promotes or demotes a member. Only active owners may change roles.
func (r *Registry) SetRole(requester, target, sessionName string, newRole role.Role) error {
	s, err := r.get(sessionName)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOwner(requester); err != nil {
		return err
	}
	m, ok := s.members[target]
	if !ok {
		return fmt.Errorf("no such member %q", target)
	}
	m.Role = newRole
	return nil
}

// CountOtherOwners reports how many active owners other than the given user
// the session has. Clients call this before leaving to warn a sole owner.
func (r *Registry) CountOtherOwners(sessionName, excludingUsername string) (int, error) {
	s, err := r.get(sessionName)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, m := range s.members {
		if m.Active && m.Role == role.Owner && m.Username != excludingUsername {
			count++
		}
	}
	return count, nil
}

// Members returns a copy of the session's member list.
func (r *Registry) Members(sessionName string) ([]*Member, error) {
	s, err := r.get(sessionName)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memberList(), nil
}

// Member returns a copy of one member record.
func (r *Registry) Member(sessionName, username string) (*Member, error) {
	s, err := r.get(sessionName)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[username]
	if !ok {
		return nil, nil
	}
	clone := *m
	return &clone, nil
}

// SessionCount reports the number of active sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Callers hold s.mu.
func (s *Session) memberList() []*Member {
	out := make([]*Member, 0, len(s.members))
	for _, m := range s.members {
		clone := *m
		out = append(out, &clone)
	}
	return out
}

// Callers hold s.mu.
func (s *Session) isBanned(username string, fp Fingerprint) bool {
	for _, b := range s.banned {
		if b.Username == username && b.Fingerprint == fp {
			return true
		}
	}
	return false
}

// Callers hold s.mu.
func (s *Session) isBooted(username string, fp Fingerprint, now time.Time) bool {
	for _, b := range s.booted {
		if b.Username == username && b.Fingerprint == fp && now.Before(b.Expires) {
			return true
		}
	}
	return false
}
