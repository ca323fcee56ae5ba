// Package profilestore implements the concurrent in-memory profile,
// follower, session and pending-notification tables that sit above the
// reliable transport: connect/disconnect/follow/notify/consume, guarded by
// a single store-wide mutex, plus periodic persistence of durable state.
package profilestore

import (
	"errors"
	"sync"

	"notifyfeed/server/internal/logging"
	"notifyfeed/server/internal/wire"
)

// MaxSessionsPerProfile bounds how many concurrent sessions a single
// username may hold.
const MaxSessionsPerProfile = 2

// Error is a store rule violation, carrying the wire.ErrorKind it maps to.
type Error struct {
	Kind wire.ErrorKind
}

func (e *Error) Error() string { return "profilestore: " + e.Kind.String() }

var (
	errTooManySessions  = &Error{Kind: wire.ErrKindTooManySessions}
	errNoConnection     = &Error{Kind: wire.ErrKindNoConnection}
	errUnknownUsername  = &Error{Kind: wire.ErrKindUnknownUsername}
	errCannotFollowSelf = &Error{Kind: wire.ErrKindCannotFollowSelf}
)

// RetainedNotif is a notification retained on its author's profile until
// every follower has consumed (or been removed before consuming) it.
type RetainedNotif struct {
	ID           uint64
	Message      wire.NotifMessage
	SentAt       int64
	PendingCount int
}

type pendingEntry struct {
	sender  Username
	notifID uint64
}

// Username is a local alias kept distinct from wire.Username only for
// readability within this package's signatures.
type Username = wire.Username

// Profile is one user's durable record plus runtime session set.
type Profile struct {
	Username       Username
	CreatedAt      int64
	NotifCounter   uint64
	Followers      map[Username]struct{}
	Sessions       map[wire.Address]struct{}
	ReceivedNotifs map[uint64]*RetainedNotif
	PendingNotifs  []pendingEntry
}

func newProfile(username Username, ts int64) *Profile {
	return &Profile{
		Username:       username,
		CreatedAt:      ts,
		Followers:      make(map[Username]struct{}),
		Sessions:       make(map[wire.Address]struct{}),
		ReceivedNotifs: make(map[uint64]*RetainedNotif),
	}
}

// PendingNotif is a single delivery-ready notification for a follower.
type PendingNotif struct {
	Sender    Username
	Message   wire.NotifMessage
	SentAt    int64
	Receivers []wire.Address
}

// WakeSink receives a username once new pending notifications have been
// queued for it, so the delivery worker knows which followers to drain.
type WakeSink interface {
	Wake(username Username)
}

// WakeSinkFunc adapts a function to WakeSink.
type WakeSinkFunc func(username Username)

// Wake implements WakeSink.
func (f WakeSinkFunc) Wake(username Username) { f(username) }

// Store is a thread-safe façade over the Profile and Session tables.
type Store struct {
	mu       sync.Mutex
	profiles map[Username]*Profile
	sessions map[wire.Address]Username

	dirty    bool
	cond     *sync.Cond
	shutdown bool

	persist *Persistence
	logger  *logging.Logger
}

// New builds an empty Store. If persist is non-nil, it is used by
// PersistIfDirty/Load.
func New(persist *Persistence, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	s := &Store{
		profiles: make(map[Username]*Profile),
		sessions: make(map[wire.Address]Username),
		persist:  persist,
		logger:   logger,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Store) markDirtyLocked() {
	s.dirty = true
	s.cond.Signal()
}

// Connect ensures a Profile exists for username and adds client as one of
// its sessions, failing with TOO_MANY_SESSIONS if the cap is reached.
func (s *Store) Connect(client wire.Address, username Username, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	profile, ok := s.profiles[username]
	if !ok {
		profile = newProfile(username, ts)
		s.profiles[username] = profile
	}
	if len(profile.Sessions) >= MaxSessionsPerProfile {
		return errTooManySessions
	}
	profile.Sessions[client] = struct{}{}
	s.sessions[client] = username
	s.markDirtyLocked()
	return nil
}

// Disconnect removes client's session if one exists, reporting whether it
// did.
func (s *Store) Disconnect(client wire.Address, ts int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	username, ok := s.sessions[client]
	if ok {
		delete(s.sessions, client)
		if profile, ok := s.profiles[username]; ok {
			delete(profile.Sessions, client)
		}
	}
	s.markDirtyLocked()
	return ok
}

// Follow records that followerClient's profile follows followed. Idempotent.
func (s *Store) Follow(followerClient wire.Address, followed Username, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	followerUsername, ok := s.sessions[followerClient]
	if !ok {
		return errNoConnection
	}
	followedProfile, ok := s.profiles[followed]
	if !ok {
		return errUnknownUsername
	}
	if followerUsername.Equal(followed) {
		return errCannotFollowSelf
	}
	followedProfile.Followers[followerUsername] = struct{}{}
	s.markDirtyLocked()
	return nil
}

// Notify publishes message from the session at senderClient to every one
// of its author's followers, waking each on wake. On success it reports the
// sender's username, the freshly assigned notif_id, and how many followers
// were fanned out to.
func (s *Store) Notify(senderClient wire.Address, message wire.NotifMessage, wake WakeSink, ts int64) (Username, uint64, int, error) {
	s.mu.Lock()

	senderUsername, ok := s.sessions[senderClient]
	if !ok {
		s.mu.Unlock()
		return Username{}, 0, 0, errNoConnection
	}
	senderProfile, ok := s.profiles[senderUsername]
	if !ok {
		s.mu.Unlock()
		return Username{}, 0, 0, errUnknownUsername
	}

	senderProfile.NotifCounter++
	notifID := senderProfile.NotifCounter
	followers := make([]Username, 0, len(senderProfile.Followers))
	for follower := range senderProfile.Followers {
		followers = append(followers, follower)
	}
	senderProfile.ReceivedNotifs[notifID] = &RetainedNotif{
		ID:           notifID,
		Message:      message,
		SentAt:       ts,
		PendingCount: len(followers),
	}
	for _, follower := range followers {
		followerProfile, ok := s.profiles[follower]
		if !ok {
			continue
		}
		followerProfile.PendingNotifs = append(followerProfile.PendingNotifs, pendingEntry{
			sender:  senderUsername,
			notifID: notifID,
		})
	}
	s.markDirtyLocked()
	s.mu.Unlock()

	for _, follower := range followers {
		wake.Wake(follower)
	}
	return senderUsername, notifID, len(followers), nil
}

// ConsumeOnePending pops the oldest pending notification queued for
// follower, or reports absent.
func (s *Store) ConsumeOnePending(follower Username) (PendingNotif, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	followerProfile, ok := s.profiles[follower]
	if !ok || len(followerProfile.PendingNotifs) == 0 {
		return PendingNotif{}, false
	}
	entry := followerProfile.PendingNotifs[0]
	followerProfile.PendingNotifs = followerProfile.PendingNotifs[1:]

	senderProfile, ok := s.profiles[entry.sender]
	if !ok {
		return PendingNotif{}, false
	}
	retained, ok := senderProfile.ReceivedNotifs[entry.notifID]
	if !ok {
		return PendingNotif{}, false
	}

	receivers := make([]wire.Address, 0, len(followerProfile.Sessions))
	for addr := range followerProfile.Sessions {
		receivers = append(receivers, addr)
	}

	result := PendingNotif{
		Sender:    entry.sender,
		Message:   retained.Message,
		SentAt:    retained.SentAt,
		Receivers: receivers,
	}

	retained.PendingCount--
	if retained.PendingCount <= 0 {
		delete(senderProfile.ReceivedNotifs, entry.notifID)
	}
	s.markDirtyLocked()
	return result, true
}

// ErrShutdown is returned by PersistIfDirty once Shutdown has been called.
var ErrShutdown = errors.New("profilestore: shut down")

// PersistIfDirty blocks until the store is dirty or shut down. On dirty, it
// serializes a consistent snapshot under the store mutex and persists it.
// A persistence I/O failure is logged and otherwise swallowed: the dirty
// flag stays cleared, and only a subsequent mutation re-marks it, matching
// the original's "don't retry a write that just failed" behavior. Returns
// ErrShutdown once Shutdown has been called and there is no more work to do.
func (s *Store) PersistIfDirty() error {
	s.mu.Lock()
	for !s.dirty && !s.shutdown {
		s.cond.Wait()
	}
	if s.shutdown && !s.dirty {
		s.mu.Unlock()
		return ErrShutdown
	}
	snapshot := s.snapshotLocked()
	s.dirty = false
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.Save(snapshot); err != nil {
			s.logger.Error("profile store persist failed", logging.Error(err))
		}
	}
	return nil
}

// Load attempts to decode a previously persisted snapshot, replacing the
// store's profile table. Returns true on success; on decode failure the
// store is cleared to empty.
func (s *Store) Load() bool {
	if s.persist == nil {
		return false
	}
	profiles, err := s.persist.Load()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.profiles = make(map[Username]*Profile)
		s.sessions = make(map[wire.Address]Username)
		return false
	}
	s.profiles = profiles
	s.sessions = make(map[wire.Address]Username)
	return true
}

// Shutdown marks the store inactive and wakes the persistence waiter.
func (s *Store) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Stats is a point-in-time summary of store occupancy, for operational
// dashboards.
type Stats struct {
	Profiles      int
	Sessions      int
	PendingNotifs int
}

// Stats reports the current profile, session and queued-pending-notification
// counts.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := 0
	for _, p := range s.profiles {
		pending += len(p.PendingNotifs)
	}
	return Stats{
		Profiles:      len(s.profiles),
		Sessions:      len(s.sessions),
		PendingNotifs: pending,
	}
}

func (s *Store) snapshotLocked() []*Profile {
	snapshot := make([]*Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		copyProfile := &Profile{
			Username:       p.Username,
			CreatedAt:      p.CreatedAt,
			NotifCounter:   p.NotifCounter,
			Followers:      make(map[Username]struct{}, len(p.Followers)),
			ReceivedNotifs: make(map[uint64]*RetainedNotif, len(p.ReceivedNotifs)),
			PendingNotifs:  append([]pendingEntry(nil), p.PendingNotifs...),
		}
		for f := range p.Followers {
			copyProfile.Followers[f] = struct{}{}
		}
		for id, retained := range p.ReceivedNotifs {
			cp := *retained
			copyProfile.ReceivedNotifs[id] = &cp
		}
		snapshot = append(snapshot, copyProfile)
	}
	return snapshot
}
