package profilestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/snappy"

	"notifyfeed/server/internal/wire"
)

// Persistence saves and loads a plaintext-serialized snapshot of the
// profile table to disk. Writes are atomic (temp file + rename) and the
// previous generations are kept as snappy-compressed rotated backups, the
// same scheme the source used for its replay bundles, applied here to a
// single data file instead of a directory of event/frame streams.
type Persistence struct {
	path        string
	backupCount int
}

// NewPersistence returns a Persistence writing/reading snapshots at path,
// retaining up to backupCount rotated backups (0 disables rotation).
func NewPersistence(path string, backupCount int) *Persistence {
	if backupCount < 0 {
		backupCount = 0
	}
	return &Persistence{path: path, backupCount: backupCount}
}

// Save serializes profiles and atomically replaces the data file, rotating
// any existing file into a backup generation first.
func (p *Persistence) Save(profiles []*Profile) error {
	s := wire.NewSerializer()
	s.WriteLen(len(profiles))
	for _, profile := range profiles {
		encodeProfile(s, profile)
	}

	dir := filepath.Dir(p.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("profilestore: mkdir %s: %w", dir, err)
		}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(p.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("profilestore: create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(s.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("profilestore: write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("profilestore: sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("profilestore: close temp snapshot: %w", err)
	}

	if p.backupCount > 0 {
		if err := p.rotateBackups(); err != nil {
			os.Remove(tmpName)
			return err
		}
	}

	if err := os.Rename(tmpName, p.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("profilestore: replace snapshot: %w", err)
	}
	return nil
}

// rotateBackups compresses the current data file (if any) into
// "<path>.1.sz", shifting older generations up to backupCount and dropping
// whatever falls off the end.
func (p *Persistence) rotateBackups() error {
	if _, err := os.Stat(p.path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("profilestore: stat snapshot: %w", err)
	}

	oldest := p.backupPath(p.backupCount)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("profilestore: drop oldest backup: %w", err)
	}
	for gen := p.backupCount - 1; gen >= 1; gen-- {
		src := p.backupPath(gen)
		dst := p.backupPath(gen + 1)
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("profilestore: rotate backup %d: %w", gen, err)
		}
	}
	return p.compressBackup(p.path, p.backupPath(1))
}

func (p *Persistence) backupPath(gen int) string {
	return fmt.Sprintf("%s.%d.sz", p.path, gen)
}

func (p *Persistence) compressBackup(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("profilestore: open previous snapshot: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("profilestore: create backup: %w", err)
	}
	w := snappy.NewBufferedWriter(out)
	if _, err := copyAll(w, in); err != nil {
		w.Close()
		out.Close()
		return fmt.Errorf("profilestore: compress backup: %w", err)
	}
	if err := w.Close(); err != nil {
		out.Close()
		return fmt.Errorf("profilestore: flush backup: %w", err)
	}
	return out.Close()
}

func copyAll(dst *snappy.Writer, src *os.File) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return written, nil
			}
			return written, readErr
		}
	}
}

// Load decodes the current data file into a profile table keyed by
// username. A missing file is not an error: it reports an empty table, the
// same "nothing persisted yet" case the source treats as a fresh start.
func (p *Persistence) Load() (map[Username]*Profile, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[Username]*Profile), nil
		}
		return nil, fmt.Errorf("profilestore: read snapshot: %w", err)
	}

	d := wire.NewDeserializer(raw)
	count, err := d.ReadLen()
	if err != nil {
		return nil, fmt.Errorf("profilestore: decode snapshot length: %w", err)
	}
	profiles := make(map[Username]*Profile, count)
	for i := 0; i < count; i++ {
		profile, err := decodeProfile(d)
		if err != nil {
			return nil, fmt.Errorf("profilestore: decode profile %d: %w", i, err)
		}
		profiles[profile.Username] = profile
	}
	if err := d.ExpectEOF(); err != nil {
		return nil, err
	}
	return profiles, nil
}

// encodeProfile serializes every durable field of a profile. Sessions are
// runtime-only and intentionally excluded, matching spec's persisted-state
// boundary.
func encodeProfile(s *wire.Serializer, profile *Profile) {
	s.WriteString(profile.Username.String())
	s.WriteInt64(profile.CreatedAt)
	s.WriteUint64(profile.NotifCounter)

	s.WriteLen(len(profile.Followers))
	for follower := range profile.Followers {
		s.WriteString(follower.String())
	}

	s.WriteLen(len(profile.ReceivedNotifs))
	for id, retained := range profile.ReceivedNotifs {
		s.WriteUint64(id)
		s.WriteString(retained.Message.String())
		s.WriteInt64(retained.SentAt)
		s.WriteUint64(uint64(retained.PendingCount))
	}

	s.WriteLen(len(profile.PendingNotifs))
	for _, pending := range profile.PendingNotifs {
		s.WriteString(pending.sender.String())
		s.WriteUint64(pending.notifID)
	}
}

func decodeProfile(d *wire.Deserializer) (*Profile, error) {
	name, err := d.ReadString()
	if err != nil {
		return nil, fmt.Errorf("username: %w", err)
	}
	username, err := wire.NewUsername(name)
	if err != nil {
		return nil, err
	}
	createdAt, err := d.ReadInt64()
	if err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	notifCounter, err := d.ReadUint64()
	if err != nil {
		return nil, fmt.Errorf("notif_counter: %w", err)
	}

	profile := newProfile(username, createdAt)
	profile.NotifCounter = notifCounter

	followerCount, err := d.ReadLen()
	if err != nil {
		return nil, fmt.Errorf("followers length: %w", err)
	}
	for i := 0; i < followerCount; i++ {
		name, err := d.ReadString()
		if err != nil {
			return nil, fmt.Errorf("follower %d: %w", i, err)
		}
		follower, err := wire.NewUsername(name)
		if err != nil {
			return nil, err
		}
		profile.Followers[follower] = struct{}{}
	}

	retainedCount, err := d.ReadLen()
	if err != nil {
		return nil, fmt.Errorf("received_notifs length: %w", err)
	}
	for i := 0; i < retainedCount; i++ {
		id, err := d.ReadUint64()
		if err != nil {
			return nil, fmt.Errorf("received_notif %d id: %w", i, err)
		}
		content, err := d.ReadString()
		if err != nil {
			return nil, fmt.Errorf("received_notif %d message: %w", i, err)
		}
		notif, err := wire.NewNotifMessage(content)
		if err != nil {
			return nil, err
		}
		sentAt, err := d.ReadInt64()
		if err != nil {
			return nil, fmt.Errorf("received_notif %d sent_at: %w", i, err)
		}
		pendingCount, err := d.ReadUint64()
		if err != nil {
			return nil, fmt.Errorf("received_notif %d pending_count: %w", i, err)
		}
		profile.ReceivedNotifs[id] = &RetainedNotif{
			ID:           id,
			Message:      notif,
			SentAt:       sentAt,
			PendingCount: int(pendingCount),
		}
	}

	pendingCount, err := d.ReadLen()
	if err != nil {
		return nil, fmt.Errorf("pending_notifs length: %w", err)
	}
	for i := 0; i < pendingCount; i++ {
		name, err := d.ReadString()
		if err != nil {
			return nil, fmt.Errorf("pending_notif %d sender: %w", i, err)
		}
		sender, err := wire.NewUsername(name)
		if err != nil {
			return nil, err
		}
		notifID, err := d.ReadUint64()
		if err != nil {
			return nil, fmt.Errorf("pending_notif %d notif id: %w", i, err)
		}
		profile.PendingNotifs = append(profile.PendingNotifs, pendingEntry{sender: sender, notifID: notifID})
	}

	return profile, nil
}
