package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"maildispatchd/internal/crypto"
	"maildispatchd/internal/mail"
)

// filePattern is the only shape of name any queue operation will touch;
// everything else in the directories is invisible.
var filePattern = regexp.MustCompile(`^mail_([0-9]+)_[A-Za-z0-9-]+\.json$`)

var (
	ErrNotFound = errors.New("queue: item not found")

	// ErrPartialUpdate reports an update that removed the old item but could
	// not write the replacement. The caller must surface it, not retry.
	ErrPartialUpdate = errors.New("queue: old item removed but new item not written")
)

// Outcome is the terminal decision on a claimed item.
type Outcome int

const (
	Delivered Outcome = iota
	Failed
)

// ValidName reports whether name matches the queue filename pattern.
func ValidName(name string) bool {
	return filePattern.MatchString(name)
}

func nameTimestamp(name string) (int64, bool) {
	m := filePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	ts, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

// Store is the durable mail queue over a pending and an in-flight directory.
// Filenames encode (timestamp, unique suffix) and double as the only index;
// rename is the atomic ownership transfer between the two cooperating
// processes.
type Store struct {
	pendingDir  string
	inflightDir string
	fullEncrypt bool
	cipher      *crypto.Cipher
	policy      RetryPolicy
	logger      *zap.SugaredLogger

	// swappable in tests to exercise write failures
	writeFile func(name string, data []byte, perm os.FileMode) error
}

func NewStore(pendingDir, inflightDir string, fullEncrypt bool, cipher *crypto.Cipher, policy RetryPolicy, logger *zap.SugaredLogger) *Store {
	return &Store{
		pendingDir:  pendingDir,
		inflightDir: inflightDir,
		fullEncrypt: fullEncrypt,
		cipher:      cipher,
		policy:      policy,
		logger:      logger,
		writeFile:   os.WriteFile,
	}
}

func newName(ts int64) string {
	return fmt.Sprintf("mail_%d_%s.json", ts, uuid.NewString())
}

func (s *Store) encode(msg *mail.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if s.fullEncrypt {
		sealed, err := s.cipher.Encrypt(data)
		if err != nil {
			return nil, err
		}
		return []byte(sealed), nil
	}
	return data, nil
}

func (s *Store) decodeDoc(data []byte, doc any) error {
	if s.fullEncrypt {
		plain, err := s.cipher.Decrypt(string(data))
		if err != nil {
			return err
		}
		data = plain
	}
	return json.Unmarshal(data, doc)
}

// sealPassword applies field-level encryption: smtpPassword becomes
// smtpEncryptPassword before the document is written. A no-op in
// whole-document mode, where the envelope already covers it.
func (s *Store) sealPassword(msg *mail.Message) error {
	if s.fullEncrypt || msg.SMTPPassword == "" {
		return nil
	}
	sealed, err := s.cipher.Encrypt([]byte(msg.SMTPPassword))
	if err != nil {
		return err
	}
	msg.SMTPEncryptPassword = sealed
	msg.SMTPPassword = ""
	return nil
}

// Enqueue persists a mail job in the pending area and returns its identity.
// failed marks a delivery that already failed once: the counter is
// incremented before the write.
func (s *Store) Enqueue(msg mail.Message, failed bool) (string, error) {
	if failed {
		msg.FailToDelivered++
	}
	if err := s.sealPassword(&msg); err != nil {
		return "", err
	}

	ts := time.Now().Unix()
	if msg.ScheduleTime != nil {
		ts = *msg.ScheduleTime
	}
	name := newName(ts)

	data, err := s.encode(&msg)
	if err != nil {
		return "", err
	}
	if err := s.writeFile(filepath.Join(s.pendingDir, name), data, 0o600); err != nil {
		return "", fmt.Errorf("writing queue item: %w", err)
	}
	return name, nil
}

// List returns up to limit pending identities in directory order, plus the
// total count. limit <= 0 means all; callers supply their own default.
func (s *Store) List(limit int) ([]string, int, error) {
	names, err := s.scan(s.pendingDir)
	if err != nil {
		return nil, 0, err
	}
	total := len(names)
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}
	return names, total, nil
}

func (s *Store) scan(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading queue dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !ValidName(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// Read returns the pending item, always redacted: password fields never
// leave the store through this path.
func (s *Store) Read(name string) (*mail.Message, error) {
	if !ValidName(name) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.pendingDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading queue item: %w", err)
	}
	var msg mail.Message
	if err := s.decodeDoc(data, &msg); err != nil {
		return nil, err
	}
	msg.Redact()
	return &msg, nil
}

// Update merges patch onto the stored document, key by key, and rewrites the
// item under a freshly derived identity: delete-then-create, never in-place.
// The patch's own smtpPassword, if present, is re-sealed per the encryption
// mode. Returns the new identity and the redacted merged document.
func (s *Store) Update(name string, patch map[string]any) (string, *mail.Message, error) {
	if !ValidName(name) {
		return "", nil, ErrNotFound
	}
	oldPath := filepath.Join(s.pendingDir, name)
	data, err := os.ReadFile(oldPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, ErrNotFound
		}
		return "", nil, fmt.Errorf("reading queue item: %w", err)
	}

	doc := make(map[string]any)
	if err := s.decodeDoc(data, &doc); err != nil {
		return "", nil, err
	}

	merged := make(map[string]any, len(patch))
	for k, v := range patch {
		merged[k] = v
	}
	if pw, ok := merged["smtpPassword"].(string); ok {
		if s.fullEncrypt {
			doc["smtpPassword"] = pw
		} else {
			sealed, err := s.cipher.Encrypt([]byte(pw))
			if err != nil {
				return "", nil, err
			}
			doc["smtpEncryptPassword"] = sealed
			delete(doc, "smtpPassword")
		}
		delete(merged, "smtpPassword")
	}
	for k, v := range merged {
		doc[k] = v
	}

	ts := time.Now().Unix()
	if v, ok := docInt64(merged, "scheduleTime"); ok {
		ts = v
	} else if v, ok := docInt64(doc, "scheduleTime"); ok {
		ts = v
	}
	next := newName(ts)

	out, err := json.Marshal(doc)
	if err != nil {
		return "", nil, err
	}
	if s.fullEncrypt {
		sealed, err := s.cipher.Encrypt(out)
		if err != nil {
			return "", nil, err
		}
		out = []byte(sealed)
	}

	if err := os.Remove(oldPath); err != nil {
		return "", nil, fmt.Errorf("removing old queue item: %w", err)
	}
	if err := s.writeFile(filepath.Join(s.pendingDir, next), out, 0o600); err != nil {
		return "", nil, fmt.Errorf("%w: %s", ErrPartialUpdate, name)
	}

	var result mail.Message
	if raw, err := json.Marshal(doc); err == nil {
		_ = json.Unmarshal(raw, &result)
	}
	result.Redact()
	return next, &result, nil
}

func docInt64(doc map[string]any, key string) (int64, bool) {
	switch v := doc[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

// Remove deletes a pending item.
func (s *Store) Remove(name string) error {
	if !ValidName(name) {
		return ErrNotFound
	}
	err := os.Remove(filepath.Join(s.pendingDir, name))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

// Clear removes every pending item and returns the number removed.
func (s *Store) Clear() (int, error) {
	names, err := s.scan(s.pendingDir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, name := range names {
		if err := os.Remove(filepath.Join(s.pendingDir, name)); err != nil {
			s.logger.Errorw("failed to remove queue item", "item", name, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Depth reports the number of pending items.
func (s *Store) Depth() (int, error) {
	names, err := s.scan(s.pendingDir)
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// Claim moves up to batchSize due items (encoded timestamp <= now) from
// pending to in-flight, in directory order, and returns their identities.
// A rename failure skips that one item without aborting the batch.
func (s *Store) Claim(batchSize int, now time.Time) ([]string, error) {
	names, err := s.scan(s.pendingDir)
	if err != nil {
		return nil, err
	}
	claimed := make([]string, 0, batchSize)
	for _, name := range names {
		if len(claimed) >= batchSize {
			break
		}
		ts, ok := nameTimestamp(name)
		if !ok || ts > now.Unix() {
			continue
		}
		src := filepath.Join(s.pendingDir, name)
		dst := filepath.Join(s.inflightDir, name)
		if err := os.Rename(src, dst); err != nil {
			s.logger.Errorw("unable to claim queue item", "item", name, "error", err)
			continue
		}
		claimed = append(claimed, name)
	}
	return claimed, nil
}

// ReadClaimed returns an in-flight item with its SMTP password reassembled,
// ready for delivery. Unlike Read it is not redacted; it is reachable only
// through the internal processQueueFile path.
func (s *Store) ReadClaimed(name string) (*mail.Message, error) {
	if !ValidName(name) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.inflightDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading claimed item: %w", err)
	}
	var msg mail.Message
	if err := s.decodeDoc(data, &msg); err != nil {
		return nil, err
	}
	if !s.fullEncrypt && msg.SMTPEncryptPassword != "" {
		plain, err := s.cipher.Decrypt(msg.SMTPEncryptPassword)
		if err != nil {
			return nil, err
		}
		msg.SMTPPassword = string(plain)
		msg.SMTPEncryptPassword = ""
	}
	return &msg, nil
}

// Finalize takes the terminal decision on a claimed item: delete it
// (Delivered), or bump its failure counter and either requeue it under a
// fresh identity or discard it once the retry bound is exhausted. Returns
// whether the item went back to pending.
func (s *Store) Finalize(name string, msg *mail.Message, outcome Outcome) (bool, error) {
	inflight := filepath.Join(s.inflightDir, name)

	if outcome == Delivered {
		if err := os.Remove(inflight); err != nil {
			s.logger.Warnw("unable to clear delivered item", "item", name, "error", err)
		}
		return false, nil
	}

	updated := *msg
	updated.FailToDelivered++
	if err := s.sealPassword(&updated); err != nil {
		return false, err
	}

	if !s.policy.ShouldRetry(updated.FailToDelivered) {
		if err := os.Remove(inflight); err != nil {
			s.logger.Warnw("unable to clear discarded item", "item", name, "error", err)
		}
		s.logger.Warnw("queue item discarded after exhausting retries", "item", name, "failures", updated.FailToDelivered)
		return false, nil
	}

	ts := time.Now().Unix()
	if updated.ScheduleTime != nil {
		ts = *updated.ScheduleTime
	}
	next := newName(ts)

	data, err := s.encode(&updated)
	if err != nil {
		return false, err
	}
	if err := s.writeFile(filepath.Join(s.pendingDir, next), data, 0o600); err != nil {
		return false, fmt.Errorf("requeueing item %s: %w", name, err)
	}
	if err := os.Remove(inflight); err != nil {
		s.logger.Warnw("unable to clear requeued item", "item", name, "error", err)
	}
	return true, nil
}

// ReclaimStale moves in-flight items whose file is older than threshold back
// to pending. Covers handoff calls that never reached a worker; disabled
// when threshold is zero.
func (s *Store) ReclaimStale(threshold time.Duration, now time.Time) (int, error) {
	if threshold <= 0 {
		return 0, nil
	}
	names, err := s.scan(s.inflightDir)
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, name := range names {
		path := filepath.Join(s.inflightDir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < threshold {
			continue
		}
		if err := os.Rename(path, filepath.Join(s.pendingDir, name)); err != nil {
			s.logger.Errorw("unable to reclaim stale item", "item", name, "error", err)
			continue
		}
		s.logger.Warnw("reclaimed stale in-flight item", "item", name, "age", now.Sub(info.ModTime()).String())
		reclaimed++
	}
	return reclaimed, nil
}
