package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"maildispatchd/internal/crypto"
	"maildispatchd/internal/mail"
)

func newTestStore(t *testing.T, fullEncrypt bool, maxRetry int) *Store {
	t.Helper()
	cipher, err := crypto.NewCipher("test-secret", crypto.MethodAES128)
	require.NoError(t, err)
	return NewStore(t.TempDir(), t.TempDir(), fullEncrypt, cipher, RetryPolicy{MaxRetry: maxRetry}, zap.NewNop().Sugar())
}

func testMessage() mail.Message {
	return mail.Message{
		To:      []mail.Recipient{{Address: "a@example.test"}},
		Subject: "S",
		Body:    "B",
	}
}

func TestEnqueueListRead(t *testing.T) {
	s := newTestStore(t, false, 1)

	name, err := s.Enqueue(testMessage(), false)
	require.NoError(t, err)
	assert.True(t, ValidName(name))

	names, total, err := s.List(0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, []string{name}, names)

	got, err := s.Read(name)
	require.NoError(t, err)
	assert.Equal(t, []mail.Recipient{{Address: "a@example.test"}}, got.To)
	assert.Equal(t, "S", got.Subject)
	assert.Equal(t, "B", got.Body)
	assert.Zero(t, got.FailToDelivered)
}

func TestReadIsAlwaysRedacted(t *testing.T) {
	for _, fullEncrypt := range []bool{false, true} {
		s := newTestStore(t, fullEncrypt, 1)
		msg := testMessage()
		msg.SMTPPassword = "hunter2"

		name, err := s.Enqueue(msg, false)
		require.NoError(t, err)

		got, err := s.Read(name)
		require.NoError(t, err)
		assert.Empty(t, got.SMTPPassword, "fullEncrypt=%v", fullEncrypt)
		assert.Empty(t, got.SMTPEncryptPassword, "fullEncrypt=%v", fullEncrypt)
	}
}

func TestFieldLevelEncryptionAtRest(t *testing.T) {
	s := newTestStore(t, false, 1)
	msg := testMessage()
	msg.SMTPPassword = "hunter2"

	name, err := s.Enqueue(msg, false)
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(s.pendingDir, name))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")
	assert.Contains(t, string(raw), "smtpEncryptPassword")
}

func TestWholeDocumentEncryptionAtRest(t *testing.T) {
	s := newTestStore(t, true, 1)

	name, err := s.Enqueue(testMessage(), false)
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(s.pendingDir, name))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "a@example.test")

	got, err := s.Read(name)
	require.NoError(t, err)
	assert.Equal(t, "S", got.Subject)
}

func TestListLimit(t *testing.T) {
	s := newTestStore(t, false, 1)
	for i := 0; i < 5; i++ {
		_, err := s.Enqueue(testMessage(), false)
		require.NoError(t, err)
	}

	names, total, err := s.List(3)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, names, 3)

	names, total, err = s.List(10)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, names, 5)
}

func TestListNonPositiveLimitReturnsEverything(t *testing.T) {
	s := newTestStore(t, false, 1)
	for i := 0; i < 501; i++ {
		name := fmt.Sprintf("mail_1700000000_%03d.json", i)
		require.NoError(t, os.WriteFile(filepath.Join(s.pendingDir, name), []byte("{}"), 0o600))
	}

	for _, limit := range []int{-1, 0} {
		names, total, err := s.List(limit)
		require.NoError(t, err)
		assert.Equal(t, 501, total, "limit=%d", limit)
		assert.Len(t, names, 501, "limit=%d", limit)
	}
}

func TestForeignFilesAreInvisible(t *testing.T) {
	s := newTestStore(t, false, 1)
	require.NoError(t, os.WriteFile(filepath.Join(s.pendingDir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(s.pendingDir, "mail_bad_name"), []byte("x"), 0o600))

	names, total, err := s.List(0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, names)

	_, err = s.Read("notes.txt")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Remove("../../etc/passwd"), ErrNotFound)
}

func TestUpdateRewritesUnderNewIdentity(t *testing.T) {
	s := newTestStore(t, false, 1)
	name, err := s.Enqueue(testMessage(), false)
	require.NoError(t, err)

	newName, updated, err := s.Update(name, map[string]any{
		"subject":      "S2",
		"scheduleTime": float64(1700000000),
		"smtpPassword": "hunter2",
	})
	require.NoError(t, err)
	assert.NotEqual(t, name, newName)
	assert.Contains(t, newName, "mail_1700000000_")
	assert.Equal(t, "S2", updated.Subject)
	assert.Empty(t, updated.SMTPPassword)
	assert.Empty(t, updated.SMTPEncryptPassword)

	_, err = s.Read(name)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.Read(newName)
	require.NoError(t, err)
	assert.Equal(t, "S2", got.Subject)
	assert.Equal(t, "B", got.Body)
}

func TestUpdateMissingItem(t *testing.T) {
	s := newTestStore(t, false, 1)
	_, _, err := s.Update("mail_1700000000_gone.json", map[string]any{"subject": "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdatePartialWriteFailure(t *testing.T) {
	s := newTestStore(t, false, 1)
	name, err := s.Enqueue(testMessage(), false)
	require.NoError(t, err)

	s.writeFile = func(string, []byte, os.FileMode) error {
		return errors.New("no space left on device")
	}

	_, _, err = s.Update(name, map[string]any{"subject": "S2"})
	assert.ErrorIs(t, err, ErrPartialUpdate)

	// the old item is already gone; the distinct error is the caller's only signal
	_, err = s.Read(name)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveAndClear(t *testing.T) {
	s := newTestStore(t, false, 1)
	name, err := s.Enqueue(testMessage(), false)
	require.NoError(t, err)
	_, err = s.Enqueue(testMessage(), false)
	require.NoError(t, err)

	require.NoError(t, s.Remove(name))
	assert.ErrorIs(t, s.Remove(name), ErrNotFound)

	removed, err := s.Clear()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	depth, err := s.Depth()
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestClaimSchedulingAndExclusivity(t *testing.T) {
	s := newTestStore(t, false, 1)

	due := testMessage()
	past := time.Now().Add(-time.Hour).Unix()
	due.ScheduleTime = &past
	dueName, err := s.Enqueue(due, false)
	require.NoError(t, err)

	future := testMessage()
	later := time.Now().Add(time.Hour).Unix()
	future.ScheduleTime = &later
	futureName, err := s.Enqueue(future, false)
	require.NoError(t, err)

	claimed, err := s.Claim(10, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{dueName}, claimed)

	// claimed item is gone from the pending listing
	names, _, err := s.List(0)
	require.NoError(t, err)
	assert.Equal(t, []string{futureName}, names)

	// and a second claim cannot return it again
	claimed, err = s.Claim(10, time.Now())
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestClaimBatchBound(t *testing.T) {
	s := newTestStore(t, false, 1)
	for i := 0; i < 5; i++ {
		_, err := s.Enqueue(testMessage(), false)
		require.NoError(t, err)
	}

	claimed, err := s.Claim(2, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, claimed, 2)

	claimed, err = s.Claim(10, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, claimed, 3)
}

func TestReadClaimedReassemblesPassword(t *testing.T) {
	s := newTestStore(t, false, 1)
	msg := testMessage()
	msg.SMTPPassword = "hunter2"

	name, err := s.Enqueue(msg, false)
	require.NoError(t, err)
	claimed, err := s.Claim(1, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, []string{name}, claimed)

	got, err := s.ReadClaimed(name)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got.SMTPPassword)
	assert.Empty(t, got.SMTPEncryptPassword)
}

func TestFinalizeDelivered(t *testing.T) {
	s := newTestStore(t, false, 1)
	name, err := s.Enqueue(testMessage(), false)
	require.NoError(t, err)
	_, err = s.Claim(1, time.Now().Add(time.Minute))
	require.NoError(t, err)

	msg, err := s.ReadClaimed(name)
	require.NoError(t, err)

	requeued, err := s.Finalize(name, msg, Delivered)
	require.NoError(t, err)
	assert.False(t, requeued)

	_, err = s.ReadClaimed(name)
	assert.ErrorIs(t, err, ErrNotFound)
	depth, err := s.Depth()
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestFinalizeFailedRequeuesThenDiscards(t *testing.T) {
	s := newTestStore(t, false, 1)
	name, err := s.Enqueue(testMessage(), false)
	require.NoError(t, err)
	_, err = s.Claim(1, time.Now().Add(time.Minute))
	require.NoError(t, err)

	msg, err := s.ReadClaimed(name)
	require.NoError(t, err)
	require.Zero(t, msg.FailToDelivered)

	// first failure: failToDelivered=1 <= maxRetry=1, requeued
	requeued, err := s.Finalize(name, msg, Failed)
	require.NoError(t, err)
	assert.True(t, requeued)

	names, total, err := s.List(0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	got, err := s.Read(names[0])
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailToDelivered)

	// second failure: failToDelivered=2 > maxRetry=1, discarded
	claimed, err := s.Claim(1, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	msg, err = s.ReadClaimed(claimed[0])
	require.NoError(t, err)

	requeued, err = s.Finalize(claimed[0], msg, Failed)
	require.NoError(t, err)
	assert.False(t, requeued)

	depth, err := s.Depth()
	require.NoError(t, err)
	assert.Zero(t, depth)
	inflight, err := s.scan(s.inflightDir)
	require.NoError(t, err)
	assert.Empty(t, inflight)
}

func TestFinalizeUnlimitedRetriesNeverDiscards(t *testing.T) {
	s := newTestStore(t, false, -1)
	name, err := s.Enqueue(testMessage(), false)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		claimed, err := s.Claim(1, time.Now().Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, claimed, 1, "iteration %d", i)

		msg, err := s.ReadClaimed(claimed[0])
		require.NoError(t, err)

		requeued, err := s.Finalize(claimed[0], msg, Failed)
		require.NoError(t, err)
		assert.True(t, requeued)
	}

	_ = name
	depth, err := s.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestReclaimStale(t *testing.T) {
	s := newTestStore(t, false, 1)
	name, err := s.Enqueue(testMessage(), false)
	require.NoError(t, err)
	_, err = s.Claim(1, time.Now().Add(time.Minute))
	require.NoError(t, err)

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(s.inflightDir, name), old, old))

	// threshold zero keeps the source behavior: nothing moves
	n, err := s.ReclaimStale(0, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.ReclaimStale(time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	names, _, err := s.List(0)
	require.NoError(t, err)
	assert.Equal(t, []string{name}, names)
}
