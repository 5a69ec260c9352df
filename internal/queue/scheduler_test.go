package queue

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"maildispatchd/internal/crypto"
)

// fakeWorker accepts connections and answers every request with a success
// response, recording the decrypted processQueueFile tokens it receives.
type fakeWorker struct {
	listener net.Listener
	cipher   *crypto.Cipher

	mu    sync.Mutex
	names []string
}

func newFakeWorker(t *testing.T, cipher *crypto.Cipher) *fakeWorker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	w := &fakeWorker{listener: ln, cipher: cipher}
	go w.loop()
	t.Cleanup(func() { ln.Close() })
	return w
}

func (w *fakeWorker) loop() {
	for {
		conn, err := w.listener.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()
			var req map[string]string
			if err := json.NewDecoder(conn).Decode(&req); err != nil {
				return
			}
			if token, ok := req["processQueueFile"]; ok {
				if name, err := w.cipher.Decrypt(token); err == nil {
					w.mu.Lock()
					w.names = append(w.names, string(name))
					w.mu.Unlock()
				}
			}
			_ = json.NewEncoder(conn).Encode(map[string]any{"status": "success", "data": nil, "message": "ok"})
		}(conn)
	}
}

func (w *fakeWorker) received() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.names))
	copy(out, w.names)
	return out
}

func newTestScheduler(t *testing.T, store *Store, addr string) *Scheduler {
	t.Helper()
	return NewScheduler(store, store.cipher, addr, false, time.Minute, 10, 0, zap.NewNop().Sugar())
}

func TestSchedulerTickHandsOffClaimedItems(t *testing.T) {
	store := newTestStore(t, false, 1)
	worker := newFakeWorker(t, store.cipher)

	first, err := store.Enqueue(testMessage(), false)
	require.NoError(t, err)
	second, err := store.Enqueue(testMessage(), false)
	require.NoError(t, err)

	s := newTestScheduler(t, store, worker.listener.Addr().String())
	s.tick(time.Now().Add(time.Minute))

	assert.ElementsMatch(t, []string{first, second}, worker.received())

	// claimed items left the pending area
	_, total, err := store.List(0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestSchedulerTickLostHandoffLeavesItemInFlight(t *testing.T) {
	store := newTestStore(t, false, 1)

	name, err := store.Enqueue(testMessage(), false)
	require.NoError(t, err)

	// nothing is listening on this address
	s := newTestScheduler(t, store, "127.0.0.1:1")
	s.dialTimeout = 200 * time.Millisecond
	s.tick(time.Now().Add(time.Minute))

	_, total, err := store.List(0)
	require.NoError(t, err)
	assert.Zero(t, total, "item must not return to pending on a lost handoff")

	inflight, err := store.scan(store.inflightDir)
	require.NoError(t, err)
	assert.Equal(t, []string{name}, inflight)
}

func TestSchedulerSingletonLock(t *testing.T) {
	store := newTestStore(t, false, 1)

	first := newTestScheduler(t, store, "127.0.0.1:1")
	require.NoError(t, first.Start())
	defer first.Stop()

	second := newTestScheduler(t, store, "127.0.0.1:1")
	err := second.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another scheduler")
}

func TestSchedulerRebuildOverSameQueue(t *testing.T) {
	store := newTestStore(t, false, 1)
	first := newTestScheduler(t, store, "127.0.0.1:1")
	require.NoError(t, first.Start())
	first.Stop()

	// a config reload rebuilds the store and scheduler over the same dirs
	rebuilt := NewStore(store.pendingDir, store.inflightDir, false, store.cipher, RetryPolicy{MaxRetry: 2}, zap.NewNop().Sugar())
	worker := newFakeWorker(t, rebuilt.cipher)
	name, err := rebuilt.Enqueue(testMessage(), false)
	require.NoError(t, err)

	second := newTestScheduler(t, rebuilt, worker.listener.Addr().String())
	require.NoError(t, second.Start())
	defer second.Stop()

	second.tick(time.Now().Add(time.Minute))
	assert.Equal(t, []string{name}, worker.received())
}

func TestSchedulerLockReleasedOnStop(t *testing.T) {
	store := newTestStore(t, false, 1)

	first := newTestScheduler(t, store, "127.0.0.1:1")
	require.NoError(t, first.Start())
	first.Stop()

	second := newTestScheduler(t, store, "127.0.0.1:1")
	require.NoError(t, second.Start())
	second.Stop()
}
