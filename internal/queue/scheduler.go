package queue

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"maildispatchd/internal/crypto"
)

const lockFileName = "scheduler.lock"

// Scheduler is the single-instance process role that drains the queue: on a
// fixed interval it claims a bounded batch of due items and hands each one to
// the worker pool over a short-lived loopback connection. It never delivers
// mail itself and never finalizes items.
type Scheduler struct {
	store       *Store
	cipher      *crypto.Cipher
	cron        gocron.Scheduler
	interval    time.Duration
	batchSize   int
	targetAddr  string
	useTLS      bool
	staleAfter  time.Duration
	dialTimeout time.Duration
	lockPath    string
	logger      *zap.SugaredLogger
}

func NewScheduler(store *Store, cipher *crypto.Cipher, targetAddr string, useTLS bool, interval time.Duration, batchSize int, staleAfter time.Duration, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		store:       store,
		cipher:      cipher,
		interval:    interval,
		batchSize:   batchSize,
		targetAddr:  targetAddr,
		useTLS:      useTLS,
		staleAfter:  staleAfter,
		dialTimeout: 10 * time.Second,
		lockPath:    filepath.Join(store.inflightDir, lockFileName),
		logger:      logger,
	}
}

// Start acquires the singleton lock and begins the interval job. A second
// scheduler instance refuses to start; nothing in the queue data model
// prevents two claim scans from racing, so the singleton is enforced here.
func (s *Scheduler) Start() error {
	if err := s.acquireLock(); err != nil {
		return err
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		s.releaseLock()
		return err
	}
	s.cron = cron

	task := func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Errorw("queue scan panicked", "panic", r)
			}
		}()
		start := time.Now()
		s.logger.Debug("start processing queue")
		s.tick(time.Now())
		s.logger.Debugw("queue processed", "took", time.Since(start).String())
	}

	if _, err := s.cron.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(task),
		gocron.WithName("queue-scan"),
	); err != nil {
		s.releaseLock()
		return err
	}

	s.cron.Start()
	s.logger.Infow("queue scheduler started", "interval", s.interval.String(), "batchSize", s.batchSize)
	return nil
}

// Stop shuts the interval job down and releases the singleton lock.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		if err := s.cron.Shutdown(); err != nil {
			s.logger.Errorw("scheduler shutdown error", "error", err)
		}
	}
	s.releaseLock()
	s.logger.Info("queue scheduler stopped")
}

// tick runs one scan: optional stale reclaim, then claim and hand off.
func (s *Scheduler) tick(now time.Time) {
	if s.staleAfter > 0 {
		if n, err := s.store.ReclaimStale(s.staleAfter, now); err != nil {
			s.logger.Errorw("stale reclaim failed", "error", err)
		} else if n > 0 {
			s.logger.Warnw("requeued stale in-flight items", "count", n)
		}
	}

	claimed, err := s.store.Claim(s.batchSize, now)
	if err != nil {
		s.logger.Errorw("unable to read queue dir", "error", err)
		return
	}
	if len(claimed) == 0 {
		s.logger.Debug("no queue mail to process")
		return
	}
	s.logger.Infow("claimed queue items", "count", len(claimed))

	for _, name := range claimed {
		if err := s.handOff(name); err != nil {
			// The rename already happened: the item stays in-flight and is
			// only picked up again by the stale reclaim sweep, if enabled.
			s.logger.Errorw("unable to pass queue item to worker", "item", name, "error", err)
		}
	}
}

// handOff opens a short-lived connection to the worker pool and sends the
// claimed identity as an encrypted token, so the internal operation stays
// unguessable without the shared secret.
func (s *Scheduler) handOff(name string) error {
	token, err := s.cipher.Encrypt([]byte(name))
	if err != nil {
		return err
	}

	conn, err := s.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	deadline := time.Now().Add(s.dialTimeout)
	_ = conn.SetDeadline(deadline)

	payload := map[string]string{"processQueueFile": token}
	if err := json.NewEncoder(conn).Encode(payload); err != nil {
		return err
	}

	var resp map[string]any
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return err
	}
	s.logger.Debugw("queue handoff response", "item", name, "status", resp["status"], "message", resp["message"])
	return nil
}

func (s *Scheduler) dial() (net.Conn, error) {
	dialer := net.Dialer{Timeout: s.dialTimeout}
	if s.useTLS {
		// the worker pool runs with a self-signed certificate by default
		return tls.DialWithDialer(&dialer, "tcp", s.targetAddr, &tls.Config{InsecureSkipVerify: true})
	}
	return dialer.Dial("tcp", s.targetAddr)
}

func (s *Scheduler) acquireLock() error {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			return f.Close()
		}
		if !os.IsExist(err) {
			return fmt.Errorf("acquiring scheduler lock: %w", err)
		}
		pid, readErr := s.lockHolder()
		if readErr == nil && processAlive(pid) {
			return fmt.Errorf("another scheduler appears to be running (pid %d); only one scheduler instance is allowed", pid)
		}
		// holder is gone, the lock is stale
		s.logger.Warnw("removing stale scheduler lock", "path", s.lockPath, "pid", pid)
		if err := os.Remove(s.lockPath); err != nil {
			return fmt.Errorf("removing stale scheduler lock: %w", err)
		}
	}
	return fmt.Errorf("unable to acquire scheduler lock at %s", s.lockPath)
}

func (s *Scheduler) releaseLock() {
	if err := os.Remove(s.lockPath); err != nil && !os.IsNotExist(err) {
		s.logger.Errorw("unable to release scheduler lock", "error", err)
	}
}

func (s *Scheduler) lockHolder() (int, error) {
	data, err := os.ReadFile(s.lockPath)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
