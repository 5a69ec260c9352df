package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"maildispatchd/internal/auth"
	"maildispatchd/internal/config"
	"maildispatchd/internal/crypto"
	"maildispatchd/internal/dispatch"
	"maildispatchd/internal/queue"
	ratelimiter "maildispatchd/internal/rateLimiter"
)

// ErrRestart reports that a resource guard asked for a clean restart. The
// caller should exit after draining so the supervisor brings up a fresh
// process.
var ErrRestart = errors.New("server: restart requested")

// Handler bundles the per-request components that a config reload replaces
// as one unit. The server only ever reads it through an atomic pointer, so a
// swap never tears a request between old and new graphs.
type Handler struct {
	Router       *dispatch.Router
	Verifier     *auth.Verifier
	Cipher       *crypto.Cipher
	AuthRequired bool
}

// resolveAuth derives the request's trust level and normalizes the request
// map: the auth credential is consumed here, and a valid handoff token is
// replaced by the plain queue identity it encrypts. The internal grant only
// applies when processQueueFile is the request's sole key, and an
// undecryptable token poisons the whole request.
func (h *Handler) resolveAuth(req map[string]any) dispatch.AuthContext {
	ctx := dispatch.AuthContext{}

	if token, ok := req["processQueueFile"].(string); ok && len(req) == 1 && h.Cipher != nil {
		name, err := h.Cipher.Decrypt(token)
		if err != nil || !queue.ValidName(string(name)) {
			return ctx
		}
		ctx.Internal = true
		req["processQueueFile"] = string(name)
	}

	if !h.AuthRequired {
		ctx.Authenticated = true
	} else if cred, ok := req["auth"].(string); ok && h.Verifier.Verify(cred) {
		ctx.Authenticated = true
	}
	delete(req, "auth")
	return ctx
}

// Server is the TCP front door: one JSON request object per connection, one
// JSON response object back, connection closed. Concurrency is bounded by a
// worker semaphore sized from configuration.
type Server struct {
	addr        string
	useTLS      bool
	certFile    string
	keyFile     string
	timeout     time.Duration
	maxReqs     int
	maxMemBytes uint64
	limiter     ratelimiter.Limiter
	logger      *zap.SugaredLogger

	handler  atomic.Pointer[Handler]
	listener net.Listener
	sem      chan struct{}
	wg       sync.WaitGroup

	served        atomic.Int64
	restartReason atomic.Pointer[string]
	closeOnce     sync.Once
}

func New(cfg config.Config, h *Handler, limiter ratelimiter.Limiter, logger *zap.SugaredLogger) *Server {
	if limiter == nil {
		limiter = ratelimiter.Unlimited{}
	}
	var maxMem uint64
	if cfg.MaxMemMB > 0 {
		maxMem = uint64(cfg.MaxMemMB) << 20
	}
	s := &Server{
		addr:        cfg.Addr,
		useTLS:      cfg.SSL,
		certFile:    cfg.SSLCert,
		keyFile:     cfg.SSLKey,
		timeout:     cfg.Timeout,
		maxReqs:     cfg.MaxReqs,
		maxMemBytes: maxMem,
		limiter:     limiter,
		logger:      logger,
		sem:         make(chan struct{}, cfg.Threads),
	}
	s.handler.Store(h)
	return s
}

// Swap replaces the request-handling graph. In-flight requests finish on the
// graph they started with.
func (s *Server) Swap(h *Handler) {
	s.handler.Store(h)
	s.logger.Info("request handler graph swapped")
}

// Listen binds the address so Addr is known before Serve blocks.
func (s *Server) Listen() error {
	if s.useTLS {
		cert, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
		if err != nil {
			return err
		}
		ln, err := tls.Listen("tcp", s.addr, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err != nil {
			return err
		}
		s.listener = ln
	} else {
		ln, err := net.Listen("tcp", s.addr)
		if err != nil {
			return err
		}
		s.listener = ln
	}
	s.logger.Infow("listening", "addr", s.listener.Addr().String(), "tls", s.useTLS)
	return nil
}

func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Serve runs the accept loop until Shutdown, or until a resource guard trips,
// in which case it drains and returns ErrRestart.
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Errorw("accept failed", "error", err)
			continue
		}

		if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
			if ok, retryAfter := s.limiter.Allow(host); !ok {
				s.logger.Warnw("rate limit exceeded", "remote", host, "retryAfter", retryAfter.String())
				_ = writeResponse(conn, dispatch.Error(nil, "too many requests"))
				conn.Close()
				continue
			}
		}

		s.sem <- struct{}{}
		s.wg.Add(1)
		go func(conn net.Conn) {
			defer func() {
				<-s.sem
				s.wg.Done()
			}()
			s.handle(conn)
		}(conn)
	}

	s.wg.Wait()
	if reason := s.restartReason.Load(); reason != nil {
		return errors.Join(ErrRestart, errors.New(*reason))
	}
	return nil
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.timeout))

	var req map[string]any
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.logger.Warnw("undecodable request", "remote", conn.RemoteAddr().String(), "error", err)
		_ = writeResponse(conn, dispatch.Error(nil, "invalid request"))
		return
	}

	h := s.handler.Load()
	authCtx := h.resolveAuth(req)
	resp := h.Router.Handle(req, authCtx)
	if err := writeResponse(conn, resp); err != nil {
		s.logger.Warnw("unable to write response", "remote", conn.RemoteAddr().String(), "error", err)
	}
	s.afterRequest()
}

func writeResponse(conn net.Conn, resp dispatch.Response) error {
	return json.NewEncoder(conn).Encode(resp)
}

// afterRequest enforces the self-restart guards: a bounded request count and
// a heap ceiling. Long-running mail workers leak through third-party SMTP
// dialogues; restarting before it matters is the mitigation.
func (s *Server) afterRequest() {
	served := s.served.Add(1)
	if s.maxReqs > 0 && served >= int64(s.maxReqs) {
		s.requestRestart("request limit reached")
		return
	}
	if s.maxMemBytes > 0 && served%16 == 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		if ms.Alloc > s.maxMemBytes {
			s.requestRestart("memory limit exceeded")
		}
	}
}

func (s *Server) requestRestart(reason string) {
	s.closeOnce.Do(func() {
		s.logger.Warnw("restart requested", "reason", reason)
		s.restartReason.Store(&reason)
		if s.listener != nil {
			s.listener.Close()
		}
	})
}

// Shutdown closes the listener and waits for in-flight requests, up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if s.listener != nil {
			s.listener.Close()
		}
	})

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
