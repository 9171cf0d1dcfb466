// Package daemon implements the server lifecycle (spec §4.I): a Unix
// stream socket accept loop, stale-socket recovery on startup, a
// per-connection request/response loop, and a shutdown RPC that responds
// before it terminates the process.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zarvent/v2m-daemon/internal/apperr"
	"github.com/zarvent/v2m-daemon/internal/command"
	"github.com/zarvent/v2m-daemon/internal/reqlog"
	"github.com/zarvent/v2m-daemon/internal/rpc"
	"github.com/zarvent/v2m-daemon/internal/syncx"
)

// readBufferSize is the per-connection read limit (spec §4.I "read up to
// N bytes, default 4 KiB").
const readBufferSize = 4096

// shutdownDelay gives the client time to observe the "shutting_down"
// response before the process actually exits (spec §4.I step 5).
const shutdownDelay = 100 * time.Millisecond

// socketPermissions restricts the socket to the owning user (spec §6
// "owner read/write only").
const socketPermissions = 0o600

// Server owns the socket, the accept loop, and the capture state reflected
// by get_status.
type Server struct {
	socketPath string
	bus        *command.Bus
	recording  func() bool

	listener *syncx.RWGuard[net.Listener]

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New constructs a Server. recording reports the live capture state for
// get_status (spec §9 Open Question: never hard-coded).
func New(socketPath string, bus *command.Bus, recording func() bool) *Server {
	return &Server{
		socketPath: socketPath,
		bus:        bus,
		recording:  recording,
		listener:   syncx.NewGuard[net.Listener](nil),
		shutdownCh: make(chan struct{}),
	}
}

// Run binds the socket and serves until ctx is canceled or a shutdown RPC
// fires. It removes the socket file before returning in either case (spec
// §8 invariant #5).
func (s *Server) Run(ctx context.Context) error {
	if err := s.bindSocket(); err != nil {
		return err
	}
	defer s.removeSocket()

	stopCtx, stopCancel := context.WithCancel(ctx)
	defer stopCancel()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.shutdownCh:
		}
		stopCancel()
		s.listener.Get().Close()
	}()

	if err := s.acceptLoop(stopCtx); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// bindSocket implements the stale-socket probe-then-unlink startup check
// (spec §4.I step 1-2): if a live daemon already owns the path, abort;
// otherwise an unreachable leftover socket file is removed.
func (s *Server) bindSocket() error {
	if _, err := os.Stat(s.socketPath); err == nil {
		conn, dialErr := net.Dial("unix", s.socketPath)
		if dialErr == nil {
			conn.Close()
			return apperr.New(apperr.IoError, "daemon is already running")
		}
		if err := os.Remove(s.socketPath); err != nil {
			return apperr.Wrap(err, apperr.IoError, "remove stale socket")
		}
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return apperr.Wrap(err, apperr.IoError, "bind socket")
	}
	if err := os.Chmod(s.socketPath, socketPermissions); err != nil {
		listener.Close()
		return apperr.Wrap(err, apperr.IoError, "set socket permissions")
	}

	s.listener.Set(listener)
	return nil
}

func (s *Server) removeSocket() {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("daemon: failed to remove socket on shutdown", "error", err)
	}
}

// acceptLoop spawns one goroutine per connection, bounded by an errgroup
// so a cancellation or listener close drains in-flight handlers before
// Run returns.
func (s *Server) acceptLoop(ctx context.Context) error {
	listener := s.listener.Get()
	var conns errgroup.Group
	for {
		conn, err := listener.Accept()
		if err != nil {
			conns.Wait()
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return apperr.Wrap(err, apperr.IoError, "accept connection")
		}
		conns.Go(func() error {
			s.handleConn(ctx, conn)
			return nil
		})
	}
}

// handleConn implements the per-connection request/response loop (spec
// §4.I step 4): read once, decode, dispatch, encode, write, close. No
// pipelining — one request per connection, per spec §4.A.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ctx = reqlog.WithID(ctx, reqlog.New())
	logger := reqlog.Logger(ctx)

	buf := make([]byte, readBufferSize)
	n, err := conn.Read(buf)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			logger.Warn("daemon: read failed", "error", err)
		}
		return
	}
	if n == 0 {
		return
	}

	req, errResp := rpc.Decode(buf[:n])
	if errResp != nil {
		s.writeResponse(conn, logger, errResp)
		return
	}

	if req.IsNotification() {
		s.dispatch(ctx, req)
		return
	}

	resp := s.dispatch(ctx, req)
	s.writeResponse(conn, logger, resp)
}

// dispatch translates one decoded RPC request into a Response, per the
// method table in spec §6.
func (s *Server) dispatch(ctx context.Context, req *rpc.Request) *rpc.Response {
	switch req.Method {
	case "ping":
		return rpc.NewResult(req.ID, "pong")
	case "start_capture":
		return s.handleStartCapture(ctx, req)
	case "stop_capture":
		return s.handleStopCapture(ctx, req)
	case "transcribe":
		return s.handleTranscribe(ctx, req)
	case "get_status":
		return s.handleGetStatus(req)
	case "shutdown":
		return s.handleShutdown(req)
	default:
		return rpc.NewError(req.ID, apperr.New(apperr.MethodNotFound, "method not found").JSONRPCCode(),
			"Method not found: "+req.Method, nil)
	}
}

func (s *Server) handleStartCapture(ctx context.Context, req *rpc.Request) *rpc.Response {
	_, err := s.bus.Dispatch(ctx, command.Command{Kind: command.StartRecording})
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return rpc.NewResult(req.ID, "started")
}

func (s *Server) handleStopCapture(ctx context.Context, req *rpc.Request) *rpc.Response {
	res, err := s.bus.Dispatch(ctx, command.Command{Kind: command.StopRecording})
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return rpc.NewResult(req.ID, map[string]string{"text": res.Text})
}

type transcribeParams struct {
	UseLLM *bool `json:"use_llm"`
}

func (s *Server) handleTranscribe(ctx context.Context, req *rpc.Request) *rpc.Response {
	useLLM := true
	if len(req.Params) > 0 {
		var p transcribeParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return rpc.NewError(req.ID, apperr.New(apperr.InvalidParams, "invalid params").JSONRPCCode(),
				"Invalid params: "+err.Error(), nil)
		}
		if p.UseLLM != nil {
			useLLM = *p.UseLLM
		}
	}

	res, err := s.bus.Transcribe(ctx, useLLM)
	if err != nil {
		return errorResponse(req.ID, err)
	}

	result := map[string]string{"text": res.Text}
	if res.HasOriginal {
		result["original"] = res.Original
	}
	return rpc.NewResult(req.ID, result)
}

func (s *Server) handleGetStatus(req *rpc.Request) *rpc.Response {
	return rpc.NewResult(req.ID, map[string]bool{
		"running":   true,
		"recording": s.recording(),
	})
}

// handleShutdown responds first, then schedules termination after
// shutdownDelay so the client observes the reply before the accept loop
// stops (spec §4.I step 5).
func (s *Server) handleShutdown(req *rpc.Request) *rpc.Response {
	s.shutdownOnce.Do(func() {
		go func() {
			time.Sleep(shutdownDelay)
			close(s.shutdownCh)
		}()
	})
	return rpc.NewResult(req.ID, "shutting_down")
}

func errorResponse(id *rpc.ID, err error) *rpc.Response {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return rpc.NewErrorFromApp(id, appErr)
	}
	return rpc.NewError(id, apperr.New(apperr.Unknown, err.Error()).JSONRPCCode(), err.Error(), nil)
}

func (s *Server) writeResponse(conn net.Conn, logger *slog.Logger, resp *rpc.Response) {
	data, err := rpc.Encode(resp)
	if err != nil {
		logger.Error("daemon: encode response failed", "error", err)
		return
	}
	if _, err := conn.Write(data); err != nil {
		logger.Warn("daemon: write response failed", "error", err)
	}
}
