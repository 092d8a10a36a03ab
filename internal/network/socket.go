package network

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
)

// SocketSettings tunes a Socket monitor.
type SocketSettings struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

// DefaultSocketSettings returns settings suited to a long-lived connection.
func DefaultSocketSettings() SocketSettings {
	return SocketSettings{
		PingInterval: 15 * time.Second,
		ReadTimeout:  45 * time.Second,
		WriteTimeout: 5 * time.Second,
		MinBackoff:   500 * time.Millisecond,
		MaxBackoff:   30 * time.Second,
	}
}

// Socket reports online for as long as a websocket to the backend stays open,
// and reconnects with capped exponential backoff when it drops.
type Socket struct {
	url      string
	header   http.Header
	settings SocketSettings
	dialer   *websocket.Dialer
	st       *status
	logger   *slog.Logger
}

// NewSocket returns a Socket monitor for url. It starts offline.
func NewSocket(url string, header http.Header, settings SocketSettings, logger *slog.Logger) *Socket {
	if logger == nil {
		logger = slog.Default()
	}
	return &Socket{
		url:      url,
		header:   header,
		settings: settings,
		dialer:   websocket.DefaultDialer,
		st:       newStatus(false, true),
		logger:   logger.With("component", "network", "mode", "socket"),
	}
}

func (s *Socket) IsOffline(ctx context.Context) bool {
	online, _ := s.st.get()
	return !online
}

func (s *Socket) OnStatusChange(fn func(online bool)) func() {
	return s.st.subscribe(fn)
}

// Run keeps a connection open until ctx is done.
func (s *Socket) Run(ctx context.Context) {
	s.logger.Info("socket monitor started", "url", s.url)
	defer s.logger.Info("socket monitor stopped")

	for ctx.Err() == nil {
		ws, err := s.connect(ctx)
		if err != nil {
			return
		}
		s.st.set(true)
		s.logger.Info("socket connected", "action", "connect")

		s.hold(ctx, ws)

		s.st.set(false)
		if ctx.Err() == nil {
			s.logger.Warn("socket dropped", "action", "disconnect")
		}
	}
}

// connect dials until it succeeds or ctx ends.
func (s *Socket) connect(ctx context.Context) (*websocket.Conn, error) {
	b := retry.NewExponential(s.settings.MinBackoff)
	b = retry.WithCappedDuration(s.settings.MaxBackoff, b)
	b = retry.WithJitterPercent(10, b)

	var ws *websocket.Conn
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)
		if err != nil {
			s.logger.Debug("socket dial failed", "action", "connect", "error", err)
			return retry.RetryableError(err)
		}
		ws = conn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// hold reads from ws and pings it until either side fails or ctx ends.
func (s *Socket) hold(ctx context.Context, ws *websocket.Conn) {
	defer ws.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ws.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
	})

	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
			ws.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
		}
	}()

	ticker := time.NewTicker(s.settings.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-connCtx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.settings.WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
