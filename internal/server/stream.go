package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// statusStream pushes a status snapshot to every connected WebSocket client
// at a fixed interval
type statusStream struct {
	status   StatusSource
	interval time.Duration
	logger   zerolog.Logger

	mu        sync.Mutex
	closed    bool
	closeChan chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newStatusStream(source StatusSource, interval time.Duration, logger zerolog.Logger) *statusStream {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &statusStream{
		status:    source,
		interval:  interval,
		logger:    logger.With().Str("component", "ws").Logger(),
		closeChan: make(chan struct{}),
	}
}

// ServeHTTP upgrades the connection and streams until the client leaves
func (s *statusStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.register() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	logger := s.logger.With().Str("remoteAddr", r.RemoteAddr).Logger()
	logger.Info().Msg("status stream connected")

	readDone := make(chan struct{})
	go s.readPump(conn, readDone)
	s.writePump(conn, readDone, logger)

	conn.Close()
	<-readDone
	logger.Info().Msg("status stream disconnected")
}

// readPump discards client messages and keeps the read deadline alive on pongs
func (s *statusStream) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump sends a snapshot immediately and then on every tick
func (s *statusStream) writePump(conn *websocket.Conn, readDone chan struct{}, logger zerolog.Logger) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()

	send := func() bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(s.status.Snapshot()); err != nil {
			logger.Debug().Err(err).Msg("write error")
			return false
		}
		return true
	}

	if !send() {
		return
	}

	for {
		select {
		case <-readDone:
			return
		case <-s.closeChan:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if !send() {
				return
			}
		case <-pinger.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// register tracks a handler unless the stream is closed
func (s *statusStream) register() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

// Close disconnects every client and waits for the handlers to return
func (s *statusStream) Close() {
	s.mu.Lock()
	s.closed = true
	s.closeOnce.Do(func() {
		close(s.closeChan)
	})
	s.mu.Unlock()

	s.wg.Wait()
}
