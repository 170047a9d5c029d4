package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bamboo0911/never-ending-drum-party/backend/model"
	"github.com/bamboo0911/never-ending-drum-party/backend/storage/memory"
)

const (
	shutdownDeadline  = 10 * time.Second
	destroyDeadline   = 2 * time.Second
	handshakeTimeout  = 3 * time.Second
	readBufferSize    = 10000
	writeBufferSize   = 10000
	maxMessageSize    = 9000
	writeDeadline     = 5 * time.Second
	closeWriteTimeout = 2 * time.Second

	// pongWait - pingInterval is how long a client has to answer a ping
	pingInterval = 5 * time.Second
	pongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	SessionService interface {
		CreateSession(ctx context.Context, roomID, userID, connID, displayName, instrument string, wire model.Wire) error
		DeleteSession(ctx context.Context, roomID, userID, connID string) error
	}

	Config struct {
		Logger         *zerolog.Logger
		SessionService SessionService
		ListenAddr     string
	}

	// Server terminates party websocket connections and bridges each one onto
	// a session wire. All protocol logic lives behind SessionService; this
	// layer only pumps frames.
	Server struct {
		svc SessionService
		ws  *websocket.Upgrader
		*http.Server

		logger zerolog.Logger
	}

	// session is one established connection: the conn, its wire and the
	// cancel that tears both pumps down together.
	session struct {
		conn   *websocket.Conn
		wire   model.Wire
		roomID string
		userID string
		connID string
		cancel context.CancelFunc
		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.SessionService,
		ws: &websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   readBufferSize,
			WriteBufferSize:  writeBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/party/room/{roomID}/user/{userID}", srv.join)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), shutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) join(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	userID := r.PathValue("userID")
	if roomID == "" || userID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	displayName := r.URL.Query().Get("name")
	instrument := r.URL.Query().Get("instrument")

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	s := &session{
		conn:   conn,
		wire:   model.NewWire(),
		roomID: roomID,
		userID: userID,
		connID: uuid.NewString(),
		logger: srv.logger.With().
			Str("roomID", roomID).
			Str("userID", userID).
			Logger(),
	}

	ctx, cancel := context.WithCancel(context.TODO()) // long-living wire context
	s.cancel = cancel

	if err = srv.svc.CreateSession(ctx, roomID, userID, s.connID, displayName, instrument, s.wire); err != nil {
		s.logger.Warn().Err(err).Msg("failed to create session")
		cancel()
		s.rejectAndClose(err)
		return
	}
	s.logger.Debug().Str("connID", s.connID).Msg("session created")

	go srv.pump(ctx, s)
}

// pump runs both directions of the session and tears everything down when
// either side ends. The session is always deleted afterwards, so abrupt
// disconnects free seats exactly like explicit leaves.
func (srv *Server) pump(ctx context.Context, s *session) {
	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		s.recvLoop(ctx)
		s.cancel()
		wg.Done()
	}()
	go func() {
		s.sendLoop(ctx)
		s.cancel()
		wg.Done()
	}()
	wg.Wait()

	s.close()

	dCtx, dCancel := context.WithTimeout(context.Background(), destroyDeadline)
	defer dCancel()
	if err := srv.svc.DeleteSession(dCtx, s.roomID, s.userID, s.connID); err != nil {
		s.logger.Error().Err(err).Msg("failed to delete session")
		return
	}
	s.logger.Debug().Msg("session ended")
}

// sendLoop writes outbound wire messages and the keepalive pings.
func (s *session) sendLoop(ctx context.Context) {
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.logger.Error().Err(err).Msg("failed to send ping")
				return
			}
			s.logger.Trace().Msg("ping sent")

		case msg, ok := <-s.wire.TX:
			if !ok {
				return
			}
			b, err := json.Marshal(&msg)
			if err != nil {
				s.logger.Error().Err(err).Msg("failed to marshal outgoing message")
				return
			}
			if err = s.write(websocket.TextMessage, b); err != nil {
				s.logger.Error().Err(err).Msg("failed to write outgoing message")
				return
			}
		}
	}
}

// recvLoop reads frames, stamps the sender and feeds the session wire. The
// SRC stamp makes spoofing another participant impossible regardless of what
// the client puts in the envelope.
func (s *session) recvLoop(ctx context.Context) {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetPongHandler(func(string) error {
		s.logger.Trace().Msg("got pong")
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Msg("connection closed")
			} else {
				s.logger.Error().Err(err).Msg("unexpected error during receive")
			}
			return
		}

		var msg model.Message
		if err = json.Unmarshal(raw, &msg); err != nil {
			s.logger.Error().Err(err).Msg("failed to unmarshal incoming message")
			continue
		}
		msg.SRC = s.userID

		select {
		case s.wire.RX <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) write(messageType int, b []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, b)
}

// rejectAndClose tells the rejected client why before the connection goes
// away, so a full room shows up as a notification rather than a dead socket.
func (s *session) rejectAndClose(cause error) {
	code := model.CodeInvalidRequest
	switch {
	case errors.Is(cause, memory.ErrRoomIsFull):
		code = model.CodeRoomFull
	case errors.Is(cause, memory.ErrNoSeatAvailable):
		code = model.CodeNoPositionAvailable
	}
	msg, err := model.NewMessage(model.TypeError, model.ErrorPayload{
		Code:    code,
		Message: cause.Error(),
	})
	if err == nil {
		if b, mErr := json.Marshal(&msg); mErr == nil {
			if wErr := s.write(websocket.TextMessage, b); wErr != nil {
				s.logger.Error().Err(wErr).Msg("failed to write join rejection")
			}
		}
	}
	s.close()
}

func (s *session) close() {
	if err := s.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout)); err == nil {
		if err = s.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
			s.logger.Error().Err(err).Msg("failed to send close frame")
		}
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Error().Err(err).Msg("failed to close websocket connection")
	}
}
