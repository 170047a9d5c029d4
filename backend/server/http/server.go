package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/bamboo0911/never-ending-drum-party/backend/storage/memory"
)

const (
	shutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

// RoomService is the registry view the join API needs.
type RoomService interface {
	GetRoomInfo(roomID string) (memory.RoomInfo, error)
	GetStats() memory.Stats
}

type checkRoomRequest struct {
	RoomID string `json:"room_id"`
}

type apiResponse struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type Server struct {
	logger zerolog.Logger
	svc    RoomService
	*http.Server
}

type Config struct {
	Logger      *zerolog.Logger
	RoomService RoomService
	ListenAddr  string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.RoomService,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/room", srv.checkRoom)
	mux.HandleFunc("GET /api/rooms/stats", srv.roomStats)
	mux.HandleFunc("GET /healthz", srv.health)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: cors.AllowAll().Handler(mux),
	}
	return srv
}

// checkRoom is the join preflight: clients ask whether a room has space
// before opening the party websocket. An unknown room is joinable, it will
// be created on first join.
func (srv *Server) checkRoom(w http.ResponseWriter, r *http.Request) {
	var req checkRoomRequest
	defer func() {
		_ = r.Body.Close()
	}()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	srv.logger.Trace().Str("roomID", req.RoomID).Msg("got room preflight request")

	info, err := srv.svc.GetRoomInfo(req.RoomID)
	switch {
	case errors.Is(err, memory.ErrRoomNotFound):
		srv.respond(w, http.StatusOK, apiResponse{Message: "OK"})
	case err != nil:
		srv.respond(w, http.StatusInternalServerError, apiResponse{Error: err.Error()})
	case info.IsFull:
		srv.respond(w, http.StatusConflict, apiResponse{Error: "room is full", Data: info})
	default:
		srv.respond(w, http.StatusOK, apiResponse{Message: "OK", Data: info})
	}
}

func (srv *Server) roomStats(w http.ResponseWriter, _ *http.Request) {
	stats := srv.svc.GetStats()
	if srv.logger.GetLevel() <= zerolog.TraceLevel {
		srv.logger.Trace().Msg(spew.Sdump(stats))
	}
	srv.respond(w, http.StatusOK, apiResponse{Message: "OK", Data: stats})
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	srv.respond(w, http.StatusOK, apiResponse{Message: "OK"})
}

func (srv *Server) respond(w http.ResponseWriter, code int, resp apiResponse) {
	b, err := json.Marshal(&resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
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
