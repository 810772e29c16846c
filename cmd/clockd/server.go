package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/w1xm/rotaclock/console"
	"github.com/w1xm/rotaclock/display"
)

type Server struct {
	d   console.Controller
	log *zerolog.Logger

	statusMu sync.RWMutex
	status   display.Status
	subs     map[chan display.Status]struct{}
}

func NewServer(log *zerolog.Logger) *Server {
	return &Server{log: log, subs: make(map[chan display.Status]struct{})}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/status", s.StatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/digits", s.DigitsHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/ws", s.StatusSocketHandler)
	r.PathPrefix("/debug").Handler(http.DefaultServeMux)
	return r
}

// ListenAndServe serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		Addr:         addr,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	s.log.Info().Str("addr", addr).Msg("listening")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	s.statusMu.RLock()
	status := s.status
	s.statusMu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Warn().Err(err).Msg("writing status")
	}
}

type Command struct {
	Command string `json:"command"`
	Digits  []int  `json:"digits"`
}

type Reply struct {
	Error string `json:"error,omitempty"`
}

func (s *Server) execute(msg Command) error {
	switch msg.Command {
	case "set_digits":
		return s.d.SetDigits(msg.Digits)
	case "follow_time":
		return s.d.FollowTime()
	case "hold":
		s.d.Hold()
		return nil
	}
	return errors.New("unknown command " + msg.Command)
}

func (s *Server) DigitsHandler(w http.ResponseWriter, r *http.Request) {
	var msg Command
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.execute(Command{Command: "set_digits", Digits: msg.Digits}); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrading")
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	// Read and process incoming messages
	go func() {
		defer cancel()
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if err := s.execute(msg); err != nil {
				send(Reply{Error: err.Error()})
			}
		}
	}()

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	s.statusMu.RLock()
	status := s.status
	s.statusMu.RUnlock()
	if err := send(status); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case status := <-ch:
			if err := send(status); err != nil {
				s.log.Debug().Err(err).Msg("status socket")
				return
			}
		}
	}
}

func (s *Server) subscribe() chan display.Status {
	ch := make(chan display.Status, 1)
	s.statusMu.Lock()
	s.subs[ch] = struct{}{}
	s.statusMu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan display.Status) {
	s.statusMu.Lock()
	delete(s.subs, ch)
	s.statusMu.Unlock()
}

func (s *Server) statusCallback(status display.Status) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status = status
	for ch := range s.subs {
		// Slow readers skip updates.
		select {
		case ch <- status:
		default:
		}
	}
}
