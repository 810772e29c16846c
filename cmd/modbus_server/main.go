// Command modbus_server bridges Modbus RTU frames from HTTP to a local serial
// bus, so the coil bank or encoder can sit on another host.
package main

import (
	"encoding/json"
	"flag"
	"io"
	"net/http"
	_ "net/http/pprof"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/w1xm/rotaclock/internal/logger"
	"github.com/w1xm/rotaclock/internal/modbus"
	"github.com/w1xm/rotaclock/internal/modbus/modbushttp"
)

var (
	addr       = flag.String("addr", "127.0.0.1:8503", "address to listen on")
	password   = flag.String("password", "", "password to require on remote connections")
	serialPort = flag.String("serial", "", "coil bank serial port name")
	baud       = flag.Int("baud", 19200, "coil bank baud rate")
	logLevel   = flag.String("log_level", "info", "log level")
)

// transporter sends one raw frame and returns the reply.
type transporter interface {
	Send(aduRequest []byte) ([]byte, error)
}

type Server struct {
	mu       sync.Mutex
	handler  transporter
	password string
	log      *zerolog.Logger
}

func NewServer(handler transporter, password string) *Server {
	return &Server{
		handler:  handler,
		password: password,
		log:      logger.Named("modbus_server"),
	}
}

// Handler routes the bridge and the profiler, both behind the password.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requireAuth)
	r.Handle("/api/send", http.HandlerFunc(s.SendHandler))
	r.PathPrefix("/debug").Handler(http.DefaultServeMux)
	return r
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pass, ok := r.BasicAuth()
		if s.password != "" && (!ok || pass != s.password) {
			http.Error(w, "wrong password", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) SendHandler(w http.ResponseWriter, r *http.Request) {
	err := func() error {
		aduRequest, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		// One frame on the bus at a time.
		s.mu.Lock()
		aduResponse, err := s.handler.Send(aduRequest)
		s.mu.Unlock()
		var errString string
		if err != nil {
			errString = err.Error()
			s.log.Debug().Err(err).Hex("request", aduRequest).Msg("send")
		}
		body, err := json.Marshal(&modbushttp.SendResponse{
			ADUResponse: aduResponse,
			Error:       errString,
		})
		if err != nil {
			return err
		}
		_, err = w.Write(body)
		return err
	}()
	if err != nil {
		s.log.Warn().Err(err).Msg("SendHandler")
		http.Error(w, err.Error(), 500)
		return
	}
}

func main() {
	flag.Parse()
	logger.Init(logger.Options{Level: *logLevel, Service: "modbus_server"})
	log := logger.Named("modbus_server")
	handler := modbus.NewRTUHandler(*serialPort, *baud, 1)
	server := NewServer(handler, *password)
	srv := &http.Server{
		Handler:      server.Handler(),
		Addr:         *addr,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	log.Info().Str("addr", srv.Addr).Str("serial", *serialPort).Msg("listening")
	log.Fatal().Err(srv.ListenAndServe()).Msg("serving")
}
