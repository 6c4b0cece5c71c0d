package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/fzft/go-afdpoll/log"
	"go.uber.org/zap"
)

type Server struct {
	cfg     *Config
	reactor *Reactor
}

func NewServer(cfg *Config) *Server {
	return &Server{cfg: cfg}
}

// Run serves until SIGINT or SIGTERM.
func (s *Server) Run() error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		log.Logger.Error("listen error", zap.Error(err))
		return err
	}

	reactor, err := NewReactor(ln.(*net.TCPListener), s.cfg)
	if err != nil {
		_ = ln.Close()
		return err
	}
	s.reactor = reactor

	go func() {
		select {
		case sig := <-signals:
			log.Logger.Info("signal received", zap.Stringer("signal", sig))
			if err := reactor.Stop(); err != nil {
				log.Logger.Error("failed to wake the reactor", zap.Error(err))
			}
		case <-reactor.Done():
		}
	}()

	log.Logger.Info("listening", zap.Stringer("addr", ln.Addr()))
	// blocking
	err = reactor.Run()

	log.Logger.Info("shutting down server")
	return err
}
