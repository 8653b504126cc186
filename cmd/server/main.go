package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chatrelay/internal/logx"
	"chatrelay/internal/server"
)

// Exit codes to provide meaningful status to the operating system or
// service manager.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatrelay terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	cfg, err := server.LoadConfig()
	if err != nil {
		return exitConfig, err
	}

	log := logx.New(cfg.LogLevel)

	srv, err := server.New(cfg, log)
	if err != nil {
		return exitRuntime, err
	}

	srv.StartHub()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("signal received")
	case err := <-serveErr:
		if err != nil {
			_ = srv.Shutdown()
			return exitRuntime, err
		}
	}

	if err := srv.Shutdown(); err != nil {
		return exitRuntime, err
	}
	return exitOK, nil
}
