// Command example embeds the connection engine with a minimal handler.
package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/albertbausili/ember/pkg/ember"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	config := ember.DefaultConfig()
	config.Addr = ":8080"
	config.Development = true
	config.Logger = logger
	config.Workers = 256

	server := ember.New(config).Handler(ember.HandlerFunc(
		func(_ context.Context, req *ember.Request, res *ember.Response) {
			switch req.URI {
			case "/echo":
				if !req.HasBody() {
					_ = res.Status(400).Send([]byte("no body\n"))
					return
				}
				body, err := req.Body.ReadAll()
				if err != nil {
					return
				}
				_ = res.ContentType("application/octet-stream").Send(body)
			case "/slow":
				// Returning without transmitting exercises the fallback.
			default:
				_ = res.ContentType("text/plain; charset=utf-8").Send([]byte("hello from ember\n"))
			}
		},
	))

	if err := server.Start(); err != nil {
		logger.Fatal("server failed to start", zap.Error(err))
	}
	logger.Info("serving", zap.String("addr", config.Addr))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil && err != io.EOF {
		logger.Warn("shutdown error", zap.Error(err))
	}
}
