// Command mockserver runs a standalone claude.ai usage mock for manual and
// end-to-end testing. It wraps testutil.ClaudeMock, including the /admin/*
// endpoints for runtime mutation.
//
// Usage:
//
//	go run ./internal/testutil/cmd/mockserver [flags]
//
// Flags:
//
//	--port         HTTP port (default: 19212)
//	--session-key  Expected sessionKey cookie (default: sk-ant-sid01-e2e)
//	--org          Expected organization id (default: any)
//	--sequence     Serve N responses with rising utilization (default: 0, a single response)
//
// Point aipulse at it with AIPULSE_CLAUDE_BASE_URL=http://localhost:19212/api.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onllm-dev/aipulse/internal/testutil"
)

func main() {
	port := flag.Int("port", 19212, "HTTP port for the mock server")
	sessionKey := flag.String("session-key", "sk-ant-sid01-e2e", "Expected sessionKey cookie (empty accepts any)")
	org := flag.String("org", "", "Expected organization id (empty accepts any)")
	sequence := flag.Int("sequence", 0, "Serve N responses with rising utilization")
	flag.Parse()

	opts := []testutil.MockOption{
		testutil.WithSessionKey(*sessionKey),
		testutil.WithOrgID(*org),
	}
	if *sequence > 0 {
		opts = append(opts, testutil.WithResponses(testutil.ClaudeResponseSequence(*sequence)))
	}
	mock := testutil.NewClaudeMock(opts...)

	addr := fmt.Sprintf(":%d", *port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", addr, err)
	}

	httpSrv := &http.Server{
		Handler:      mock,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("mock server listening on http://localhost:%d", *port)
		log.Printf("  API base:    http://localhost:%d/api", *port)
		log.Printf("  Session key: %s", *sessionKey)
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Wait for interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpSrv.Shutdown(ctx)
}
