package notify

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeSMTP is a minimal line-based SMTP server that records DATA payloads.
type fakeSMTP struct {
	ln       net.Listener
	mu       sync.Mutex
	messages []string
	authed   bool
	wg       sync.WaitGroup
}

func newFakeSMTP(t *testing.T) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeSMTP{ln: ln}
	f.wg.Add(1)
	go f.serve()
	t.Cleanup(func() {
		ln.Close()
		f.wg.Wait()
	})
	return f
}

func (f *fakeSMTP) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, p, err := net.SplitHostPort(f.ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(p)
	return host, port
}

func (f *fakeSMTP) serve() {
	defer f.wg.Done()
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.handle(conn)
	}
}

func (f *fakeSMTP) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)
	reply := func(s string) { conn.Write([]byte(s + "\r\n")) }

	reply("220 localhost ESMTP fake")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			reply("250-localhost")
			reply("250 AUTH PLAIN")
		case strings.HasPrefix(cmd, "AUTH"):
			f.mu.Lock()
			f.authed = true
			f.mu.Unlock()
			reply("235 2.7.0 Authentication successful")
		case strings.HasPrefix(cmd, "MAIL"), strings.HasPrefix(cmd, "RCPT"):
			reply("250 OK")
		case cmd == "DATA":
			reply("354 End data with <CR><LF>.<CR><LF>")
			var sb strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				sb.WriteString(l)
			}
			f.mu.Lock()
			f.messages = append(f.messages, sb.String())
			f.mu.Unlock()
			reply("250 OK queued")
		case cmd == "QUIT":
			reply("221 Bye")
			return
		default:
			reply("250 OK")
		}
	}
}

func (f *fakeSMTP) snapshot() ([]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...), f.authed
}

func TestSMTPChannel_Send(t *testing.T) {
	srv := newFakeSMTP(t)
	host, port := srv.hostPort(t)

	ch := NewSMTPChannel(SMTPConfig{
		Host:     host,
		Port:     port,
		Username: "alerts@example.com",
		Password: "secret",
		Protocol: "none",
		FromAddr: "alerts@example.com",
		FromName: "aipulse",
		ToAddrs:  []string{"me@example.com", "team@example.com"},
	}, slog.New(slog.DiscardHandler))

	err := ch.Send(context.Background(), Alert{
		Kind:        AlertThreshold,
		Provider:    "claude",
		AccountName: "Work",
		LimitID:     "five_hour",
		Title:       "90% Usage Alert",
		Body:        "[Work] 5-Hour Limit is at 92% usage",
		Time:        time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs, authed := srv.snapshot()
	if !authed {
		t.Error("expected AUTH to be performed")
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	msg := msgs[0]
	for _, want := range []string{
		"Subject: [aipulse] 90% Usage Alert",
		"From: aipulse <alerts@example.com>",
		"To: me@example.com, team@example.com",
		"[Work] 5-Hour Limit is at 92% usage",
		"Limit: five_hour",
		"Time: 2026-03-10T12:00:00Z",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestSMTPChannel_SkipsAuthWithoutUsername(t *testing.T) {
	srv := newFakeSMTP(t)
	host, port := srv.hostPort(t)

	ch := NewSMTPChannel(SMTPConfig{
		Host: host, Port: port, Protocol: "none",
		FromAddr: "a@example.com", ToAddrs: []string{"b@example.com"},
	}, nil)
	if err := ch.Send(context.Background(), Alert{Title: "t", Body: "b"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, authed := srv.snapshot(); authed {
		t.Error("AUTH sent without a username")
	}
}

func TestSMTPChannel_ConnectError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	ch := NewSMTPChannel(SMTPConfig{
		Host: "127.0.0.1", Port: addr.Port, Protocol: "none",
		FromAddr: "a@example.com", ToAddrs: []string{"b@example.com"},
	}, nil)
	if err := ch.Send(context.Background(), Alert{Title: "t"}); err == nil {
		t.Fatal("expected connect error")
	}
}

func TestSMTPChannel_NoRecipients(t *testing.T) {
	ch := NewSMTPChannel(SMTPConfig{Host: "127.0.0.1", Port: 25}, nil)
	if err := ch.Send(context.Background(), Alert{Title: "t"}); err == nil {
		t.Fatal("expected error without recipients")
	}
}

func TestSMTPChannel_TestConnection(t *testing.T) {
	srv := newFakeSMTP(t)
	host, port := srv.hostPort(t)

	ch := NewSMTPChannel(SMTPConfig{Host: host, Port: port, Protocol: "none"}, nil)
	if err := ch.TestConnection(context.Background()); err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
}

func TestSMTPConfig_Enabled(t *testing.T) {
	if (SMTPConfig{}).Enabled() {
		t.Error("empty config reported enabled")
	}
	cfg := SMTPConfig{Host: "mail", FromAddr: "a@b", ToAddrs: []string{"c@d"}}
	if !cfg.Enabled() {
		t.Error("complete config reported disabled")
	}
}
