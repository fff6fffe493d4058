package provider_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bulkmail/bulkmail/internal/model"
	"github.com/bulkmail/bulkmail/internal/provider"
)

type dialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (d dialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d(ctx, network, address)
}

type smtpTranscript struct {
	mailFrom string
	rcpts    []string
	data     string
}

// fakeSMTPBehaviour tunes how the fake relay answers
type fakeSMTPBehaviour struct {
	rejectRcpt bool
	// stallQuit leaves QUIT unanswered until the client hangs up
	stallQuit bool
}

func startFakeSMTPServer(t *testing.T, b fakeSMTPBehaviour) (net.Conn, *smtpTranscript, func()) {
	t.Helper()

	server, client := net.Pipe()
	transcript := &smtpTranscript{}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer server.Close()
		if err := runFakeSMTP(server, transcript, b); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
			t.Errorf("fake smtp server: %v", err)
		}
	}()
	return client, transcript, wg.Wait
}

func runFakeSMTP(conn net.Conn, tr *smtpTranscript, b fakeSMTPBehaviour) error {
	w := bufio.NewWriter(conn)
	r := bufio.NewReader(conn)

	reply := func(format string, args ...interface{}) error {
		if _, err := fmt.Fprintf(w, format+"\r\n", args...); err != nil {
			return err
		}
		return w.Flush()
	}

	if err := reply("220 fake smtp ready"); err != nil {
		return err
	}

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		upper := strings.ToUpper(line)

		switch {
		case strings.HasPrefix(upper, "EHLO") || strings.HasPrefix(upper, "HELO"):
			if err := reply("250-fake"); err != nil {
				return err
			}
			if err := reply("250 OK"); err != nil {
				return err
			}
		case strings.HasPrefix(upper, "MAIL FROM:"):
			tr.mailFrom = angleAddress(line)
			if err := reply("250 OK"); err != nil {
				return err
			}
		case strings.HasPrefix(upper, "RCPT TO:"):
			if b.rejectRcpt {
				if err := reply("550 mailbox unavailable"); err != nil {
					return err
				}
				continue
			}
			tr.rcpts = append(tr.rcpts, angleAddress(line))
			if err := reply("250 OK"); err != nil {
				return err
			}
		case upper == "DATA":
			if err := reply("354 go ahead"); err != nil {
				return err
			}
			var data strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return err
				}
				if l == ".\r\n" {
					break
				}
				data.WriteString(l)
			}
			tr.data = data.String()
			if err := reply("250 OK queued"); err != nil {
				return err
			}
		case upper == "QUIT":
			if b.stallQuit {
				_, err := r.ReadString('\n')
				return err
			}
			return reply("221 Bye")
		default:
			if err := reply("250 OK"); err != nil {
				return err
			}
		}
	}
}

func angleAddress(line string) string {
	start := strings.Index(line, "<")
	end := strings.Index(line, ">")
	if start != -1 && end > start+1 {
		return line[start+1 : end]
	}
	return ""
}

func TestSMTPSend(t *testing.T) {
	var (
		transcript *smtpTranscript
		wait       func()
	)
	dialer := dialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		if address != "smtp.example.com:2525" {
			t.Errorf("unexpected address %s", address)
		}
		conn, tr, w := startFakeSMTPServer(t, fakeSMTPBehaviour{})
		transcript, wait = tr, w
		return conn, nil
	})

	s, err := provider.NewSMTP(provider.SMTPConfig{
		Host: "smtp.example.com", Port: 2525, From: "noreply@example.com", Dialer: dialer,
	})
	if err != nil {
		t.Fatalf("NewSMTP: %v", err)
	}

	req := sampleRequest()
	req.Attachments = []model.Attachment{{Filename: "report.csv", Content: []byte("a,b"), ContentType: "text/csv"}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res := s.Send(ctx, req)
	wait()
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if !strings.HasSuffix(res.MessageID, "@example.com>") {
		t.Fatalf("unexpected message id %q", res.MessageID)
	}
	if transcript.mailFrom != "noreply@example.com" {
		t.Fatalf("MAIL FROM = %q", transcript.mailFrom)
	}
	if want := []string{"one@example.com", "two@example.com"}; !reflect.DeepEqual(transcript.rcpts, want) {
		t.Fatalf("RCPT TO = %v, want %v", transcript.rcpts, want)
	}
	for _, want := range []string{"Subject: Hello", "Message-Id: " + res.MessageID, "report.csv", "text/html"} {
		if !strings.Contains(transcript.data, want) {
			t.Fatalf("expected message to contain %q", want)
		}
	}
}

func TestSMTPSendRecipientRejected(t *testing.T) {
	var wait func()
	dialer := dialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		conn, _, w := startFakeSMTPServer(t, fakeSMTPBehaviour{rejectRcpt: true})
		wait = w
		return conn, nil
	})

	s, _ := provider.NewSMTP(provider.SMTPConfig{
		Host: "smtp.example.com", Port: 25, From: "noreply@example.com", Dialer: dialer,
	})

	res := s.Send(context.Background(), sampleRequest())
	if res.Success || !strings.Contains(res.Error, "550") {
		t.Fatalf("expected rcpt failure, got %+v", res)
	}
	if wait != nil {
		// The client closes without QUIT; the fake server sees EOF.
		wait()
	}
}

func TestSMTPAcceptedMessageSurvivesQuitTimeout(t *testing.T) {
	var (
		transcript *smtpTranscript
		wait       func()
	)
	dialer := dialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		conn, tr, w := startFakeSMTPServer(t, fakeSMTPBehaviour{stallQuit: true})
		transcript, wait = tr, w
		return conn, nil
	})

	s, err := provider.NewSMTP(provider.SMTPConfig{
		Host: "smtp.example.com", Port: 25, From: "noreply@example.com",
		Timeout: 200 * time.Millisecond, Dialer: dialer,
	})
	if err != nil {
		t.Fatalf("NewSMTP: %v", err)
	}

	res := s.Send(context.Background(), sampleRequest())
	wait()
	if !res.Success {
		t.Fatalf("expected accepted message to count as sent, got %+v", res)
	}
	if !strings.Contains(transcript.data, "Subject: Hello") {
		t.Fatalf("expected message data to reach the relay")
	}
}

func TestSMTPInvalidSourceIP(t *testing.T) {
	s, _ := provider.NewSMTP(provider.SMTPConfig{Host: "127.0.0.1", Port: 25, From: "noreply@example.com"})

	ctx := provider.WithSourceIP(context.Background(), "not-an-ip")
	res := s.Send(ctx, sampleRequest())
	if res.Success || !strings.Contains(res.Error, "invalid source ip") {
		t.Fatalf("expected source ip failure, got %+v", res)
	}
}

func TestNewSMTPValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  provider.SMTPConfig
	}{
		{name: "missing host", cfg: provider.SMTPConfig{Port: 25, From: "a@example.com"}},
		{name: "invalid port", cfg: provider.SMTPConfig{Host: "h", From: "a@example.com"}},
		{name: "missing from", cfg: provider.SMTPConfig{Host: "h", Port: 25}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if _, err := provider.NewSMTP(tc.cfg); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
