package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/splax/deployx/internal/domain"
	"github.com/splax/deployx/pkg/realtime"
)

type follower struct {
	client *realtime.Client
	result chan bool
	once   sync.Once
}

// startFollow joins the project's room and prints every event until a
// terminal status or the success log line arrives.
func startFollow(ctx context.Context, gateway, projectID string, p *printer) (*follower, error) {
	client, err := realtime.Dial(ctx, gateway)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", gateway, err)
	}
	f := &follower{client: client, result: make(chan bool, 1)}
	err = client.Listen(projectID, realtime.Handlers{
		OnJoined: func(msg string) { p.info(msg) },
		OnLog: func(text string) {
			p.log(text)
			if strings.Contains(text, domain.SuccessMarker) {
				f.finish(true)
			}
		},
		OnStatus: func(ev domain.StatusEvent) {
			p.status(ev)
			if ev.Terminal() {
				f.finish(ev.State == domain.StateSuccess)
			}
		},
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	return f, nil
}

func (f *follower) finish(ok bool) {
	f.once.Do(func() { f.result <- ok })
}

// Wait blocks until the deployment ends and reports whether it succeeded.
func (f *follower) Wait(ctx context.Context) (bool, error) {
	select {
	case ok := <-f.result:
		return ok, nil
	case <-f.client.Done():
		return false, realtime.ErrClosed
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (f *follower) Close() error {
	return f.client.Close()
}

type printer struct {
	mu    sync.Mutex
	out   io.Writer
	color bool
}

func newPrinter(f *os.File) *printer {
	return &printer{out: f, color: colorEnabled(f)}
}

func (p *printer) paint(code, text string) string {
	if !p.color {
		return text
	}
	return "\x1b[" + code + "m" + text + "\x1b[0m"
}

func (p *printer) log(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, text)
}

func (p *printer) info(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, p.paint("2", text))
}

func (p *printer) status(ev domain.StatusEvent) {
	code := "36"
	switch ev.State {
	case domain.StateSuccess:
		code = "32"
	case domain.StateFailed:
		code = "31"
	}
	line := "[" + ev.State + "]"
	if ev.Message != "" {
		line += " " + ev.Message
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, p.paint(code, line))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
