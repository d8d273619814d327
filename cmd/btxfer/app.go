package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/ugorji/go/codec"
	"go.uber.org/zap"

	"bluetooth-xfer/internal/config"
	"bluetooth-xfer/internal/connmgr"
	"bluetooth-xfer/internal/events"
	"bluetooth-xfer/internal/observability"
	"bluetooth-xfer/internal/session"
	"bluetooth-xfer/internal/transfer"
)

// app carries what every command needs: config, logger and the event bus
// feeding the terminal.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	bus     *events.Bus
	out     io.Writer
	json    bool
	timeout time.Duration

	printed chan struct{}
}

func newApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	jsonOut, _ := cmd.Flags().GetBool("json")
	verbose, _ := cmd.Flags().GetBool("verbose")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("setup logger: %w", err)
	}

	a := &app{
		cfg:     cfg,
		log:     log,
		bus:     events.NewBus(cfg.Events.Buffer),
		out:     &syncWriter{w: cmd.OutOrStdout()},
		json:    jsonOut,
		timeout: timeout,
		printed: make(chan struct{}),
	}

	var view events.Sink = newPrinter(a.out, verbose)
	if jsonOut {
		view = events.NewEncoder(a.out)
	}
	sub := a.bus.Subscribe()
	go func() {
		defer close(a.printed)
		for ev := range sub.C {
			view.Publish(ev)
		}
	}()
	return a, nil
}

// sink is what sessions and engines publish to.
func (a *app) sink() events.Sink {
	return events.Tee(a.bus, events.NewLogSink(a.log))
}

// close flushes pending events to the terminal.
func (a *app) close() {
	a.bus.Close()
	<-a.printed
	_ = a.log.Sync()
}

func (a *app) bluez() connmgr.Factory {
	return func() connmgr.Mgr { return connmgr.New(a.log) }
}

func (a *app) newSession(factory connmgr.Factory, downloads string, receiveOnConnect bool) (*session.Session, error) {
	sink := a.sink()
	eng, err := transfer.NewEngine(transfer.Options{
		ChunkSize:     a.cfg.Transfer.ChunkSize,
		ProgressEvery: a.cfg.Transfer.ProgressEvery,
		DownloadsDir:  downloads,
		Sink:          sink,
		Logger:        a.log,
	})
	if err != nil {
		return nil, err
	}
	return session.New(session.Options{
		Factory: factory,
		Server: connmgr.ServerOptions{
			ServiceName: a.cfg.Service.Name,
			UUID:        a.cfg.ServiceUUID(),
			Channel:     a.cfg.Service.Channel,
		},
		Engine:           eng,
		Sink:             sink,
		Logger:           a.log,
		ReceiveOnConnect: receiveOnConnect,
	})
}

// waitContext bounds a connection wait by --timeout.
func (a *app) waitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout > 0 {
		return context.WithTimeout(ctx, a.timeout)
	}
	return context.WithCancel(ctx)
}

// stopOnSignal stops every session on SIGINT/SIGTERM until the returned func is called.
func stopOnSignal(sessions ...*session.Session) func() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	var once sync.Once
	go func() {
		select {
		case <-sig:
			for _, s := range sessions {
				s.Stop()
			}
		case <-done:
		}
	}()
	return func() {
		once.Do(func() {
			signal.Stop(sig)
			close(done)
		})
	}
}

// waitJob blocks until job ends and returns its failure.
func waitJob(job *transfer.Job) (transfer.Snapshot, error) {
	snap, _ := job.Wait(context.Background())
	if snap.Outcome == transfer.OutcomeSucceeded {
		return snap, nil
	}
	return snap, snap.Err
}

func writeJSON(w io.Writer, v any) error {
	var h codec.JsonHandle
	h.TypeInfos = codec.NewTypeInfos([]string{"json"})
	if err := codec.NewEncoder(w, &h).Encode(v); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// readIndex prompts until a number in [0, n) is entered.
func readIndex(in io.Reader, out io.Writer, n int) (int, error) {
	r := bufio.NewReader(in)
	for {
		line, err := r.ReadString('\n')
		i, convErr := strconv.Atoi(strings.TrimSpace(line))
		if convErr == nil && i >= 0 && i < n {
			return i, nil
		}
		if err != nil {
			return 0, fmt.Errorf("no device chosen: %w", err)
		}
		fmt.Fprintf(out, "enter 0..%d: ", n-1)
	}
}

// syncWriter serializes writes from the event printer and the command itself.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// printer renders events for a terminal.
type printer struct {
	w       io.Writer
	verbose bool
}

func newPrinter(w io.Writer, verbose bool) *printer {
	return &printer{w: w, verbose: verbose}
}

func (p *printer) Publish(ev events.Event) {
	switch ev.Kind {
	case events.KindStatus:
		fmt.Fprintln(p.w, ev.Status)
	case events.KindProgress:
		pr := ev.Progress
		verb := "sent"
		if pr.Direction == transfer.DirectionReceive.String() {
			verb = "received"
		}
		if pr.TotalBytes > 0 {
			fmt.Fprintf(p.w, "  %s %s / %s (%d%%)\n", verb, humanBytes(pr.BytesMoved), humanBytes(pr.TotalBytes),
				pr.BytesMoved*100/pr.TotalBytes)
			return
		}
		fmt.Fprintf(p.w, "  %s %s\n", verb, humanBytes(pr.BytesMoved))
	case events.KindError:
		if p.verbose {
			fmt.Fprintf(p.w, "error: %s (%s)\n", ev.Error.Issue, ev.Error.Reason)
			return
		}
		fmt.Fprintf(p.w, "error: %s\n", ev.Error.Issue)
	case events.KindState:
		if p.verbose {
			fmt.Fprintf(p.w, "[%s] %s -> %s\n", ev.State.Role, ev.State.From, ev.State.To)
		}
	}
}
