package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lokutor-ai/lokutor-narrator/internal/config"
	"github.com/lokutor-ai/lokutor-narrator/pkg/document"
	"github.com/lokutor-ai/lokutor-narrator/pkg/metrics"
	"github.com/lokutor-ai/lokutor-narrator/pkg/narrator"
	"github.com/lokutor-ai/lokutor-narrator/pkg/playback"
	"github.com/lokutor-ai/lokutor-narrator/pkg/recorder"
	"github.com/lokutor-ai/lokutor-narrator/pkg/stream"
	"github.com/lokutor-ai/lokutor-narrator/pkg/transport"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	docPath := flag.String("doc", "", "plain-text export of the document (pages separated by form feeds)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, using system environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	if *docPath != "" {
		cfg.Document.Path = *docPath
	}

	logger := newLogger(cfg.Telemetry.LogLevel)

	m := metrics.New("narrator")
	if cfg.Telemetry.MetricsBind != "" {
		go serveMetrics(cfg.Telemetry.MetricsBind, m, logger)
	}

	var book *document.Book
	if cfg.Document.Path != "" {
		book, err = document.Open(cfg.Document.Path)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		logger.Info("document loaded", "path", cfg.Document.Path, "pages", book.PageCount())
	}

	player := playback.NewPlayer(cfg.PlaybackConfig(), logger)
	if cfg.Playback.Enabled {
		out, err := playback.OpenOutput(player, logger)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		defer out.Close()
	}

	dial, cleanup, err := dialer(cfg, logger)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer cleanup()

	opts := narrator.Options{
		SessionID:   cfg.Session.ID,
		Stream:      cfg.StreamConfig(),
		Language:    narrator.Language(cfg.Session.Language),
		Instruction: cfg.Session.Instruction,
		Observer:    m,
		Logger:      logger,
	}
	var pager narrator.Pager
	if book != nil {
		pager = book
	}
	n, err := narrator.New(opts, dial, player, pager)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer n.Close()

	rec := recorder.New(cfg.RecorderConfig(), n.SessionID(), n, n, logger)
	rec.SetPlaybackProbe(player.Playing)
	if cfg.Playback.DeviceSampleRate == cfg.Audio.SampleRate && cfg.Playback.DeviceChannels == 1 && cfg.Audio.Channels == 1 {
		echo := recorder.NewEchoSuppressor(cfg.Audio.SampleRate)
		player.SetTap(echo.RecordPlayed)
		rec.SetEchoSuppressor(echo)
	}
	if cfg.Recorder.Enabled {
		capture, err := recorder.OpenCapture(rec, cfg.Audio.SampleRate, cfg.Audio.Channels, logger)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		defer capture.Close()
	}

	fmt.Printf("Session %s | transport=%s | pages=%d\n", n.SessionID(), cfg.Transport.Mode, pageCount(book))
	fmt.Println("Commands: play [page], pause, resume, stop, next, prev, goto N, rec, tap, reset, status, quit")

	go printEvents(n)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case <-ctx.Done():
			fmt.Printf("\nShutting down...\n")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := runCommand(n, rec, line); quit {
				return
			}
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func serveMetrics(bind string, m *metrics.Metrics, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("metrics listening", "bind", bind)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server stopped", "error", err)
	}
}

// dialer returns the transport constructor for the configured mode and a
// cleanup for anything it started.
func dialer(cfg config.Config, logger *slog.Logger) (narrator.Dialer, func(), error) {
	switch cfg.Transport.Mode {
	case config.TransportNATS:
		natsCfg := cfg.NATSConfig()
		cleanup := func() {}
		if cfg.Transport.NATS.Embedded {
			srv, err := transport.StartEmbedded("127.0.0.1", cfg.Transport.NATS.Port, logger)
			if err != nil {
				return nil, nil, err
			}
			natsCfg.Servers = []string{srv.URL()}
			cleanup = srv.Shutdown
		}
		return func(sessionID string, handler transport.Handler) (transport.Client, error) {
			return transport.ConnectNATS(natsCfg, sessionID, handler, logger)
		}, cleanup, nil
	default:
		if cfg.Transport.APIKey == "" {
			return nil, nil, errors.New("LOKUTOR_API_KEY must be set for the websocket transport")
		}
		wsCfg := cfg.WebSocketConfig()
		return func(_ string, handler transport.Handler) (transport.Client, error) {
			return transport.DialWebSocket(context.Background(), wsCfg, handler, logger)
		}, func() {}, nil
	}
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- strings.TrimSpace(scanner.Text())
	}
}

func runCommand(n *narrator.Narrator, rec *recorder.Recorder, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	var err error
	switch fields[0] {
	case "play":
		if len(fields) > 1 {
			page, convErr := strconv.Atoi(fields[1])
			if convErr != nil {
				fmt.Printf("invalid page %q\n", fields[1])
				return false
			}
			err = n.NarratePage(page)
		} else {
			err = n.NarrateCurrent()
		}
	case "pause":
		err = n.PauseNarration()
	case "resume":
		err = n.ResumeNarration()
	case "stop":
		err = n.StopAudio()
	case "next", "prev", "goto":
		err = navigate(n, fields)
	case "rec":
		if rec.Recording() {
			err = rec.Stop()
		} else {
			err = rec.Start()
		}
	case "tap":
		err = n.NotifyUserInteraction()
	case "reset":
		err = n.ResetAudio()
	case "status":
		var s narrator.Status
		s, err = n.Status()
		if err == nil {
			fmt.Printf("state=%s owner=%s page=%d recording=%t paused=%t suspended=%t blocked=%t\n",
				s.State, ownerLabel(s.Owner), s.Page, s.Recording, s.Paused, s.Suspended, s.Blocked)
		}
	case "quit", "exit":
		return true
	default:
		fmt.Printf("unknown command %q\n", fields[0])
	}
	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
	return false
}

func navigate(n *narrator.Narrator, fields []string) error {
	var err error
	page := n.CurrentPage()
	switch fields[0] {
	case "next":
		page++
	case "prev":
		page--
	case "goto":
		if len(fields) < 2 {
			return errors.New("usage: goto N")
		}
		if page, err = strconv.Atoi(fields[1]); err != nil {
			return fmt.Errorf("invalid page %q", fields[1])
		}
	}
	return n.GoTo(page)
}

func printEvents(n *narrator.Narrator) {
	for ev := range n.Events() {
		switch ev.Type {
		case stream.StateChanged:
			fmt.Printf("[STATE] %s\n", ev.State)
		case stream.OwnerChanged:
			fmt.Printf("[OWNER] %s\n", ownerLabel(ev.Owner))
		case stream.PageFinished:
			fmt.Printf("[PAGE] finished page %d\n", ev.Page)
		case stream.PlaybackBlocked:
			fmt.Println("[BLOCKED] playback is waiting for interaction, type 'tap'")
		case stream.ErrorEvent:
			fmt.Printf("[ERROR] %v\n", ev.Err)
		}
	}
}

func ownerLabel(o stream.OwnerKind) string {
	if o == stream.OwnerNone {
		return "none"
	}
	return string(o)
}

func pageCount(b *document.Book) int {
	if b == nil {
		return 0
	}
	return b.PageCount()
}
