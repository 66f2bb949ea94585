package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/chaz8081/gostt-relay/internal/audio"
	"github.com/chaz8081/gostt-relay/internal/config"
	"github.com/chaz8081/gostt-relay/internal/credentials"
	"github.com/chaz8081/gostt-relay/internal/server"
	"github.com/chaz8081/gostt-relay/internal/stream"
	"github.com/chaz8081/gostt-relay/internal/transcribe"
)

func runTranscribe(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("transcribe", flag.ExitOnError)
	model := fs.String("model", cfg.DefaultModel, "backend model id")
	language := fs.String("language", cfg.Language, `language code or "auto"`)
	prompt := fs.String("prompt", "", "vocabulary hint for the model")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("expected exactly one audio file")
	}

	return runFile(cfg, transcribe.Request{
		ModelID:  *model,
		Language: *language,
		Prompt:   *prompt,
		Mode:     transcribe.ModeTranscribe,
	}, fs.Arg(0))
}

func runTranslate(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("translate", flag.ExitOnError)
	model := fs.String("model", "whisper-1", "backend model id")
	target := fs.String("target", "en", "target language code")
	prompt := fs.String("prompt", "", "vocabulary hint for the model")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("expected exactly one audio file")
	}

	return runFile(cfg, transcribe.Request{
		ModelID:        *model,
		Prompt:         *prompt,
		TargetLanguage: *target,
		Mode:           transcribe.ModeTranslate,
	}, fs.Arg(0))
}

func runFile(cfg *config.Config, req transcribe.Request, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	req.Audio = data

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if req.ExplicitLanguage() != "" {
		a.warmLocal(ctx)
	}

	start := time.Now()
	res, err := a.router.Transcribe(ctx, req)
	if err != nil {
		return err
	}
	log.Printf("%s via %s in %s (%.1fs of audio)",
		req.Mode, res.Backend, time.Since(start).Round(time.Millisecond), res.Duration)
	fmt.Println(res.Text)
	return nil
}

func runLive(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("live", flag.ExitOnError)
	model := fs.String("model", "gpt-4o-realtime", "streaming backend model id")
	language := fs.String("language", cfg.Language, `language code or "auto"`)
	_ = fs.Parse(args)

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	printBanner(cfg, "Live:     "+*model, a.balanceLine())

	recorder, err := audio.NewRecorder(cfg.Audio.SampleRate, cfg.Audio.Channels)
	if err != nil {
		return fmt.Errorf("initializing audio recorder: %w\n\nEnsure microphone access is granted to this terminal", err)
	}
	defer recorder.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := a.router.StartLive(ctx, transcribe.Request{ModelID: *model, Language: *language, Live: true})
	if err != nil {
		return err
	}

	recorder.SetTap(sess.Tap(recorder.SampleRate()))
	if err := recorder.Start(); err != nil {
		_, _ = a.router.StopLive(context.Background())
		return fmt.Errorf("starting recording: %w", err)
	}
	if err := sess.Activate(); err != nil {
		log.Printf("WARNING: %v", err)
	}
	log.Println("Listening... Ctrl+C to stop.")

	if st := followLive(ctx, sess, livePoll); st == stream.Failed || st == stream.Disconnected {
		log.Printf("Session %s", st)
	}

	recorder.Stop()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := a.router.StopLive(stopCtx)
	fmt.Println()
	if res != nil {
		log.Printf("Session ended: %.1fs of audio via %s", res.Duration, res.Backend)
		fmt.Println(res.Text)
	}
	return err
}

// livePoll is how often runLive checks the session state in case the
// update announcing its end was dropped.
const livePoll = 250 * time.Millisecond

type liveSession interface {
	Updates() <-chan stream.Update
	State() stream.State
}

// followLive prints transcript updates until ctx ends or the session stops
// streaming, and returns the state the session was last seen in.
func followLive(ctx context.Context, sess liveSession, poll time.Duration) stream.State {
	ended := func(st stream.State) bool { return st == stream.Failed || st == stream.Disconnected }

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	updates := sess.Updates()
	var last string
	for {
		select {
		case <-ctx.Done():
			return sess.State()
		case u, ok := <-updates:
			if !ok {
				return sess.State()
			}
			if ended(u.State) {
				return u.State
			}
			if u.Text != last {
				fmt.Printf("\r\033[K%s", u.Text)
				last = u.Text
			}
		case <-ticker.C:
			if st := sess.State(); ended(st) {
				return st
			}
		}
	}
}

func runServe(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", cfg.Server.Address, "listen address")
	_ = fs.Parse(args)

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	printBanner(cfg, "Listen:   "+*addr, a.balanceLine())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go a.warmLocal(ctx)
	go a.watchConfig(ctx, configFile)

	opts := server.Options{Metrics: a.metrics}
	if a.usage != nil {
		opts.Usage = a.usage
	}
	if cfg.Server.JWTSecret != "" {
		opts.Auth = server.NewTokenAuth(cfg.Server.JWTSecret)
		log.Println("Bearer token auth enabled for /v1")
	}
	srv := &http.Server{
		Addr:              *addr,
		Handler:           server.NewRouter(a.router, opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Listening on http://%s", *addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Println("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	log.Println("Goodbye!")
	return nil
}

func runModels(cfg *config.Config, _ []string) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROVIDER\tKIND\tSTREAMING\t$/MIN\tENTITLED\tAVAILABLE")
	for _, m := range a.router.Models() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%.4f\t%v\t%v\n",
			m.ID, m.Provider, m.Kind, m.Streaming, m.CostPerMinute, a.ledger.CanUseBackend(m.ID), m.Available)
	}
	return tw.Flush()
}

func runDownload(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	force := fs.Bool("force", false, "discard cached files and download again")
	_ = fs.Parse(args)

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	id := fs.Arg(0)
	if id == "" {
		entry, ok := a.catalog.Local()
		if !ok {
			return errors.New("no local model in the catalog")
		}
		id = entry.ID()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	state, err := a.models.Load(ctx, id, *force)
	if err != nil {
		return err
	}
	dir, _ := a.models.Locate(id)
	log.Printf("%s is %s at %s (%s)", id, state, dir, time.Since(start).Round(time.Millisecond))
	return nil
}

func runUsage(cfg *config.Config, _ []string) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.usage == nil {
		return errors.New("usage database is unavailable")
	}

	totals, err := a.usage.Totals(time.Time{})
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BACKEND\tREQUESTS\tMINUTES\tTRANSLATIONS\tCOST")
	for _, t := range totals {
		fmt.Fprintf(tw, "%s\t%d\t%.1f\t%d\t$%.4f\n", t.Backend, t.Requests, t.Seconds/60, t.Translations, t.Cost)
	}
	return tw.Flush()
}

func runKey(cfg *config.Config, args []string) error {
	if len(args) != 2 || args[0] != "set" {
		return errors.New("usage: key set PROVIDER")
	}
	provider := args[1]

	fmt.Fprintf(os.Stderr, "Enter API key for %s: ", provider)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("reading key: %w", err)
	}

	store := credentials.NewFileStore(cfg.CredentialsPath)
	if err := store.SaveAPIKey(provider, strings.TrimSpace(line)); err != nil {
		return err
	}
	log.Printf("Saved %s key to %s (override with %s)", provider, store.Path(), credentials.EnvVar(provider))
	return nil
}

func runToken(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	subject := fs.String("subject", "cli", "token subject")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime; 0 never expires")
	_ = fs.Parse(args)

	if cfg.Server.JWTSecret == "" {
		return errors.New("server.jwt_secret is not set in the config")
	}
	token, err := server.NewTokenAuth(cfg.Server.JWTSecret).Issue(*subject, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
