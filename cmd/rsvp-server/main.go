package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"event-rsvp/internal/client"
	"event-rsvp/internal/config"
	"event-rsvp/internal/guests"
	"event-rsvp/internal/handler"
	"event-rsvp/internal/i18n"
	"event-rsvp/internal/rsvp"
	"event-rsvp/internal/storage"
	"event-rsvp/internal/ticket"
	"event-rsvp/internal/verify"
	"event-rsvp/internal/whatsapp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("rsvp-server", pflag.ContinueOnError)
	envFile := flagSet.String("env-file", ".env", "dotenv file to load before reading the environment")
	listen := flagSet.String("listen", "", "address to listen on (overrides LISTEN_ADDR)")
	withWhatsApp := flagSet.Bool("whatsapp", false, "connect to WhatsApp for invitations and confirmations (overrides WHATSAPP_ENABLED)")
	noCLI := flagSet.Bool("no-cli", false, "do not start the interactive operator menu")
	logLevel := flagSet.String("log-level", "", "zerolog level (overrides LOG_LEVEL)")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// Load configuration
	cfg, err := config.LoadConfig(*envFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if flagSet.Changed("listen") {
		cfg.ListenAddr = *listen
	}
	if flagSet.Changed("whatsapp") {
		cfg.WhatsAppEnabled = *withWhatsApp
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	fmt.Println("🎉 Event RSVP Server")
	fmt.Println("====================")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	guestStorage, err := storage.NewStorage(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer guestStorage.Close()

	bundle := i18n.Default()
	lang := bundle.Match(cfg.DefaultLanguage)
	// RSVPEnabled is read from storage on every load
	event := cfg.Event(true)

	// Ticket pipeline
	fonts, err := ticket.LoadFonts()
	if err != nil {
		return fmt.Errorf("failed to load fonts: %w", err)
	}
	var header image.Image
	if cfg.HeaderImagePath != "" {
		if header, err = ticket.LoadHeaderImage(cfg.HeaderImagePath); err != nil {
			return fmt.Errorf("failed to load header image: %w", err)
		}
	}
	renderer := ticket.NewRenderer(ticket.NewSurface(fonts), bundle, header, cfg.LayoutTimeout, log)
	tickets := ticket.NewGenerator(renderer, log)

	// Initialize WhatsApp service
	var whatsappService *whatsapp.Service
	var notifier guests.Notifier
	if cfg.WhatsAppEnabled {
		whatsappService, err = whatsapp.NewService(ctx, &whatsapp.Config{
			DataDir:     cfg.WhatsAppDataDir,
			CountryCode: cfg.WhatsAppCountryCode,
			Event:       event,
			Lang:        lang,
		}, tickets, log)
		if err != nil {
			return fmt.Errorf("failed to initialize WhatsApp service: %w", err)
		}
		notifier = whatsappService
	}

	registry := guests.NewRegistry(guestStorage, notifier, log)
	turnstile := verify.NewTurnstile(cfg.TurnstileSecret, cfg.TurnstileVerifyURL, cfg.VerifyTimeout, log)

	var api rsvp.API = rsvp.Local{
		Registry:   registry,
		Challenger: verify.LocalChallenger{Turnstile: turnstile},
	}
	if cfg.PublicAPIURL != "" {
		log.Info().Str("url", cfg.PublicAPIURL).Msg("Using remote guest API")
		api = client.New(cfg.PublicAPIURL, cfg.VerifyTimeout, log)
	}

	sessions := rsvp.NewSessions(cfg.SessionTTL, log)
	go sessions.Run(ctx, time.Minute)

	router := handler.NewRouter(
		handler.NewAPIHandler(registry, turnstile, bundle, cfg.RSVPEmail, log),
		handler.NewSessionHandler(ctx, sessions, rsvp.Options{
			API:           api,
			Tickets:       tickets,
			Bundle:        bundle,
			Event:         event,
			RedirectDelay: cfg.RedirectDelay,
		}, log),
		cfg.AllowedOrigins,
		log,
	)

	var rsvpHandler *handler.RSVPHandler
	if whatsappService != nil {
		rsvpHandler = handler.NewRSVPHandler(whatsappService, guestStorage, registry, &handler.Config{
			Event:         event,
			InviteBaseURL: cfg.InviteBaseURL,
			CountryCode:   cfg.WhatsAppCountryCode,
			Lang:          lang,
		}, log)
		whatsappService.SetReplyHandler(rsvpHandler.HandleMessage)

		fmt.Println("Connecting to WhatsApp...")
		if err := whatsappService.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect to WhatsApp: %w", err)
		}
		defer whatsappService.Disconnect()
		fmt.Println("\n✅ Connected to WhatsApp!")
		fmt.Println("The server is now listening for RSVP replies.")
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if !*noCLI {
		op := &operator{
			storage:       guestStorage,
			inviteBaseURL: cfg.InviteBaseURL,
			countryCode:   cfg.WhatsAppCountryCode,
		}
		if rsvpHandler != nil {
			op.invitations = rsvpHandler
		}
		go func() {
			if op.run(ctx, os.Stdin) {
				stop()
			}
		}()
	}

	// Wait for interrupt signal
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("http server failed: %w", err)
	}

	fmt.Println("\n\nShutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error shutting down HTTP server")
	}
	sessions.CloseAll()
	registry.Wait()
	fmt.Println("Goodbye! 👋")
	return nil
}

func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	if cfg.LogPretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).Level(level).With().Timestamp().Logger(), nil
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger(), nil
}
