package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"event-rsvp/internal/models"
)

// Config holds the application configuration
type Config struct {
	ListenAddr     string   `env:"LISTEN_ADDR" envDefault:":8080"`
	DataDir        string   `env:"DATA_DIR" envDefault:"data"`
	DatabasePath   string   `env:"DATABASE_PATH"`
	PublicAPIURL   string   `env:"PUBLIC_API_URL"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`

	TurnstileSecret    string        `env:"TURNSTILE_SECRET"`
	TurnstileVerifyURL string        `env:"TURNSTILE_VERIFY_URL" envDefault:"https://challenges.cloudflare.com/turnstile/v0/siteverify"`
	VerifyTimeout      time.Duration `env:"VERIFY_TIMEOUT" envDefault:"10s"`
	RedirectDelay      time.Duration `env:"REDIRECT_DELAY" envDefault:"3s"`

	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"30m"`
	LayoutTimeout time.Duration `env:"TICKET_LAYOUT_TIMEOUT" envDefault:"5s"`

	EventTitle      string `env:"EVENT_TITLE" envDefault:"Canada Day 2025"`
	EventOccasion   string `env:"EVENT_OCCASION" envDefault:"Canada Day"`
	EventDate       string `env:"EVENT_DATE" envDefault:"Tuesday, 1 July 2025, 19:00 - 21:00"`
	EventLocation   string `env:"EVENT_LOCATION" envDefault:"Venue TBD"`
	HostNames       string `env:"HOST_NAMES" envDefault:"The Hosts"`
	RSVPEmail       string `env:"RSVP_EMAIL" envDefault:"rsvp@example.com"`
	HeaderImagePath string `env:"HEADER_IMAGE_PATH"`

	WhatsAppEnabled     bool   `env:"WHATSAPP_ENABLED" envDefault:"false"`
	WhatsAppDataDir     string `env:"WHATSAPP_DATA_DIR"`
	WhatsAppCountryCode string `env:"WHATSAPP_COUNTRY_CODE" envDefault:"1"`
	InviteBaseURL       string `env:"INVITE_BASE_URL" envDefault:"http://localhost:3000"`
	DefaultLanguage     string `env:"DEFAULT_LANGUAGE" envDefault:"en"`
}

// LoadConfig loads configuration from an optional .env file and the environment
func LoadConfig(dotenvFiles ...string) (*Config, error) {
	if len(dotenvFiles) == 0 {
		dotenvFiles = []string{".env"}
	}
	for _, file := range dotenvFiles {
		// values already present in the environment win over the file
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DatabasePath == "" {
		c.DatabasePath = c.DataDir + "/guests.db"
	}
	if c.WhatsAppDataDir == "" {
		c.WhatsAppDataDir = c.DataDir
	}
}

// Event returns the invitation copy with the given window state
func (c *Config) Event(rsvpEnabled bool) models.EventConfig {
	return models.EventConfig{
		RSVPEnabled: rsvpEnabled,
		Title:       c.EventTitle,
		Occasion:    c.EventOccasion,
		Date:        c.EventDate,
		Location:    c.EventLocation,
		HostNames:   c.HostNames,
		RSVPEmail:   c.RSVPEmail,
	}
}
