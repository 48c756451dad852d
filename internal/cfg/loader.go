package cfg

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Message bus and identity
	BusURL   string `long:"bus-url" env:"BUS_URL" description:"Base URL of the message bus gateway" required:"true"`
	CertFile string `long:"cert-file" env:"CERT_FILE" default:"/var/opt/millegrilles/secrets/pki.web_scraper.cert" description:"Instance certificate chain (PEM)"`
	KeyFile  string `long:"key-file" env:"KEY_FILE" default:"/var/opt/millegrilles/secrets/pki.web_scraper.key" description:"Instance private key (PEM, PKCS8 Ed25519)"`
	CAFile   string `long:"ca-file" env:"CA_FILE" default:"/var/opt/millegrilles/configuration/pki.millegrille.cert" description:"Millegrille CA certificate (PEM)"`

	// Storage
	DataDir     string        `long:"dir-data" env:"DIR_DATA" default:"/var/opt/millegrilles/web_scraper/data" description:"Directory for temporary files"`
	FilehostURL string        `long:"filehost-url" env:"FILEHOST_WEB_URL" default:"https://filehost:1443/" description:"Filehost URL used when the selected filehost publishes none"`
	RedisAddr   string        `long:"redis-addr" env:"REDIS_ADDR" description:"Redis address for the correlation cache (optional)"`
	RedisTTL    time.Duration `long:"redis-ttl" env:"REDIS_TTL" default:"24h" description:"Correlation cache entry lifetime"`

	// Scraping
	FeedsFile         string        `long:"feeds-file" env:"FEEDS_FILE" description:"YAML feed list used instead of the bus feed configuration (optional)"`
	ScrapeConcurrency int64         `long:"scrape-concurrency" env:"SCRAPE_CONCURRENCY" default:"1" description:"Feeds scraped at the same time"`
	UploadConcurrency int64         `long:"upload-concurrency" env:"UPLOAD_CONCURRENCY" default:"1" description:"Concurrent filehost uploads"`
	ScrapeThrottle    time.Duration `long:"scrape-throttle" env:"SCRAPE_THROTTLE" default:"0s" description:"Pause after each scrape before releasing the scrape slot"`
	FetchTimeout      time.Duration `long:"fetch-timeout" env:"FETCH_TIMEOUT" default:"60s" description:"Timeout for a single HTTP fetch"`
	MaxFetchSize      int64         `long:"max-fetch-size" env:"MAX_FETCH_SIZE" default:"52428800" description:"Largest accepted fetched content in bytes"`
	UserAgent         string        `long:"user-agent" env:"USER_AGENT" default:"MilleGrilles WebScraper/1.0" description:"User agent string for HTTP requests"`

	// Status server
	StatusPort   string `long:"status-port" env:"STATUS_PORT" description:"Port of the status server (disabled when empty)"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for the status API (optional)"`

	Verbose bool `long:"verbose" env:"VERBOSE" description:"Enable debug logging"`
}

var globalCfg *Cfg

// Load parses the command line and environment. It returns nil, nil when
// help was requested.
func Load() (*Cfg, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Cfg{
		BusURL:            raw.BusURL,
		CertFile:          raw.CertFile,
		KeyFile:           raw.KeyFile,
		CAFile:            raw.CAFile,
		DataDir:           raw.DataDir,
		FilehostURL:       raw.FilehostURL,
		RedisAddr:         raw.RedisAddr,
		RedisTTL:          raw.RedisTTL,
		FeedsFile:         raw.FeedsFile,
		ScrapeConcurrency: raw.ScrapeConcurrency,
		UploadConcurrency: raw.UploadConcurrency,
		ScrapeThrottle:    raw.ScrapeThrottle,
		FetchTimeout:      raw.FetchTimeout,
		MaxFetchSize:      raw.MaxFetchSize,
		UserAgent:         raw.UserAgent,
		StatusPort:        raw.StatusPort,
		APIAccessKey:      raw.APIAccessKey,
		Verbose:           raw.Verbose,
		Version:           GetVersion(),
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	globalCfg = cfg

	return cfg, nil
}

func Get() *Cfg {
	if globalCfg == nil {
		panic("configuration not loaded - call cfg.Load() first")
	}
	return globalCfg
}

func validate(cfg *Cfg) error {
	positive := map[string]int64{
		"scrape concurrency": cfg.ScrapeConcurrency,
		"upload concurrency": cfg.UploadConcurrency,
		"max fetch size":     cfg.MaxFetchSize,
	}
	for name, value := range positive {
		if value < 1 {
			return fmt.Errorf("%s must be at least 1", name)
		}
	}

	nonNegative := map[string]time.Duration{
		"scrape throttle": cfg.ScrapeThrottle,
		"fetch timeout":   cfg.FetchTimeout,
		"redis ttl":       cfg.RedisTTL,
	}
	for name, value := range nonNegative {
		if value < 0 {
			return fmt.Errorf("%s must be non-negative", name)
		}
	}
	return nil
}
