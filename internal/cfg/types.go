package cfg

import "time"

type Cfg struct {
	// Message bus and identity
	BusURL   string
	CertFile string
	KeyFile  string
	CAFile   string

	// Storage
	DataDir     string
	FilehostURL string
	RedisAddr   string
	RedisTTL    time.Duration

	// Scraping
	FeedsFile         string
	ScrapeConcurrency int64
	UploadConcurrency int64
	ScrapeThrottle    time.Duration
	FetchTimeout      time.Duration
	MaxFetchSize      int64
	UserAgent         string

	// Status server
	StatusPort   string
	APIAccessKey string

	Verbose bool
	Version string
}
