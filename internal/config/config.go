package config

import (
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type QueueConfig struct {
	URL string `yaml:"url"`
}

type ScraperConfig struct {
	// BrowserURL points at a remote DevTools endpoint. Empty means a
	// locally launched browser.
	BrowserURL          string `yaml:"browserURL"`
	UserAgent           string `yaml:"userAgent"`
	NavigationTimeoutMs int    `yaml:"navigationTimeoutMs"`
}

type RobotsConfig struct {
	Respect bool `yaml:"respect"`
}

type SanitizerConfig struct {
	MaxTokens int `yaml:"maxTokens"`
}

type BatcherConfig struct {
	MaxPending int `yaml:"maxPending"`
	DebounceMs int `yaml:"debounceMs"`
	// Direct bypasses the provider batch API and runs one synchronous
	// chat completion per request instead.
	Direct bool `yaml:"direct"`
}

type OpenAIConfig struct {
	APIKey           string `yaml:"apiKey"`
	BaseURL          string `yaml:"baseURL"`
	Model            string `yaml:"model"`
	ImageModel       string `yaml:"imageModel"`
	TimeoutMs        int    `yaml:"timeoutMs"`
	CompletionWindow string `yaml:"completionWindow"`
}

type S3Config struct {
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
}

// RegistrarConfig describes how pipeline processes reach the batch
// registrar HTTP surface, and the shared secret its routes check.
type RegistrarConfig struct {
	BaseURL string `yaml:"baseURL"`
	Secret  string `yaml:"secret"`
}

type AwaiterConfig struct {
	EventYearFloor     int `yaml:"eventYearFloor"`
	MaxOutputFilePolls int `yaml:"maxOutputFilePolls"`
}

type TriggerConfig struct {
	RescrapeAfterDays int    `yaml:"rescrapeAfterDays"`
	PromptEndpoint    string `yaml:"promptEndpoint"`
	ReturnEndpoint    string `yaml:"returnEndpoint"`
	PromptVersion     string `yaml:"promptVersion"`
	RatePerMinute     int    `yaml:"ratePerMinute"`
}

type PromptConfig struct {
	Text   string `yaml:"text"`
	Schema string `yaml:"schema"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	Scraper   ScraperConfig   `yaml:"scraper"`
	Robots    RobotsConfig    `yaml:"robots"`
	Sanitizer SanitizerConfig `yaml:"sanitizer"`
	Batcher   BatcherConfig   `yaml:"batcher"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	S3        S3Config        `yaml:"s3"`
	Registrar RegistrarConfig `yaml:"registrar"`
	Awaiter   AwaiterConfig   `yaml:"awaiter"`
	Trigger   TriggerConfig   `yaml:"trigger"`
	Prompt    PromptConfig    `yaml:"prompt"`
}

func Load(path string) *Config {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}

	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Scraper.NavigationTimeoutMs <= 0 {
		c.Scraper.NavigationTimeoutMs = 60000
	}
	if c.Scraper.UserAgent == "" {
		c.Scraper.UserAgent = "Mozilla/5.0 (Windows NT 10.0; WOW64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"
	}
	if c.Sanitizer.MaxTokens <= 0 {
		c.Sanitizer.MaxTokens = 125000
	}
	if c.Batcher.MaxPending <= 0 {
		c.Batcher.MaxPending = 10
	}
	if c.Batcher.DebounceMs <= 0 {
		c.Batcher.DebounceMs = 30000
	}
	if c.OpenAI.TimeoutMs <= 0 {
		c.OpenAI.TimeoutMs = 120000
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4o"
	}
	if c.OpenAI.ImageModel == "" {
		c.OpenAI.ImageModel = "dall-e-3"
	}
	if c.OpenAI.CompletionWindow == "" {
		c.OpenAI.CompletionWindow = "24h"
	}
	if c.Awaiter.EventYearFloor <= 0 {
		c.Awaiter.EventYearFloor = 2025
	}
	if c.Awaiter.MaxOutputFilePolls <= 0 {
		c.Awaiter.MaxOutputFilePolls = 5
	}
	if c.Trigger.RescrapeAfterDays <= 0 {
		c.Trigger.RescrapeAfterDays = 10
	}
	if c.Trigger.PromptVersion == "" {
		c.Trigger.PromptVersion = "1.0.0"
	}
}
