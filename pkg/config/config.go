package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Twitter   TwitterConfig   `mapstructure:"twitter"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Reddit    RedditConfig    `mapstructure:"reddit"`
	Discord   DiscordConfig   `mapstructure:"discord"`
	NER       NERConfig       `mapstructure:"ner"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	OpsBot    OpsBotConfig    `mapstructure:"ops_bot"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
	// Migrate applies pending migrations on startup.
	Migrate bool `mapstructure:"migrate"`
}

type RedisConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

// Queue backends.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

type QueueConfig struct {
	Backend        string        `mapstructure:"backend"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl"`
	StateRetention time.Duration `mapstructure:"state_retention"`
}

type WorkerConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	RecoverOnStart bool          `mapstructure:"recover_on_start"`
}

type SchedulerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	RunOnStart bool          `mapstructure:"run_on_start"`
	// StaleAfter is how long a running collector is trusted before being
	// enqueued again.
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Namespace string `mapstructure:"namespace"`
}

type TwitterConfig struct {
	BearerToken string        `mapstructure:"bearer_token"`
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// Telegram modes.
const (
	TelegramMTProto = "mtproto"
	TelegramBot     = "bot"
)

type TelegramConfig struct {
	Mode          string        `mapstructure:"mode"`
	APIID         int           `mapstructure:"api_id"`
	APIHash       string        `mapstructure:"api_hash"`
	SessionPath   string        `mapstructure:"session_path"`
	BotToken      string        `mapstructure:"bot_token"`
	TargetTimeout time.Duration `mapstructure:"target_timeout"`
}

type RedditConfig struct {
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	UserAgent    string        `mapstructure:"user_agent"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type DiscordConfig struct {
	Token string `mapstructure:"token"`
}

// Entity recognizer providers.
const (
	NEROpenAI = "openai"
	NERRules  = "rules"
	NERNone   = "none"
)

type NERConfig struct {
	Provider    string       `mapstructure:"provider"`
	Languages   []string     `mapstructure:"languages"`
	MaxEntities int          `mapstructure:"max_entities"`
	OpenAI      OpenAIConfig `mapstructure:"openai"`
}

type OpenAIConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
	// Fallback answers with the rules recognizer when a request fails.
	Fallback bool `mapstructure:"fallback"`
}

type ExtractorConfig struct {
	BatchSize  int `mapstructure:"batch_size"`
	MaxBatches int `mapstructure:"max_batches"`
}

// OpsBotConfig is the operator chat bot. It needs its own token: a bot
// reading updates here would confirm them away from the telegram collector.
type OpsBotConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Token        string  `mapstructure:"token"`
	AllowedChats []int64 `mapstructure:"allowed_chats"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	// Remove leading slash from path to get database name
	dbName := strings.TrimPrefix(u.Path, "/")

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "octopus")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("database.migrate", true)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.prefix", "octopus")

	v.SetDefault("queue.backend", QueueMemory)
	v.SetDefault("queue.poll_timeout", "1s")
	v.SetDefault("queue.state_retention", "168h")
	v.SetDefault("queue.lease_ttl", "1h")

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.retry_delay", "2s")
	v.SetDefault("worker.recover_on_start", true)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "15m")
	v.SetDefault("scheduler.run_on_start", false)
	v.SetDefault("scheduler.stale_after", "2h")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.namespace", "octopus")

	v.SetDefault("twitter.base_url", "https://api.twitter.com")
	v.SetDefault("twitter.timeout", "30s")

	v.SetDefault("telegram.mode", TelegramMTProto)
	v.SetDefault("telegram.session_path", "telegram.session")
	v.SetDefault("telegram.target_timeout", "30s")

	v.SetDefault("reddit.user_agent", "octopus/1.0")
	v.SetDefault("reddit.timeout", "30s")

	v.SetDefault("ner.provider", NERRules)
	v.SetDefault("ner.languages", []string{"en", "zh"})
	v.SetDefault("ner.max_entities", 10)
	v.SetDefault("ner.openai.model", "gpt-4o-mini")
	v.SetDefault("ner.openai.max_tokens", 300)
	v.SetDefault("ner.openai.temperature", 0.0)
	v.SetDefault("ner.openai.fallback", true)

	v.SetDefault("extractor.batch_size", 100)
	v.SetDefault("extractor.max_batches", 10)

	v.SetDefault("ops_bot.enabled", false)
}

// LoadConfig reads the YAML file at path, if any, over the defaults and
// applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Enable environment variable support, e.g. WORKER_CONCURRENCY
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		dbConfig.UseInMemory = config.Database.UseInMemory
		dbConfig.Migrate = config.Database.Migrate
		config.Database = dbConfig
	}

	// Secrets
	overrides := map[string]*string{
		"REDIS_URL":            &config.Redis.URL,
		"TWITTER_BEARER_TOKEN": &config.Twitter.BearerToken,
		"TELEGRAM_API_HASH":    &config.Telegram.APIHash,
		"TELEGRAM_BOT_TOKEN":   &config.Telegram.BotToken,
		"REDDIT_CLIENT_ID":     &config.Reddit.ClientID,
		"REDDIT_CLIENT_SECRET": &config.Reddit.ClientSecret,
		"DISCORD_BOT_TOKEN":    &config.Discord.Token,
		"OPENAI_API_KEY":       &config.NER.OpenAI.APIKey,
		"OPS_BOT_TOKEN":        &config.OpsBot.Token,
	}
	for env, field := range overrides {
		if value := v.GetString(env); value != "" {
			*field = value
		}
	}
	if apiID := v.GetInt("TELEGRAM_API_ID"); apiID != 0 {
		config.Telegram.APIID = apiID
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the enumerated settings.
func (c *Config) Validate() error {
	switch c.Queue.Backend {
	case QueueMemory, QueueRedis:
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}
	switch c.Telegram.Mode {
	case TelegramMTProto, TelegramBot:
	default:
		return fmt.Errorf("unknown telegram mode %q", c.Telegram.Mode)
	}
	switch c.NER.Provider {
	case NEROpenAI, NERRules, NERNone:
	default:
		return fmt.Errorf("unknown ner provider %q", c.NER.Provider)
	}
	if c.OpsBot.Enabled {
		if c.OpsBot.Token == "" {
			return fmt.Errorf("ops_bot.token is required when the operator bot is enabled")
		}
		if c.Telegram.Mode == TelegramBot && c.OpsBot.Token == c.Telegram.BotToken {
			return fmt.Errorf("ops_bot.token must differ from telegram.bot_token")
		}
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	return nil
}
