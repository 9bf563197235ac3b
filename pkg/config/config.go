package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	Neo4j     Neo4jConfig
	AI        AIConfig
	Pipeline  PipelineConfig
	Reference ReferenceConfig
	Uploads   UploadsConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	AllowedOrigins []string
	Development    bool
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled         bool
	Host            string
	Port            int
	Password        string
	DB              int
	AnalyticsTTLSec int
	DetectionTTLSec int
}

type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

// AIConfig selects and configures the model collaborators.
type AIConfig struct {
	CaptionProvider  string // http | openai | none
	ClassifyProvider string // http | none
	ServiceURL       string
	ValidatePath     string
	DetectPath       string
	TimeoutSec       int
	OpenAIAPIKey     string
	OpenAIModel      string
	CaptionMaxTokens int
}

type PipelineConfig struct {
	Validate           bool
	MinConfidence      float64
	MaxConcurrent      int64
	FallbackMode       string // fixed | random
	FallbackLabel      string
	FallbackConfidence float64
	FallbackLabels     []string
	AcceptWords        []string
	RejectWords        []string
}

type ReferenceConfig struct {
	Source        string // csv | neo4j
	EvidencePath  string
	NutritionPath string
	Watch         bool
}

type UploadsConfig struct {
	Dir          string
	MaxImageSize int
}

type RateLimitConfig struct {
	AnalyzePerMinute int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/pavit")

	v.SetEnvPrefix("PAVIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	if c.Pipeline.MinConfidence < 0 || c.Pipeline.MinConfidence > 1 {
		return fmt.Errorf("pipeline.minConfidence must be within [0,1], got %v", c.Pipeline.MinConfidence)
	}
	if c.Pipeline.FallbackConfidence < 0 || c.Pipeline.FallbackConfidence > 1 {
		return fmt.Errorf("pipeline.fallbackConfidence must be within [0,1], got %v", c.Pipeline.FallbackConfidence)
	}
	switch c.Pipeline.FallbackMode {
	case "fixed", "random":
	default:
		return fmt.Errorf("unknown pipeline.fallbackMode %q", c.Pipeline.FallbackMode)
	}
	switch c.Reference.Source {
	case "csv", "neo4j":
	default:
		return fmt.Errorf("unknown reference.source %q", c.Reference.Source)
	}
	if c.AI.CaptionProvider == "openai" && c.AI.OpenAIAPIKey == "" {
		return fmt.Errorf("ai.openAIAPIKey is required when ai.captionProvider=openai")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 60)
	v.SetDefault("server.bodyLimit", 16*1024*1024)
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("server.development", false)

	v.SetDefault("sqlite.path", "./data/database/vitamin_system.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.analyticsTTLSec", 300)
	v.SetDefault("redis.detectionTTLSec", 3600)

	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("ai.captionProvider", "http")
	v.SetDefault("ai.classifyProvider", "http")
	v.SetDefault("ai.serviceURL", "http://localhost:5001")
	v.SetDefault("ai.validatePath", "/validate")
	v.SetDefault("ai.detectPath", "/detect")
	v.SetDefault("ai.timeoutSec", 30)
	v.SetDefault("ai.openAIAPIKey", "")
	v.SetDefault("ai.openAIModel", "gpt-4o-mini")
	v.SetDefault("ai.captionMaxTokens", 60)

	v.SetDefault("pipeline.validate", true)
	v.SetDefault("pipeline.minConfidence", 0.5)
	v.SetDefault("pipeline.maxConcurrent", 4)
	v.SetDefault("pipeline.fallbackMode", "fixed")
	v.SetDefault("pipeline.fallbackLabel", "dermatitis")
	v.SetDefault("pipeline.fallbackConfidence", 0.85)
	v.SetDefault("pipeline.fallbackLabels", []string{})
	v.SetDefault("pipeline.acceptWords", []string{})
	v.SetDefault("pipeline.rejectWords", []string{})

	v.SetDefault("reference.source", "csv")
	v.SetDefault("reference.evidencePath", "./data/disease_vitamin_mapping.csv")
	v.SetDefault("reference.nutritionPath", "./data/vitamin_nutrition.csv")
	v.SetDefault("reference.watch", false)

	v.SetDefault("uploads.dir", "./data/uploads")
	v.SetDefault("uploads.maxImageSize", 10*1024*1024)

	v.SetDefault("rateLimit.analyzePerMinute", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
