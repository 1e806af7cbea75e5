package config

import (
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env             string        `yaml:"env" env-default:"local"`
	TokenTTL        time.Duration `yaml:"token_ttl" env-default:"15m"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl" env-default:"720h"`
	ResetTokenTTL   time.Duration `yaml:"reset_token_ttl" env-default:"1h"`
	JWTSecret       string        `yaml:"jwt_secret" env:"JWT_SECRET" env-required:"true"`
	Storage         StorageConfig `yaml:"storage"`
	HTTP            HTTPConfig    `yaml:"http"`
}

type StorageConfig struct {
	// Driver selects the ledger backend: sqlite, postgres or mongodb.
	Driver      string `yaml:"driver" env-default:"sqlite"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
	MongoURI    string `yaml:"mongo_uri" env:"MONGO_URI"`
	MongoDB     string `yaml:"mongo_db"`
}

type HTTPConfig struct {
	Port    int           `yaml:"port" env-default:"8080"`
	Timeout time.Duration `yaml:"timeout" env-default:"5s"`
}

func LoadConfig(path string) *Config {
	var cfg Config

	if _, err := os.Stat(path); os.IsNotExist(err) {
		panic("config file not found: " + path)
	}

	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		panic("failed to read config: " + err.Error())
	}

	return &cfg
}
