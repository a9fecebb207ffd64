// Package chatlink wires configuration for the chat client and the
// bundled dev server.
package chatlink

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	API struct {
		// BaseURL is the REST backend, e.g. http://localhost:8000.
		BaseURL string `validate:"required,http_url" mapstructure:"base_url"`
	}
	WS struct {
		// BaseURL is the event transport endpoint, e.g. ws://localhost:8000.
		BaseURL string `validate:"required,wsurl" mapstructure:"base_url"`
	}
	Chat struct {
		// PageSize is the history page size requested from the backend.
		PageSize int `validate:"required,min=1,max=200" mapstructure:"page_size"`
	}
	// CredentialsFile is where the login token is persisted.
	CredentialsFile string `validate:"required" mapstructure:"credentials_file"`
	Serve           struct {
		// Port for the dev server. The default is 8000.
		Port int `validate:"required,port"`
		// Hostname for the dev server. The default is 0.0.0.0.
		Hostname string `validate:"required"`
		// Secret signs dev-server tokens. Base64 encoded; the default is
		// a random 32 byte string.
		Secret Base64Encoded `validate:"required"`
		SQLite struct {
			// File is the path to the SQLite database file.
			File string `validate:"required"`
			// Migrations is the directory holding the migration files.
			// Empty uses the migrations embedded in the binary.
			Migrations string
		}
		// AllowedOrigins for CORS and websocket upgrades. Default ["*"].
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	}
	valid bool
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

// LoadConfig loads the configuration from an optional .env file, the
// config file and environment variables. Invalid values are deferred to
// the validation step.
func LoadConfig() (*Config, error) {
	// Best effort: a missing .env file is not an error.
	godotenv.Load()

	config := &Config{}
	viper.SetConfigName("chatlink")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("api.base_url", "http://localhost:8000")
	viper.SetDefault("ws.base_url", "ws://localhost:8000")
	viper.SetDefault("chat.page_size", 50)
	viper.SetDefault("credentials_file", defaultCredentialsFile())

	// generate a random secret key
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	viper.SetDefault("serve.secret", base64.StdEncoding.EncodeToString(secret))
	viper.SetDefault("serve.port", 8000)
	viper.SetDefault("serve.hostname", "0.0.0.0")
	viper.SetDefault("serve.sqlite.file", "./chatlink.db")
	viper.SetDefault("serve.sqlite.migrations", "")
	viper.SetDefault("serve.allowed_origins", []string{"*"})

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := viper.Unmarshal(&config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		// defer error to validation step
		return config, nil
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	if err := validate.Struct(c); err != nil {
		return err
	}
	c.valid = true
	return nil
}

func FormatValidationErrors(err error) string {
	errors, ok := err.(validator.ValidationErrors)
	if !ok {
		return ""
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errors.Translate(trans)

	var sb strings.Builder
	for v := range maps.Values(translated) {
		sb.WriteString(v)
		sb.WriteString("\n")
	}
	return sb.String()
}

func defaultCredentialsFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./.chatlink/credentials.json"
	}
	return filepath.Join(home, ".chatlink", "credentials.json")
}
