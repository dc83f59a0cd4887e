// Owner: august@eternis.ai
package config

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL           string
	HTTPPort              string
	CompletionsAPIURL     string
	CompletionsAPIKey     string
	CompletionsModel      string
	ConsolidationModel    string
	EmbeddingsAPIURL      string
	EmbeddingsAPIKey      string
	EmbeddingsModel       string
	RerankAPIURL          string
	RerankAPIKey          string
	RerankModel           string
	ConsolidationInterval string
}

func getEnv(key, defaultValue string, printEnv bool) string {
	logger := log.Default()
	value := os.Getenv(key)
	if printEnv {
		logger.Info("Env", "key", key, "value", value)
	}
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvOrPanic(key string, printEnv bool) string {
	value := getEnv(key, "", printEnv)
	if value == "" {
		panic(fmt.Sprintf("Environment variable %s is not set", key))
	}
	return value
}

func LoadConfig(printEnv bool) (*Config, error) {
	_ = godotenv.Load()

	conf := &Config{
		DatabaseURL:           getEnvOrPanic("DATABASE_URL", printEnv),
		HTTPPort:              getEnv("HTTP_PORT", "8080", printEnv),
		CompletionsAPIURL:     getEnv("COMPLETIONS_API_URL", "https://api.openai.com/v1", printEnv),
		CompletionsAPIKey:     getEnv("COMPLETIONS_API_KEY", "", printEnv),
		CompletionsModel:      getEnv("COMPLETIONS_MODEL", "gpt-4.1-mini", printEnv),
		ConsolidationModel:    getEnv("CONSOLIDATION_MODEL", "gpt-4.1", printEnv),
		EmbeddingsAPIURL:      getEnv("EMBEDDINGS_API_URL", "https://api.openai.com/v1", printEnv),
		EmbeddingsAPIKey:      getEnv("EMBEDDINGS_API_KEY", "", printEnv),
		EmbeddingsModel:       getEnv("EMBEDDINGS_MODEL", "text-embedding-3-large", printEnv),
		RerankAPIURL:          getEnv("RERANK_API_URL", "", printEnv),
		RerankAPIKey:          getEnv("RERANK_API_KEY", "", printEnv),
		RerankModel:           getEnv("RERANK_MODEL", "rerank-v3.5", printEnv),
		ConsolidationInterval: getEnv("CONSOLIDATION_INTERVAL_SECONDS", "300", printEnv),
	}

	return conf, nil
}
