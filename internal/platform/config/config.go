package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// Database設定
	Database DatabaseConfig

	// OpenAI設定（Embeddings用）
	OpenAI OpenAIConfig

	// インデックス設定
	Index IndexConfig

	// ログレベル
	LogLevel string
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// OpenAIConfig はOpenAI API設定（Embeddings用）
type OpenAIConfig struct {
	APIKey             string
	EmbeddingModel     string
	EmbeddingDimension int
}

// IndexConfig はセマンティックインデックスの設定
type IndexConfig struct {
	// 永続化
	ToolIndexDir      string
	MessageIndexDir   string
	EnablePersistence bool

	// レガシー互換のグローバル距離しきい値（RankSimpleのみが参照する）
	DistanceThreshold float64

	// ツール検索設定
	ToolSearchK          int
	ToolMinSemanticScore float64
	ToolMaxCandidates    int

	// メッセージ検索設定
	MaxMessageLength       int
	MessageSearchK         int
	MessageMinSimilarity   float64
	MessageMaxAgeDays      int
	MessageMaxContextPairs int
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "local_assistant"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		OpenAI: OpenAIConfig{
			APIKey:             getEnv("OPENAI_API_KEY", ""),
			EmbeddingModel:     getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			EmbeddingDimension: getEnvAsInt("OPENAI_EMBEDDING_DIMENSION", 1536),
		},
		Index: IndexConfig{
			ToolIndexDir:           getEnv("INDEX_TOOL_DIR", "./indexes/tools"),
			MessageIndexDir:        getEnv("INDEX_MESSAGE_DIR", "./indexes/messages"),
			EnablePersistence:      getEnvAsBool("INDEX_ENABLE_PERSISTENCE", true),
			DistanceThreshold:      getEnvAsFloat("INDEX_DISTANCE_THRESHOLD", 1.5),
			ToolSearchK:            getEnvAsInt("INDEX_TOOL_SEARCH_K", 15),
			ToolMinSemanticScore:   getEnvAsFloat("INDEX_TOOL_MIN_SEMANTIC_SCORE", 0.4),
			ToolMaxCandidates:      getEnvAsInt("INDEX_TOOL_MAX_CANDIDATES", 10),
			MaxMessageLength:       getEnvAsInt("INDEX_MAX_MESSAGE_LENGTH", 500),
			MessageSearchK:         getEnvAsInt("INDEX_MESSAGE_SEARCH_K", 10),
			MessageMinSimilarity:   getEnvAsFloat("INDEX_MESSAGE_MIN_SIMILARITY", 0.6),
			MessageMaxAgeDays:      getEnvAsInt("INDEX_MESSAGE_MAX_AGE_DAYS", 7),
			MessageMaxContextPairs: getEnvAsInt("INDEX_MESSAGE_MAX_CONTEXT_PAIRS", 3),
		},
		LogLevel: getEnv("LOG_LEVEL", "INFO"),
	}

	return cfg, nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
