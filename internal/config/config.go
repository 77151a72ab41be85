// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port     string // APIサーバーのポート番号
	GinMode  string // Ginの実行モード (debug, release, test)
	LogLevel string // ログレベル (debug, info, warn, error)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// キュー/キャッシュ設定
	QueueRedisURL     string // Asynq用Redis接続URL
	CacheRedisURL     string // ステータスキャッシュ用Redis接続URL（未指定時はキューと共用）
	WorkerConcurrency int    // 計算ワーカーの並列数

	// 計算バックエンド設定
	PolicyAPIBaseURL      string // 計算APIのベースURL
	BackendTimeoutSeconds int    // 計算API呼び出しのタイムアウト（秒）
	CalcTimePeriod        string // 経済計算の対象年度
	GeographyCalcType     string // 地域を対象とする計算のバックエンド (societyWide, economy)

	// ポーリング/永続化設定
	PollIntervalMs      int // ステータスのポーリング間隔（ミリ秒）
	PollTimeoutMinutes  int // キュー型計算の待機上限（分）
	PersistRetryDelayMs int // 結果書き戻し失敗時の再試行までの待機（ミリ秒）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	queueURL := getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0")

	config := &Config{
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		Port:     getEnv("PORT", "8080"),
		GinMode:  getEnv("GIN_MODE", "debug"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		QueueRedisURL:     queueURL,
		CacheRedisURL:     getEnv("CACHE_REDIS_URL", queueURL),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),

		PolicyAPIBaseURL:      getEnv("POLICY_API_BASE_URL", "https://api.policyengine.org"),
		BackendTimeoutSeconds: getEnvAsInt("BACKEND_TIMEOUT_SECONDS", 50),
		CalcTimePeriod:        getEnv("CALC_TIME_PERIOD", strconv.Itoa(time.Now().Year())),
		GeographyCalcType:     getEnv("GEOGRAPHY_CALC_TYPE", "societyWide"),

		PollIntervalMs:      getEnvAsInt("POLL_INTERVAL_MS", 1000),
		PollTimeoutMinutes:  getEnvAsInt("POLL_TIMEOUT_MINUTES", 10),
		PersistRetryDelayMs: getEnvAsInt("PERSIST_RETRY_DELAY_MS", 1000),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.PollIntervalMs <= 0 {
		return fmt.Errorf("POLL_INTERVAL_MS must be positive")
	}
	if c.BackendTimeoutSeconds <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT_SECONDS must be positive")
	}
	switch c.GeographyCalcType {
	case "", "societyWide", "economy":
	default:
		return fmt.Errorf("GEOGRAPHY_CALC_TYPE must be societyWide or economy, got %q", c.GeographyCalcType)
	}

	// 本番環境のみ認証・接続先を厳格にチェックする
	if c.GinMode == "release" {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required in release mode")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if c.PolicyAPIBaseURL == "" {
			return fmt.Errorf("POLICY_API_BASE_URL is required in release mode")
		}
	}

	return nil
}

// PollInterval はポーリング間隔を返します。
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// PollTimeout はキュー型計算の待機上限を返します。
func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMinutes) * time.Minute
}

// PersistRetryDelay は書き戻し再試行までの待機時間を返します。
func (c *Config) PersistRetryDelay() time.Duration {
	return time.Duration(c.PersistRetryDelayMs) * time.Millisecond
}

// BackendTimeout は計算API呼び出しのタイムアウトを返します。
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.BackendTimeoutSeconds) * time.Second
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
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
