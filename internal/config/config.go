// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// バックエンド種別
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendAsynq    = "asynq"
	BackendMinio    = "minio"
	BackendGCS      = "gcs"

	InferenceLocal = "local"
	InferenceHTTP  = "http"
	InferenceAsync = "async"
)

// 非同期推論の同時実行数の上限（設定値はこれを超えられない）
const MaxConcurrentInvocationsLimit = 20

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port               string // APIサーバーのポート番号
	GinMode            string // Ginの実行モード (debug, release, test)
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）
	APITokenHash       string // サービス間呼び出し用 API トークンの bcrypt ハッシュ

	// 運用者ログイン設定
	AppUsername     string // ログインユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッションCookieの署名鍵

	// ログ設定
	LogMode  string // production / development
	LogLevel string // debug / info / warn / error

	// ジョブ状態ストア
	StoreBackend string // redis / postgres / memory
	RedisURL     string // ストアとキュー用のRedis接続URL
	PostgresDSN  string // postgres バックエンド用DSN
	LockTTL      time.Duration

	// キュー設定
	QueueBackend      string        // redis / asynq / memory
	QueuePrefix       string        // キュー名の接頭辞
	PollWait          time.Duration // 受信時のロングポーリング時間
	PollMaxMessages   int           // 1回の受信で取得する最大件数
	IdleSleep         time.Duration // キューが空のときの待機時間
	VisibilityTimeout time.Duration // 未確認メッセージが再配信されるまでの時間
	AsynqConcurrency  int           // asynq サーバーの並列数
	AsynqMaxRetry     int           // asynq タスクの最大リトライ回数

	// オブジェクトストレージ
	ObjectStoreBackend string // minio / gcs / memory
	InputBucket        string // 元動画と分割セグメントを置くバケット
	OutputBucket       string // 推論結果と最終成果物を置くバケット
	MinioEndpoint      string
	MinioAccessKey     string
	MinioSecretKey     string
	MinioUseSSL        bool
	MinioRegion        string
	GCSCredentialsFile string
	PresignTTL         time.Duration

	// 動画処理設定
	FFmpegPath     string        // ffmpeg 実行ファイルのパス
	SegmentSeconds int           // 分割するセグメントの長さ（秒）
	WorkDir        string        // 一時ファイルの作業ディレクトリ
	IngestTimeout  time.Duration // 外部URLからの取り込みタイムアウト
	MaxSourceBytes int64         // 取り込み可能な元動画の最大サイズ

	// 推論設定
	InferenceBackend         string        // local / http / async
	InferenceEndpoint        string        // http / async のエンドポイント
	InferenceTimeout         time.Duration // 同期呼び出しのタイムアウト
	MaxConcurrentInvocations int           // 非同期推論の同時実行上限

	// 再結合設定
	ReassemblyClaimLease time.Duration // 再結合の実行権が失効するまでの時間
	WatcherBatchSize     int
	WatcherSweepInterval time.Duration // 再結合トリガーの定期再確認間隔（0で無効）

	// ワーカー設定
	WorkerStages []string // 起動するステージ名
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:               getEnv("PORT", "8080"),
		GinMode:            getEnv("GIN_MODE", "debug"),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
		APITokenHash:       getEnv("API_TOKEN_HASH", ""),

		// 運用者ログイン設定
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		// ログ設定
		LogMode:  getEnv("LOG_MODE", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// ジョブ状態ストア
		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", BackendRedis)),
		RedisURL:     getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		PostgresDSN:  getEnv("POSTGRES_DSN", ""),
		LockTTL:      getEnvAsDuration("LOCK_TTL", 7*24*time.Hour),

		// キュー設定
		QueueBackend:      strings.ToLower(getEnv("QUEUE_BACKEND", BackendRedis)),
		QueuePrefix:       getEnv("QUEUE_PREFIX", "stereo"),
		PollWait:          getEnvAsDuration("QUEUE_POLL_WAIT", 20*time.Second),
		PollMaxMessages:   getEnvAsInt("QUEUE_POLL_MAX_MESSAGES", 1),
		IdleSleep:         getEnvAsDuration("QUEUE_IDLE_SLEEP", time.Second),
		VisibilityTimeout: getEnvAsDuration("QUEUE_VISIBILITY_TIMEOUT", 15*time.Minute),
		AsynqConcurrency:  getEnvAsInt("ASYNQ_CONCURRENCY", 4),
		AsynqMaxRetry:     getEnvAsInt("ASYNQ_MAX_RETRY", 25),

		// オブジェクトストレージ
		ObjectStoreBackend: strings.ToLower(getEnv("OBJECT_STORE_BACKEND", BackendMinio)),
		InputBucket:        getEnv("INPUT_BUCKET", "stereo-input"),
		OutputBucket:       getEnv("OUTPUT_BUCKET", "stereo-output"),
		MinioEndpoint:      getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey:     getEnv("MINIO_ACCESS_KEY", "minio"),
		MinioSecretKey:     getEnv("MINIO_SECRET_KEY", "minio123"),
		MinioUseSSL:        getEnvAsBool("MINIO_USE_SSL", false),
		MinioRegion:        getEnv("MINIO_REGION", ""),
		GCSCredentialsFile: getEnv("GCS_CREDENTIALS_FILE", ""),
		PresignTTL:         getEnvAsDuration("PRESIGN_TTL", 15*time.Minute),

		// 動画処理設定
		FFmpegPath:     getEnv("FFMPEG_PATH", "ffmpeg"),
		SegmentSeconds: getEnvAsInt("SEGMENT_SECONDS", 10),
		WorkDir:        getEnv("WORK_DIR", filepath.Join(os.TempDir(), "stereo-forge")),
		IngestTimeout:  getEnvAsDuration("INGEST_TIMEOUT", 30*time.Minute),
		MaxSourceBytes: getEnvAsInt64("MAX_SOURCE_BYTES", 2*1024*1024*1024), // 2GB

		// 推論設定
		InferenceBackend:         strings.ToLower(getEnv("INFERENCE_BACKEND", InferenceLocal)),
		InferenceEndpoint:        getEnv("INFERENCE_ENDPOINT", ""),
		InferenceTimeout:         getEnvAsDuration("INFERENCE_TIMEOUT", 5*time.Minute),
		MaxConcurrentInvocations: getEnvAsInt("MAX_CONCURRENT_INVOCATIONS", 5),

		// 再結合設定
		ReassemblyClaimLease: getEnvAsDuration("REASSEMBLY_CLAIM_LEASE", 30*time.Minute),
		WatcherBatchSize:     getEnvAsInt("WATCHER_BATCH_SIZE", 100),
		WatcherSweepInterval: getEnvAsDuration("WATCHER_SWEEP_INTERVAL", 5*time.Minute),

		// ワーカー設定
		WorkerStages: getEnvAsList("WORKER_STAGES", []string{
			"ingest", "chunking", "inference", "notify", "reassembly", "deletion", "watcher",
		}),
	}

	// 必須設定のバリデーション
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
	switch c.StoreBackend {
	case BackendRedis, BackendMemory:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when STORE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("unsupported STORE_BACKEND: %s", c.StoreBackend)
	}

	switch c.QueueBackend {
	case BackendRedis, BackendAsynq, BackendMemory:
	default:
		return fmt.Errorf("unsupported QUEUE_BACKEND: %s", c.QueueBackend)
	}

	switch c.ObjectStoreBackend {
	case BackendMinio, BackendGCS, BackendMemory:
	default:
		return fmt.Errorf("unsupported OBJECT_STORE_BACKEND: %s", c.ObjectStoreBackend)
	}

	switch c.InferenceBackend {
	case InferenceLocal:
	case InferenceHTTP, InferenceAsync:
		if c.InferenceEndpoint == "" {
			return fmt.Errorf("INFERENCE_ENDPOINT is required when INFERENCE_BACKEND=%s", c.InferenceBackend)
		}
	default:
		return fmt.Errorf("unsupported INFERENCE_BACKEND: %s", c.InferenceBackend)
	}

	if c.MaxConcurrentInvocations < 1 || c.MaxConcurrentInvocations > MaxConcurrentInvocationsLimit {
		return fmt.Errorf("MAX_CONCURRENT_INVOCATIONS must be between 1 and %d", MaxConcurrentInvocationsLimit)
	}
	if c.SegmentSeconds < 1 {
		return fmt.Errorf("SEGMENT_SECONDS must be positive")
	}
	if c.PollMaxMessages < 1 {
		return fmt.Errorf("QUEUE_POLL_MAX_MESSAGES must be positive")
	}
	if c.InputBucket == "" || c.OutputBucket == "" {
		return fmt.Errorf("INPUT_BUCKET and OUTPUT_BUCKET are required")
	}

	// 本番モードではAPIトークンを必須にする
	if c.GinMode == "release" && c.APITokenHash == "" {
		return fmt.Errorf("API_TOKEN_HASH is required in release mode")
	}
	if c.AppUsername != "" {
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required when APP_USERNAME is set")
		}
		if len(c.SessionSecret) < 32 {
			return fmt.Errorf("SESSION_SECRET must be at least 32 bytes when APP_USERNAME is set")
		}
	}

	return nil
}

// QueueName は論理キュー名に接頭辞を付けた実際の名前を返します。
func (c *Config) QueueName(name string) string {
	if c.QueuePrefix == "" {
		return name
	}
	return c.QueuePrefix + ":" + name
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

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
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

// getEnvAsDuration は環境変数を time.Duration として取得します（例: 30s, 5m）。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList はカンマ区切りの環境変数を配列として取得します。
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
