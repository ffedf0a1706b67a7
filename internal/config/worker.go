package config

import "time"

// WorkerConfig holds the launch environment of a single build worker.
// Every field is injected by the scheduler at launch time.
type WorkerConfig struct {
	ProjectID          string
	RepoURL            string
	LogLevel           string
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	S3BucketName       string
	S3Endpoint         string
	LogBus             LogBusConfig
	LeaseToken         string
	Workdir            string
	BuildCommand       string
	OutputDir          string
	UploadConcurrency  int
	GitTimeout         time.Duration
	MaxLifetime        time.Duration
}

// LoadWorkerConfig constructs a WorkerConfig from environment variables.
func LoadWorkerConfig() WorkerConfig {
	return WorkerConfig{
		ProjectID:          GetString("PROJECT_ID", ""),
		RepoURL:            GetString("USER_GIT_REPOSITORY_URL", ""),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		AWSRegion:          GetString("AWS_REGION", "ap-south-1"),
		AWSAccessKeyID:     GetString("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: GetString("AWS_SECRET_ACCESS_KEY", ""),
		S3BucketName:       GetString("S3_BUCKET_NAME", ""),
		S3Endpoint:         GetString("S3_ENDPOINT", ""),
		LogBus:             LoadLogBusConfig(),
		LeaseToken:         GetString("DEPLOYX_LEASE_TOKEN", ""),
		Workdir:            GetString("WORKER_WORKDIR", "/home/app"),
		BuildCommand:       GetString("BUILD_COMMAND", "npm install && npm run build"),
		OutputDir:          GetString("BUILD_OUTPUT_DIR", "dist"),
		UploadConcurrency:  GetInt("UPLOAD_CONCURRENCY", 8),
		GitTimeout:         GetDuration("GIT_TIMEOUT_SECONDS", 2*time.Minute),
		MaxLifetime:        GetDuration("WORKER_MAX_LIFETIME_SECONDS", 15*time.Minute),
	}
}
