package config

import "time"

// APIConfig holds runtime configuration for the deploy API and socket gateway.
type APIConfig struct {
	Environment        string
	Addr               string
	LogLevel           string
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	S3BucketName       string
	LogBus             LogBusConfig
	WorkerBackend      string
	WorkerMaxLifetime  time.Duration
	ECS                ECSConfig
	Docker             DockerConfig
	Kubernetes         KubernetesConfig
	LeaseEnabled       bool
	WSSendBuffer       int
	WSAllowedOrigins   []string
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LogBusConfig selects and tunes the publish/subscribe transport.
type LogBusConfig struct {
	Driver           string
	URI              string
	PublishTimeout   time.Duration
	PublishRetries   int
	PublishBackoff   time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// ECSConfig describes where Fargate build workers are launched.
type ECSConfig struct {
	Cluster        string
	TaskDefinition string
	ContainerName  string
	Subnets        []string
	SecurityGroups []string
	AssignPublicIP bool
}

// DockerConfig describes local container workers.
type DockerConfig struct {
	Host    string
	Image   string
	Network string
}

// KubernetesConfig describes Job based workers.
type KubernetesConfig struct {
	Namespace      string
	Image          string
	ServiceAccount string
	TTLAfterFinish time.Duration
}

// LoadLogBusConfig reads the log bus settings shared by every binary.
func LoadLogBusConfig() LogBusConfig {
	return LogBusConfig{
		Driver:           GetString("LOG_BUS_DRIVER", "redis"),
		URI:              GetString("VALKEY_AIVEN_URI", GetString("LOG_BUS_URI", "redis://localhost:6379/0")),
		PublishTimeout:   GetDuration("LOG_BUS_PUBLISH_TIMEOUT", 2*time.Second),
		PublishRetries:   GetInt("LOG_BUS_PUBLISH_RETRIES", 1),
		PublishBackoff:   GetDuration("LOG_BUS_PUBLISH_BACKOFF", 100*time.Millisecond),
		ReconnectInitial: GetDuration("LOG_BUS_BACKOFF_INITIAL", 500*time.Millisecond),
		ReconnectMax:     GetDuration("LOG_BUS_BACKOFF_MAX", 30*time.Second),
	}
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               ":" + GetString("PORT", "4571"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		AWSRegion:          GetString("AWS_REGION", "ap-south-1"),
		AWSAccessKeyID:     GetString("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: GetString("AWS_SECRET_ACCESS_KEY", ""),
		S3BucketName:       GetString("S3_BUCKET_NAME", "deployx-bucket"),
		LogBus:             LoadLogBusConfig(),
		WorkerBackend:      GetString("WORKER_BACKEND", "ecs"),
		WorkerMaxLifetime:  GetDuration("WORKER_MAX_LIFETIME_SECONDS", 15*time.Minute),
		ECS: ECSConfig{
			Cluster:        GetString("ECS_CLUSTER_NAME", ""),
			TaskDefinition: GetString("ECS_TASK_DEFINITION", ""),
			ContainerName:  GetString("ECS_CONTAINER_NAME", "codebase-build-server-img"),
			Subnets:        GetList("ECS_CLUSTER_SUBNETS_1", "ECS_CLUSTER_SUBNETS_2", "ECS_CLUSTER_SUBNETS_3"),
			SecurityGroups: GetList("ECS_CLUSTER_SECURITY_GROUP"),
			AssignPublicIP: GetBool("ECS_ASSIGN_PUBLIC_IP", true),
		},
		Docker: DockerConfig{
			Host:    GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
			Image:   GetString("WORKER_IMAGE", "deployx/worker:latest"),
			Network: GetString("WORKER_DOCKER_NETWORK", ""),
		},
		Kubernetes: KubernetesConfig{
			Namespace:      GetString("WORKER_NAMESPACE", "deployx"),
			Image:          GetString("WORKER_IMAGE", "deployx/worker:latest"),
			ServiceAccount: GetString("WORKER_SERVICE_ACCOUNT", ""),
			TTLAfterFinish: GetDuration("WORKER_TTL_AFTER_FINISHED_SECONDS", 10*time.Minute),
		},
		LeaseEnabled:       GetBool("DEPLOY_LEASE_ENABLED", true),
		WSSendBuffer:       GetInt("WS_SEND_BUFFER", 256),
		WSAllowedOrigins:   splitCSV(GetString("WS_ALLOWED_ORIGINS", "*")),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
