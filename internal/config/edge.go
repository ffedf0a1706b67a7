package config

import (
	"fmt"
	"strings"
)

// EdgeConfig holds runtime configuration for the subdomain reverse proxy.
type EdgeConfig struct {
	Environment     string
	Addr            string
	MetricsAddr     string
	LogLevel        string
	ArtifactBaseURL string
}

// LoadEdgeConfig constructs an EdgeConfig from environment variables.
func LoadEdgeConfig() EdgeConfig {
	bucket := GetString("S3_BUCKET_NAME", "deployx-bucket")
	region := GetString("AWS_REGION", "ap-south-1")
	base := strings.TrimSpace(GetString("ARTIFACT_BASE_URL", ""))
	if base == "" {
		base = DefaultArtifactBaseURL(bucket, region)
	}
	return EdgeConfig{
		Environment:     GetString("APP_ENV", "development"),
		Addr:            ":" + GetString("REVERSE_PROXY_PORT", "80"),
		MetricsAddr:     GetString("EDGE_METRICS_ADDR", ":9100"),
		LogLevel:        GetString("LOG_LEVEL", "info"),
		ArtifactBaseURL: base,
	}
}

// DefaultArtifactBaseURL is the virtual-hosted S3 URL holding every build.
func DefaultArtifactBaseURL(bucket, region string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/builds", bucket, region)
}
