// Package config centralizes environment-driven settings into one typed
// struct instead of scattering os.Getenv calls through main.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every setting the service reads from its environment.
type Config struct {
	BindAddr      string
	LogLevel      string
	SearchRadius  int
	MIHBlocks     int
	WarehousePage int
	WarehouseBatch int
	WarehouseTimeout time.Duration

	GoogleCloudProject  string
	BigQueryDataset     string
	BigQueryTable       string
	GoogleAppCreds      string
	GoogleSAKey         string

	APIAuthToken   string
	AllowedOrigins []string
	RedisURL       string
	EnableSynthetic bool
}

// Load reads settings from the environment, applying the defaults below
// where a variable is unset.
func Load() *Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("BIND_ADDR", "0.0.0.0:8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SEARCH_RADIUS", 10)
	v.SetDefault("MIH_BLOCKS", 8)
	v.SetDefault("WAREHOUSE_PAGE_SIZE", 50000)
	v.SetDefault("WAREHOUSE_BATCH_SIZE", 500)
	v.SetDefault("WAREHOUSE_TIMEOUT", "30s")
	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("ENABLE_SYNTHETIC", false)

	for _, key := range []string{
		"BIND_ADDR", "LOG_LEVEL", "SEARCH_RADIUS", "MIH_BLOCKS",
		"WAREHOUSE_PAGE_SIZE", "WAREHOUSE_BATCH_SIZE", "WAREHOUSE_TIMEOUT",
		"GOOGLE_CLOUD_PROJECT", "BIGQUERY_DATASET", "BIGQUERY_TABLE",
		"GOOGLE_APPLICATION_CREDENTIALS", "GOOGLE_SA_KEY",
		"API_AUTH_TOKEN", "ALLOWED_ORIGINS", "REDIS_URL", "ENABLE_SYNTHETIC",
	} {
		_ = v.BindEnv(key)
	}

	warehouseTimeout, err := time.ParseDuration(v.GetString("WAREHOUSE_TIMEOUT"))
	if err != nil {
		warehouseTimeout = 30 * time.Second
	}

	var origins []string
	if raw := v.GetString("ALLOWED_ORIGINS"); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}

	return &Config{
		BindAddr:         v.GetString("BIND_ADDR"),
		LogLevel:         v.GetString("LOG_LEVEL"),
		SearchRadius:     v.GetInt("SEARCH_RADIUS"),
		MIHBlocks:        v.GetInt("MIH_BLOCKS"),
		WarehousePage:    v.GetInt("WAREHOUSE_PAGE_SIZE"),
		WarehouseBatch:   v.GetInt("WAREHOUSE_BATCH_SIZE"),
		WarehouseTimeout: warehouseTimeout,

		GoogleCloudProject: v.GetString("GOOGLE_CLOUD_PROJECT"),
		BigQueryDataset:    v.GetString("BIGQUERY_DATASET"),
		BigQueryTable:      v.GetString("BIGQUERY_TABLE"),
		GoogleAppCreds:     v.GetString("GOOGLE_APPLICATION_CREDENTIALS"),
		GoogleSAKey:        v.GetString("GOOGLE_SA_KEY"),

		APIAuthToken:    v.GetString("API_AUTH_TOKEN"),
		AllowedOrigins:  origins,
		RedisURL:        v.GetString("REDIS_URL"),
		EnableSynthetic: v.GetBool("ENABLE_SYNTHETIC"),
	}
}

// ValidMIHBlocks reports whether n is one of the supported partition counts.
func ValidMIHBlocks(n int) bool {
	return n == 4 || n == 8 || n == 16
}
