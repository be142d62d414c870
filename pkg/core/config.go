package core

import (
	"time"
)

// Backend kinds accepted by Config.Backend.
const (
	BackendMemory  = "memory"
	BackendFile    = "file"
	BackendHTTP    = "http"
	BackendJupiter = "jupiter"
	BackendIndexed = "indexed"
)

// Config selects and configures one backend. It is decoded by viper, so
// every field carries a mapstructure tag.
type Config struct {
	// Backend is one of the Backend* kinds. Empty means memory.
	Backend string `mapstructure:"backend"`

	File      FileConfig      `mapstructure:"file"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Jupiter   JupiterConfig   `mapstructure:"jupiter"`
	Indexed   IndexedConfig   `mapstructure:"indexed"`
	Transform TransformConfig `mapstructure:"transform"`
}

// FileConfig configures the file backend.
type FileConfig struct {
	// Dir is the root directory; blobs and refs live underneath it.
	Dir string `mapstructure:"dir"`
}

// HTTPConfig configures the client for a remote storage namespace.
type HTTPConfig struct {
	// BaseURL is the namespace root, e.g. https://host/api/v1/storage/default/.
	BaseURL string `mapstructure:"base_url"`
	// Token is sent as a bearer token when set.
	Token string `mapstructure:"token"`

	// PreferRedirects seeds the redirect hint before the server has
	// advertised support.
	PreferRedirects bool `mapstructure:"prefer_redirects"`
	// Timeout bounds each control-plane request.
	Timeout time.Duration `mapstructure:"timeout"`
	// RedirectTimeout bounds each upload to or download from a redirect URL.
	RedirectTimeout time.Duration `mapstructure:"redirect_timeout"`
	// RedirectRetries is the number of attempts for a redirected upload.
	RedirectRetries int `mapstructure:"redirect_retries"`
}

// JupiterConfig configures the content-addressed Jupiter backend.
type JupiterConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	Namespace string `mapstructure:"namespace"`
	// Bucket holds refs within the namespace.
	Bucket  string        `mapstructure:"bucket"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// IndexedConfig configures the pebble-indexed backend.
type IndexedConfig struct {
	Dir string `mapstructure:"dir"`
}

// TransformConfig names the at-rest encoding of the file and indexed
// backends.
type TransformConfig struct {
	// Name is "" or "none" for raw bytes, or "zstd".
	Name string `mapstructure:"name"`
	// ZstdLevel is the compression level when Name is "zstd".
	ZstdLevel int `mapstructure:"zstd_level"`
}
