package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agenthands/blobstore/pkg/blobstore"
	"github.com/agenthands/blobstore/pkg/httpstore"
	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("backend", "indexed")
	v.Set("dir", "/var/lib/blobs")

	cfg, err := loadConfig(v)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend != "indexed" {
		t.Errorf("unexpected backend %q", cfg.Backend)
	}
	if want := filepath.Join("/var/lib/blobs", "indexed"); cfg.Indexed.Dir != want {
		t.Errorf("expected indexed dir %s, got %s", want, cfg.Indexed.Dir)
	}
	if cfg.HTTP.Timeout != 2*time.Minute || cfg.HTTP.RedirectTimeout != 15*time.Minute {
		t.Errorf("unexpected http timeouts %v / %v", cfg.HTTP.Timeout, cfg.HTTP.RedirectTimeout)
	}
	if cfg.Jupiter.Bucket != "default" || cfg.Transform.ZstdLevel != 3 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestLoadConfig_File(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	yaml := `
backend: http
http:
  base_url: https://storage.example/api/v1/storage/default/
  prefer_redirects: true
  redirect_retries: 5
  timeout: 30s
transform:
  name: zstd
`
	if err := v.ReadConfig(strings.NewReader(yaml)); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(v)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.BaseURL != "https://storage.example/api/v1/storage/default/" || !cfg.HTTP.PreferRedirects {
		t.Errorf("unexpected http config %+v", cfg.HTTP)
	}
	if cfg.HTTP.RedirectRetries != 5 || cfg.HTTP.Timeout != 30*time.Second {
		t.Errorf("unexpected retry settings %+v", cfg.HTTP)
	}
	if cfg.Transform.Name != "zstd" {
		t.Errorf("unexpected transform %q", cfg.Transform.Name)
	}
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("BLOBSTORED_JUPITER_NAMESPACE", "builds")
	t.Setenv("BLOBSTORED_FILE_DIR", "/srv/blobs")

	v := viper.New()
	v.SetEnvPrefix("BLOBSTORED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg, err := loadConfig(v)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Jupiter.Namespace != "builds" {
		t.Errorf("expected namespace from env, got %q", cfg.Jupiter.Namespace)
	}
	if cfg.File.Dir != "/srv/blobs" {
		t.Errorf("expected file dir from env, got %q", cfg.File.Dir)
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger("debug"); err != nil {
		t.Errorf("debug: %v", err)
	}
	if _, err := newLogger("chatty"); err == nil {
		t.Error("expected an error for an unknown level")
	}
}

func TestHandler_ServesNamespace(t *testing.T) {
	ctx := context.Background()
	store, err := blobstore.Open(ctx, blobstore.Config{Backend: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(newHandler(store, "team", slog.New(slog.DiscardHandler)))
	defer srv.Close()

	client, err := httpstore.New(httpstore.Options{BaseURL: srv.URL + "/api/v1/storage/team"})
	if err != nil {
		t.Fatal(err)
	}
	loc, err := client.WriteBlob(ctx, blobstore.WriteRequest{Data: strings.NewReader("through the daemon")})
	if err != nil {
		t.Fatalf("WriteBlob failed: %v", err)
	}
	data, err := store.ReadBlob(ctx, loc, 0, blobstore.ToEnd)
	if err != nil || string(data) != "through the daemon" {
		t.Errorf("expected the blob in the served store, got %q (err=%v)", data, err)
	}

	resp, err := http.Get(srv.URL + "/api/v1/storage/other/blobs/" + string(loc))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 outside the namespace, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected healthz 200, got %d", resp.StatusCode)
	}
}
