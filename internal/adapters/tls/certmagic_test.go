package tls

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/jobrunner/vicinus/internal/domain"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{}, false},
		{"enabled", Config{Enabled: true, Domains: []string{"geo.example.com"}, Email: "ops@example.com"}, false},
		{"no domains", Config{Enabled: true, Email: "ops@example.com"}, true},
		{"no email", Config{Enabled: true, Domains: []string{"geo.example.com"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			var cfgErr *domain.ConfigError
			if err != nil && !errors.As(err, &cfgErr) {
				t.Errorf("error %v is not a ConfigError", err)
			}
		})
	}
}

func TestPlainServerShutdown(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := NewServer(Config{}, "127.0.0.1:0", http.NotFoundHandler(), logger)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if srv.TLSConfig() != nil {
		t.Error("TLSConfig() should be nil when TLS is disabled")
	}
	if err := srv.ManageCertificates(context.Background()); err != nil {
		t.Errorf("ManageCertificates() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe() }()

	time.Sleep(50 * time.Millisecond)
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe() error = %v, want nil after shutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
