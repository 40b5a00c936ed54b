package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/slateboard/slateboard/pkg/engine"
)

func newTestFetcher(cfg Config) *Fetcher {
	return New(cfg, zerolog.Nop())
}

func TestFetcher_Fetch_HTTP(t *testing.T) {
	content := "def transform(data):\n    return data\n"
	var gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("User-Agent")
		w.Write([]byte(content))
	}))
	defer srv.Close()

	f := newTestFetcher(Config{})
	data, err := f.Fetch(context.Background(), srv.URL+"/remap.star")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if string(data) != content {
		t.Errorf("Fetch() = %q, want %q", data, content)
	}
	if gotAgent != "slateboard" {
		t.Errorf("User-Agent = %q, want %q", gotAgent, "slateboard")
	}
}

func TestFetcher_Fetch_HTTPStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
		want   string
	}{
		{name: "not found", status: http.StatusNotFound, check: engine.IsPermanent, want: "permanent"},
		{name: "server error", status: http.StatusInternalServerError, check: engine.IsTransient, want: "transient"},
		{name: "rate limited", status: http.StatusTooManyRequests, check: engine.IsThrottled, want: "throttled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			f := newTestFetcher(Config{})
			_, err := f.Fetch(context.Background(), srv.URL)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !tt.check(err) {
				t.Errorf("Expected a %s error, got: %v", tt.want, err)
			}
		})
	}
}

func TestFetcher_Fetch_HTTPSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	f := newTestFetcher(Config{MaxContentBytes: 16})
	_, err := f.Fetch(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !strings.Contains(err.Error(), "size limit") {
		t.Errorf("Expected size limit error, got: %v", err)
	}
}

func TestFetcher_Fetch_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "remap.star")
	content := []byte("transform = lambda data: data\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	f := newTestFetcher(Config{})
	data, err := f.Fetch(context.Background(), "file://"+path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("Fetch() = %q, want %q", data, content)
	}
}

func TestFetcher_Fetch_FileErrors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		url  string
	}{
		{name: "missing file", url: "file://" + filepath.Join(dir, "absent.star")},
		{name: "directory", url: "file://" + dir},
		{name: "empty path", url: "file://"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFetcher(Config{})
			if _, err := f.Fetch(context.Background(), tt.url); err == nil {
				t.Error("Fetch() error = nil, wantErr true")
			}
		})
	}
}

func TestFetcher_Fetch_FileSizeLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.star")
	if err := os.WriteFile(path, make([]byte, 64), 0o644); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	f := newTestFetcher(Config{MaxContentBytes: 16})
	_, err := f.Fetch(context.Background(), "file://"+path)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !strings.Contains(err.Error(), "size limit") {
		t.Errorf("Expected size limit error, got: %v", err)
	}
}

func TestFetcher_Fetch_UnsupportedScheme(t *testing.T) {
	f := newTestFetcher(Config{})
	_, err := f.Fetch(context.Background(), "gopher://example.com/remap.star")
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !strings.Contains(err.Error(), "unsupported content scheme") {
		t.Errorf("Expected scheme error, got: %v", err)
	}
}

func TestFetcher_Fetch_InvalidURL(t *testing.T) {
	f := newTestFetcher(Config{})
	if _, err := f.Fetch(context.Background(), "http://bad host/x"); err == nil {
		t.Error("Expected error, got nil")
	}
}

func TestFetcher_Fetch_SFTPValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		url  string
		want string
	}{
		{
			name: "no host",
			cfg:  Config{SSHUser: "deploy", SSHPassword: "s3cret"},
			url:  "sftp:///boards/remap.star",
			want: "no host",
		},
		{
			name: "no user",
			cfg:  Config{SSHPassword: "s3cret"},
			url:  "sftp://boards.internal/remap.star",
			want: "no user",
		},
		{
			name: "no auth",
			cfg:  Config{SSHUser: "deploy"},
			url:  "sftp://boards.internal/remap.star",
			want: "no ssh authentication",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFetcher(tt.cfg)
			_, err := f.Fetch(context.Background(), tt.url)
			if err == nil {
				t.Fatal("Fetch() error = nil, wantErr true")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Fetch() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}
