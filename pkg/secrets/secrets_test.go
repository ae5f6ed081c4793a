package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestEnvProvider(t *testing.T) {
	os.Clearenv()
	defer os.Clearenv()

	p := NewEnvProvider()
	ctx := context.Background()

	if _, err := p.GetSecret(ctx, "MISSING_SECRET"); err == nil {
		t.Error("GetSecret() = nil error, want missing")
	}

	os.Setenv("TEST_SECRET", "value123")
	value, err := p.GetSecret(ctx, "TEST_SECRET")
	if err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if value != "value123" {
		t.Errorf("GetSecret() = %q, want value123", value)
	}
}

func TestFileProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.env")
	content := `# comment line
INFLUXDB_TOKEN=abc123

QUOTED="with quotes"
SINGLE='single quoted'
  SPACED  =  trimmed
malformed line without equals
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	p, err := NewFileProvider(path)
	if err != nil {
		t.Fatalf("NewFileProvider() error = %v", err)
	}
	ctx := context.Background()

	tests := []struct {
		key     string
		want    string
		wantErr bool
	}{
		{"INFLUXDB_TOKEN", "abc123", false},
		{"QUOTED", "with quotes", false},
		{"SINGLE", "single quoted", false},
		{"SPACED", "trimmed", false},
		{"MISSING", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			value, err := p.GetSecret(ctx, tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("GetSecret(%s) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
			if value != tt.want {
				t.Errorf("GetSecret(%s) = %q, want %q", tt.key, value, tt.want)
			}
		})
	}
}

func TestFileProviderMissingFile(t *testing.T) {
	p, err := NewFileProvider(filepath.Join(t.TempDir(), "does-not-exist.env"))
	if err != nil {
		t.Fatalf("NewFileProvider() error = %v, want nil for a missing file", err)
	}
	if _, err := p.GetSecret(context.Background(), "ANY"); err == nil {
		t.Error("GetSecret() = nil error, want miss")
	}
}

func TestManagerChain(t *testing.T) {
	os.Clearenv()
	defer os.Clearenv()

	path := filepath.Join(t.TempDir(), "secrets.env")
	if err := os.WriteFile(path, []byte("SHARED=from-file\nFILE_ONLY=file-value\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	fp, err := NewFileProvider(path)
	if err != nil {
		t.Fatalf("NewFileProvider() error = %v", err)
	}

	m := NewManager(NewEnvProvider(), fp)
	defer m.Close()
	ctx := context.Background()

	// The earlier provider wins when both have the key.
	os.Setenv("SHARED", "from-env")
	value, err := m.GetSecret(ctx, "SHARED")
	if err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if value != "from-env" {
		t.Errorf("GetSecret(SHARED) = %q, want from-env", value)
	}

	// A miss in the first provider falls through to the next.
	value, err = m.GetSecret(ctx, "FILE_ONLY")
	if err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if value != "file-value" {
		t.Errorf("GetSecret(FILE_ONLY) = %q, want file-value", value)
	}

	if _, err := m.GetSecret(ctx, "NOWHERE"); err == nil {
		t.Error("GetSecret(NOWHERE) = nil error, want not found")
	}
}
