package nsinit

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLookPath(t *testing.T) {
	dir := t.TempDir()
	mk := func(rel string, mode os.FileMode) {
		p := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("#!/bin/sh\n"), mode); err != nil {
			t.Fatal(err)
		}
	}
	mk("bin/tool", 0o755)
	mk("bin/data", 0o644)
	mk("other/tool", 0o755)
	mk("local/run", 0o755)

	tests := []struct {
		name    string
		arg     string
		env     []string
		want    string
		wantErr bool
	}{
		{name: "PATH search", arg: "tool", env: []string{"PATH=" + filepath.Join(dir, "bin")}, want: filepath.Join(dir, "bin", "tool")},
		{name: "first PATH entry wins", arg: "tool", env: []string{"PATH=" + filepath.Join(dir, "other") + ":" + filepath.Join(dir, "bin")}, want: filepath.Join(dir, "other", "tool")},
		{name: "last PATH assignment wins", arg: "tool", env: []string{"PATH=/nonexistent", "PATH=" + filepath.Join(dir, "bin")}, want: filepath.Join(dir, "bin", "tool")},
		{name: "relative PATH entry", arg: "run", env: []string{"PATH=local"}, want: filepath.Join(dir, "local", "run")},
		{name: "not executable", arg: "data", env: []string{"PATH=" + filepath.Join(dir, "bin")}, wantErr: true},
		{name: "no PATH", arg: "tool", wantErr: true},
		{name: "relative name", arg: "./local/run", want: filepath.Join(dir, "local", "run")},
		{name: "absolute name", arg: filepath.Join(dir, "bin", "tool"), want: filepath.Join(dir, "bin", "tool")},
		{name: "missing relative name", arg: "./local/nope", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LookPath(tt.arg, tt.env, dir)
			if tt.wantErr {
				if !errors.Is(err, ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got %q, %v", got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("LookPath failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}
