package config

import (
	"os"
	"path/filepath"
	"testing"
)

func Test_Load_ValidJSONC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cubdb.jsonc")
	contents := `{
		// trailing comments and commas are fine, this is JSONC
		"dir": "./data",
		"order": 32,
		"auto_compact": {
			"mode": 1,
			"min_writes": 100,
			"min_dirt_factor": 0.25,
		},
	}`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	opts, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if opts.Dir != "./data" || opts.Order != 32 {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if opts.AutoCompact.MinWrites != 100 || opts.AutoCompact.MinDirtFactor != 0.25 {
		t.Fatalf("unexpected auto_compact: %+v", opts.AutoCompact)
	}
}

func Test_Load_RejectsEmptyDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cubdb.jsonc")
	os.WriteFile(path, []byte(`{"dir": ""}`), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected an error for an empty dir")
	}
	if _, ok := err.(*InvalidConfigError); !ok {
		t.Fatalf("expected *InvalidConfigError, got %T", err)
	}
}

func Test_AutoCompact_Validate_RejectsOutOfRangeDirtFactor(t *testing.T) {
	a := AutoCompact{Mode: AutoCompactOn, MinWrites: 10, MinDirtFactor: 1.5}
	if err := a.Validate(); err == nil {
		t.Fatal("expected min_dirt_factor > 1 to be rejected")
	}
}

func Test_DefaultAutoCompact_IsValid(t *testing.T) {
	if err := DefaultAutoCompact.Validate(); err != nil {
		t.Fatalf("expected default auto_compact to validate, got %v", err)
	}
}
