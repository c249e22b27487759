package logger

import "testing"

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{name: "console info", level: "info", format: "console"},
		{name: "json debug", level: "debug", format: "json"},
		{name: "empty format defaults to console", level: "warn", format: ""},
		{name: "upper case level", level: "ERROR", format: "json"},
		{name: "bad level", level: "verbose", format: "console", wantErr: true},
		{name: "bad format", level: "info", format: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.level, tt.format)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && l == nil {
				t.Fatal("New() returned nil logger")
			}
		})
	}
}

func TestInit_keepsPreviousOnError(t *testing.T) {
	prev := GlobalLogger
	t.Cleanup(func() { GlobalLogger = prev })

	if err := Init("nope", "console"); err == nil {
		t.Fatal("Init() expected error for invalid level")
	}
	if GlobalLogger != prev {
		t.Error("Init() replaced the global logger on error")
	}

	if err := Init("debug", "json"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if GlobalLogger == prev {
		t.Error("Init() did not replace the global logger")
	}
}
