package plugin

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name    string
		err     error
		kind    ErrorKind
		checkFn func(error) bool
	}{
		{"directory", NewDirectoryError("/plugins", cause), ErrorKindDirectory, IsDirectoryError},
		{"load failed", NewLoadFailedError("bad", cause), ErrorKindLoadFailed, IsLoadFailed},
		{"missing capability", NewMissingCapabilityError("nocap", "no run function"), ErrorKindMissingCapability, IsMissingCapability},
		{"execution failed", NewExecutionFailedError("bad", cause), ErrorKindExecutionFailed, IsExecutionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("cycle 3: %w", tt.err)

			if got := KindOf(wrapped); got != tt.kind {
				t.Errorf("KindOf() = %q, want %q", got, tt.kind)
			}
			if !tt.checkFn(wrapped) {
				t.Errorf("classification helper returned false for %v", wrapped)
			}
			if !errors.Is(wrapped, &Error{Kind: tt.kind}) {
				t.Errorf("errors.Is should match on kind")
			}
		})
	}
}

func TestErrorUnwrapAndDetail(t *testing.T) {
	cause := errors.New("boom")
	err := NewExecutionFailedError("bad", cause)

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the underlying cause")
	}
	if err.Detail() != "boom" {
		t.Errorf("Detail() = %q, want %q", err.Detail(), "boom")
	}
	if !strings.Contains(err.Error(), "plugin=bad") {
		t.Errorf("Error() should name the plugin, got %q", err.Error())
	}

	missing := NewMissingCapabilityError("nocap", "no run function")
	if missing.Detail() != "no run function" {
		t.Errorf("Detail() without cause = %q", missing.Detail())
	}

	if DetailOf(errors.New("plain")) != "plain" {
		t.Error("DetailOf should fall back to Error() for unclassified errors")
	}
	if DetailOf(nil) != "" {
		t.Error("DetailOf(nil) should be empty")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("KindOf should be empty for unclassified errors")
	}
}

func TestNewSource(t *testing.T) {
	tests := []struct {
		path string
		name string
		kind Kind
	}{
		{"/p/weather.star", "weather", KindStarlark},
		{"/p/clock.WASM", "clock", KindWASM},
		{"/p/notes.txt", "notes", KindUnknown},
		{"/p/multi.part.star", "multi.part", KindStarlark},
	}

	for _, tt := range tests {
		src := NewSource(tt.path)
		if src.Name != tt.name || src.Kind != tt.kind || src.Path != tt.path {
			t.Errorf("NewSource(%q) = %+v, want name=%q kind=%q", tt.path, src, tt.name, tt.kind)
		}
	}
}

func TestOutcomeStatus(t *testing.T) {
	ok := Outcome{Name: "weather", Value: "Cloudy"}
	if !ok.OK() || ok.Status() != "success" || ok.Message() != "" {
		t.Errorf("unexpected success outcome accessors: %+v", ok)
	}

	failed := Outcome{Name: "bad", Err: errors.New("boom")}
	if failed.OK() || failed.Status() != "failure" || failed.Message() != "boom" {
		t.Errorf("unexpected failure outcome accessors: %+v", failed)
	}
}
