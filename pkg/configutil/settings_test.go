package configutil

import "testing"

func TestDecodeSettingsWeakTypesAndKeyMatch(t *testing.T) {
	var out struct {
		APIKey     string `mapstructure:"api_key"`
		SampleRate *int   `mapstructure:"sample_rate"`
		Interim    *bool  `mapstructure:"interim"`
	}
	in := map[string]any{
		"api_key":    "dg-key",
		"sampleRate": "16000", // string coerced, camelCase matched
		"interim":    "false",
	}
	if err := DecodeSettings(in, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.APIKey != "dg-key" {
		t.Fatalf("api key: %q", out.APIKey)
	}
	if out.SampleRate == nil || *out.SampleRate != 16000 {
		t.Fatalf("sample rate: %v", out.SampleRate)
	}
	if out.Interim == nil || *out.Interim {
		t.Fatalf("interim: %v", out.Interim)
	}
}

func TestPointerFallbacks(t *testing.T) {
	if got := IntValue(nil, 8000); got != 8000 {
		t.Fatalf("nil int fallback: %d", got)
	}
	n := 44100
	if got := IntValue(&n, 8000); got != 44100 {
		t.Fatalf("set int ignored: %d", got)
	}
	if got := BoolValue(nil, true); !got {
		t.Fatalf("nil bool fallback: %v", got)
	}
	f := false
	if got := BoolValue(&f, true); got {
		t.Fatalf("set bool ignored: %v", got)
	}
}

func TestRequireString(t *testing.T) {
	if err := RequireString("  ", "engine.settings.api_key"); err == nil {
		t.Fatal("blank value accepted")
	}
	if err := RequireString("x", "engine.settings.api_key"); err != nil {
		t.Fatalf("non-blank rejected: %v", err)
	}
}
