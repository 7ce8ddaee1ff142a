package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GeminiModel != "gemini-2.5-flash" {
		t.Fatalf("unexpected model %q", cfg.GeminiModel)
	}
	if cfg.LLMMaxAttempts != 3 || cfg.LLMRetryBaseDelay != 2*time.Second {
		t.Fatalf("unexpected retry settings: %d %s", cfg.LLMMaxAttempts, cfg.LLMRetryBaseDelay)
	}
	if cfg.LLMRetryJitter != time.Second {
		t.Fatalf("unexpected retry jitter %s", cfg.LLMRetryJitter)
	}
	if cfg.QueryMaxAllocMB != 256 {
		t.Fatalf("unexpected query allocation cap %d", cfg.QueryMaxAllocMB)
	}
	if cfg.DocstoreDriver != "firestore" || cfg.SessionBackend != "memory" {
		t.Fatalf("unexpected backends: %s %s", cfg.DocstoreDriver, cfg.SessionBackend)
	}
	if cfg.AnomalyContamination != 0.05 {
		t.Fatalf("unexpected contamination %v", cfg.AnomalyContamination)
	}
}

func TestLoadRequiresAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without GEMINI_API_KEY")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "k")
	t.Setenv("QUERY_TIMEOUT", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadRejectsNegativeJitter(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "k")
	t.Setenv("LLM_RETRY_JITTER", "-1s")
	if _, err := Load(); err == nil {
		t.Fatal("expected negative jitter error")
	}
}

func TestLoadPostgresNeedsURL(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "k")
	t.Setenv("DOCSTORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected missing DATABASE_URL error")
	}
}

func TestParseBool(t *testing.T) {
	cases := map[string]bool{
		"1":     true,
		"true":  true,
		"TRUE":  true,
		"yes":   true,
		"on":    true,
		"false": false,
		"0":     false,
		"":      false,
	}
	for input, want := range cases {
		if got := ParseBool(input); got != want {
			t.Fatalf("ParseBool(%q) = %v, want %v", input, got, want)
		}
	}
}
