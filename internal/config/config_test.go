package config

import (
	"fmt"
	"os"
	"testing"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	os.Setenv("HTTP_ADDRESS", "")
	os.Setenv("ICE_SERVERS_JSON", "")
	os.Setenv("LLM_ENDPOINT", "")
	os.Setenv("LLM_MODEL", "")
	cfg := Load()
	if cfg.HTTPAddress == "" {
		t.Fatalf("expected default http address")
	}
	if cfg.ICEServersJSON == "" {
		t.Fatalf("expected default ice servers json")
	}
	if cfg.LLMEndpoint == "" {
		t.Fatalf("expected default llm endpoint")
	}
	if cfg.LLMModel == "" {
		t.Fatalf("expected default llm model")
	}
}

func TestCredentials_Sources(t *testing.T) {
	clear := func() {
		os.Unsetenv("LLM_API_KEY")
		os.Unsetenv("LLM_API_KEYS")
		for i := 1; i <= 10; i++ {
			os.Unsetenv(sprintKeyN(i))
		}
	}
	clear()
	defer clear()

	if got := Credentials(); len(got) != 0 {
		t.Fatalf("expected no credentials, got %v", got)
	}

	os.Setenv("LLM_API_KEY", "single")
	if got := Credentials(); len(got) != 1 || got[0] != "single" {
		t.Fatalf("expected [single], got %v", got)
	}

	os.Setenv("LLM_API_KEYS", "a, b ,,c")
	os.Setenv("LLM_API_KEY_1", "d")
	os.Setenv("LLM_API_KEY_2", "a") // duplicate of the comma list
	got := Credentials()
	want := []string{"a", "b", "c", "d", "single"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("slot %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func sprintKeyN(i int) string {
	return fmt.Sprintf("LLM_API_KEY_%d", i)
}
