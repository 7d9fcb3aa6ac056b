package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress  string
	AuthPassword string

	LLMEndpoint string
	LLMModel    string

	AssemblyAIKey string
	DeepgramKey   string
	DeepgramVoice string

	ElevenLabsKey   string
	ElevenLabsVoice string

	SupabaseURL    string
	SupabaseKey    string
	SupabaseBucket string

	ICEServersJSON string
}

// Load reads environment variables and returns Config with sane defaults.
// Credential presence is deliberately not validated here; the pool raises a
// configuration error on first use instead (see Credentials).
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Error loading .env file")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	endpoint := os.Getenv("LLM_ENDPOINT")
	if endpoint == "" {
		endpoint = "https://api.groq.com/openai/v1/chat/completions"
	}
	model := os.Getenv("LLM_MODEL")
	if model == "" {
		model = "llama-3.3-70b-versatile"
	}

	assemblyKey := os.Getenv("ASSEMBLYAI_API_KEY")
	if assemblyKey == "" {
		log.Println("Warning: ASSEMBLYAI_API_KEY not set - speech recognition will not work")
	}
	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	if deepgramKey == "" {
		log.Println("Warning: DEEPGRAM_API_KEY not set - speech synthesis will not work")
	}

	ice := os.Getenv("ICE_SERVERS_JSON")
	if ice == "" {
		ice = `[{"urls":["stun:stun.l.google.com:19302"]}]`
	}

	return Config{
		HTTPAddress:  addr,
		AuthPassword: os.Getenv("AUTH_PASSWORD"),

		LLMEndpoint: endpoint,
		LLMModel:    model,

		AssemblyAIKey: assemblyKey,
		DeepgramKey:   deepgramKey,
		DeepgramVoice: os.Getenv("DEEPGRAM_VOICE"),

		ElevenLabsKey:   os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoice: os.Getenv("ELEVENLABS_VOICE_ID"),

		SupabaseURL:    os.Getenv("SUPABASE_URL"),
		SupabaseKey:    os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket: os.Getenv("SUPABASE_RECORDINGS_BUCKET"),

		ICEServersJSON: ice,
	}
}

// Credentials assembles the LLM credential pool from, in order of precedence:
// LLM_API_KEYS (comma separated), LLM_API_KEY_1..LLM_API_KEY_10, LLM_API_KEY.
// Duplicates are dropped while preserving order. An empty result is not an
// error here: configuration absence is surfaced on first pool use.
func Credentials() []string {
	var keys []string

	if multi := strings.TrimSpace(os.Getenv("LLM_API_KEYS")); multi != "" {
		for _, k := range strings.Split(multi, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
	}
	for i := 1; i <= 10; i++ {
		if k := strings.TrimSpace(os.Getenv(fmt.Sprintf("LLM_API_KEY_%d", i))); k != "" {
			keys = append(keys, k)
		}
	}
	if k := strings.TrimSpace(os.Getenv("LLM_API_KEY")); k != "" {
		keys = append(keys, k)
	}

	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
