package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
server:
  public_url: https://agent.example.com
  ws_url: wss://agent.example.com/media
telephony:
  account_sid: AC123
  auth_token: tok
  from_number: "+15550001111"
  owner_number: "+15559998888"
transcription:
  api_key: dg-key
synthesis:
  api_key: ct-key
  voice_id: voice-1
llm:
  api_key: llm-key
  temperature: 0.7
agent:
  system_prompt: be helpful
  interruption_on_audio: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "https://agent.example.com", cfg.Server.PublicURL)
	assert.Equal(t, "+15559998888", cfg.Telephony.OwnerNumber)
	assert.Equal(t, 0.7, cfg.LLM.Temperature)
	assert.True(t, cfg.Agent.InterruptionOnAudio)

	// defaults fill the gaps
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "nova-3", cfg.Transcription.Model)
	assert.Equal(t, "en", cfg.Transcription.Language)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv("LLM_API_KEY", "from-env")
	t.Setenv("DEEPGRAM_API_KEY", "dg-env")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.LLM.APIKey)
	assert.Equal(t, "dg-env", cfg.Transcription.APIKey)
	// untouched fields keep their file values
	assert.Equal(t, "ct-key", cfg.Synthesis.APIKey)
}

func TestValidateReportsAllMissingFields(t *testing.T) {
	_, err := Load(writeConfig(t, "server:\n  addr: ':9090'\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.public_url")
	assert.Contains(t, err.Error(), "telephony.account_sid")
	assert.Contains(t, err.Error(), "llm.api_key")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [not: a: map"))
	assert.Error(t, err)
}
