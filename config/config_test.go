package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tieubaoca/workspace-assistant/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalSources = `
sources:
  - system: tracker
    export_path: jira.csv
  - system: Confluence
    export_path: wiki.csv
    top_k: 3
  - system: NOTES
    export_path: notes.csv
    collection: StrategyNotes
`

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalSources))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, ProviderOpenAI, cfg.AIProvider)
	assert.Equal(t, BackendWeaviate, cfg.VectorStore.Backend)
	assert.Equal(t, 60*time.Second, cfg.Team.SpecialistTimeout)
	assert.Equal(t, 3*time.Minute, cfg.Team.RequestTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Team.BuildTimeout)
	assert.Equal(t, 8, cfg.DirectTool.MaxRounds)
	assert.Equal(t, 3, cfg.DirectTool.RetryBudget)

	tracker, ok := cfg.Source(types.SourceTracker)
	require.True(t, ok)
	assert.Equal(t, "JiraDocuments", tracker.Collection)
	assert.Equal(t, 5, tracker.TopK)

	wiki, ok := cfg.Source(types.SourceWiki)
	require.True(t, ok)
	assert.Equal(t, 3, wiki.TopK)

	notes, ok := cfg.Source(types.SourceNotes)
	require.True(t, ok)
	assert.Equal(t, "StrategyNotes", notes.Collection)
}

func TestLoadConfig_EnvOverridesSecrets(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("WEAVIATE_APIKEY", "wv-test")
	t.Setenv("ADMIN_TOKEN", "admin-secret")

	cfg, err := LoadConfig(writeConfig(t, minimalSources))
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.OpenAIAPIKey)
	assert.Equal(t, "wv-test", cfg.VectorStore.Weaviate.APIKey)
	assert.Equal(t, "admin-secret", cfg.AdminToken)
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing source",
			body: `
sources:
  - system: TRACKER
    export_path: jira.csv
  - system: WIKI
    export_path: wiki.csv
`,
			want: "missing source NOTES",
		},
		{
			name: "unknown source",
			body: minimalSources + `
  - system: slack
    export_path: slack.csv
`,
			want: `unknown source system "slack"`,
		},
		{
			name: "lower-case collection",
			body: `
sources:
  - system: TRACKER
    export_path: jira.csv
    collection: jira
  - system: WIKI
    export_path: wiki.csv
  - system: NOTES
    export_path: notes.csv
`,
			want: "must start with an upper-case letter",
		},
		{
			name: "bad provider",
			body: "ai_provider: llama\n" + minimalSources,
			want: `unsupported ai_provider "llama"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestMCPServerConfig_ExpandedEnv(t *testing.T) {
	t.Setenv("JIRA_URL", "https://example.atlassian.net")
	cfg := MCPServerConfig{Env: map[string]string{"jira_url": "${JIRA_URL}"}}
	assert.Equal(t, []string{"JIRA_URL=https://example.atlassian.net"}, cfg.ExpandedEnv())
}

func TestLoadConfig_ExampleFile(t *testing.T) {
	cfg, err := LoadConfig("config.yaml")
	require.NoError(t, err)
	require.Len(t, cfg.DirectTool.Servers, 2)
	assert.Equal(t, "mcp-atlassian", cfg.DirectTool.Servers[0].Name)
	assert.Equal(t, "docker", cfg.DirectTool.Servers[1].Command)
}
