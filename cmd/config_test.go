package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/career-advice/internal/artifacts"
)

func newTestViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	setDefaults(v)
	bindEnv(v)
	return v
}

func TestConfigDefaults(t *testing.T) {
	v := newTestViper(t)
	require.NoError(t, readConfigFile(v, ""))

	config, err := getConfig(v)
	require.NoError(t, err)

	assert.Equal(t, "localhost:5000", config.Server.Address())
	assert.Equal(t, "*", config.Server.CORS.AllowOrigins)
	assert.Equal(t, 10*time.Second, config.Server.ShutdownTimeout)
	assert.Equal(t, "./career_model", config.Model.Dir)
	assert.Equal(t, "auto", config.Model.Device)
	assert.Equal(t, 2*time.Minute, config.Model.RequestTimeout)
	assert.Equal(t, artifacts.SourceLocal, config.Artifacts.Source)
	assert.False(t, config.Registry.Enabled)
	assert.Equal(t, "http://localhost:8761/eureka", config.Registry.URL)
	assert.Equal(t, "career-advice", config.Registry.App)
	assert.Equal(t, 5000, config.Registry.Port)
	assert.Equal(t, 30*time.Second, config.Registry.RenewalInterval)
	assert.False(t, config.Tracing.Enabled)
}

func TestConfigFileAndEnvironment(t *testing.T) {
	file := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
server:
  port: 8080
model:
  dir: /models/career
  request-timeout: 45s
artifacts:
  source: remote
  s3:
    bucket: models
    use-path-style: true
registry:
  enabled: true
`), 0o600))

	t.Setenv("CAREER_ADVICE_SERVER_PORT", "9090")
	t.Setenv("CAREER_ADVICE_MODEL_DEVICE", "cpu")
	t.Setenv("CAREER_ADVICE_REGISTRY_RENEWAL_INTERVAL", "5s")

	v := newTestViper(t)
	require.NoError(t, readConfigFile(v, file))

	config, err := getConfig(v)
	require.NoError(t, err)

	assert.Equal(t, 9090, config.Server.Port)
	assert.Equal(t, "/models/career", config.Model.Dir)
	assert.Equal(t, "cpu", config.Model.Device)
	assert.Equal(t, 45*time.Second, config.Model.RequestTimeout)
	assert.Equal(t, artifacts.SourceRemote, config.Artifacts.Source)
	assert.Equal(t, "models", config.Artifacts.S3.Bucket)
	assert.Equal(t, "career_model/", config.Artifacts.S3.Prefix)
	assert.True(t, config.Artifacts.S3.UsePathStyle)
	assert.True(t, config.Registry.Enabled)
	assert.Equal(t, 5*time.Second, config.Registry.RenewalInterval)
}

func TestExplicitConfigFileMustExist(t *testing.T) {
	v := newTestViper(t)
	assert.Error(t, readConfigFile(v, filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestCollectProfile(t *testing.T) {
	tests := []struct {
		name    string
		flags   map[string]string
		answers map[string]string
		expect  map[string]any
		asked   []string
	}{
		{
			name:   "all flags",
			flags:  map[string]string{"country": "France", "education": "BSc", "certificate": "AWS", "skills": "Go"},
			expect: map[string]any{"country": "France", "education": "BSc", "certificate": "AWS", "skills": "Go"},
		},
		{
			name:    "prompts for missing fields",
			flags:   map[string]string{"country": "France"},
			answers: map[string]string{"education": "BSc", "certificate": "AWS", "skills": ""},
			expect:  map[string]any{"country": "France", "education": "BSc", "certificate": "AWS"},
			asked:   []string{"education", "certificate", "skills"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{}
			for _, q := range profileQuestions {
				cmd.Flags().String(q.key, "", q.label)
			}
			for key, value := range tt.flags {
				require.NoError(t, cmd.Flags().Set(key, value))
			}

			var asked []string
			payload, err := collectProfile(cmd, func(q profileQuestion) (string, error) {
				asked = append(asked, q.key)
				return tt.answers[q.key], nil
			})
			require.NoError(t, err)
			assert.Equal(t, tt.expect, payload)
			assert.Equal(t, tt.asked, asked)
		})
	}
}

func TestCollectProfilePromptError(t *testing.T) {
	cmd := &cobra.Command{}
	for _, q := range profileQuestions {
		cmd.Flags().String(q.key, "", q.label)
	}

	_, err := collectProfile(cmd, func(profileQuestion) (string, error) {
		return "", errors.New("interrupted")
	})
	assert.EqualError(t, err, "country: interrupted")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)

	assert.Contains(t, out.String(), "career-advice version: unknown")
}
