package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) *Options {
	var opts Options
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, &opts)
	require.NoError(t, fs.Parse(args))
	return &opts
}

func TestRegisterFlagsDefaults(t *testing.T) {
	opts := parse(t)
	assert.Equal(t, "443", opts.Port)
	assert.Equal(t, DefaultImageWidth, opts.ImageWidth)
	assert.Equal(t, DefaultImageHeight, opts.ImageHeight)
	assert.True(t, opts.UseCBOR)
	assert.Zero(t, opts.MetricsPort)
}

func TestRegisterFlagsParsesAll(t *testing.T) {
	opts := parse(t,
		"--endpoint", "example.com",
		"--appkey", "abc",
		"--port", "8443",
		"--channel", "camera1",
		"--id", "bot-7",
		"--config", `{"x":1}`,
		"--input-width", "640",
		"--input-height", "480",
		"--keep-aspect-ratio",
		"--cbor=false",
	)

	assert.Equal(t, "example.com", opts.Endpoint)
	assert.Equal(t, "abc", opts.AppKey)
	assert.Equal(t, "8443", opts.Port)
	assert.Equal(t, "camera1", opts.Channel)
	assert.Equal(t, "bot-7", opts.ID)
	assert.Equal(t, 640, opts.ImageWidth)
	assert.Equal(t, 480, opts.ImageHeight)
	assert.True(t, opts.KeepAspect)
	assert.False(t, opts.UseCBOR)
}

func TestValidateRequiresConnectionOptions(t *testing.T) {
	opts := parse(t, "--endpoint", "example.com", "--appkey", "abc", "--channel", "c")
	require.NoError(t, opts.Validate())

	for _, missing := range []string{"endpoint", "appkey", "channel"} {
		args := []string{"--endpoint", "e", "--appkey", "a", "--channel", "c"}
		filtered := args[:0:0]
		for i := 0; i < len(args); i += 2 {
			if args[i] != "--"+missing {
				filtered = append(filtered, args[i], args[i+1])
			}
		}
		opts := parse(t, filtered...)
		assert.Error(t, opts.Validate(), "missing %s", missing)
	}
}

func TestBotConfigInlineJSON(t *testing.T) {
	opts := parse(t, "--config", `{"threshold": 5}`)
	config, err := opts.BotConfig()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"threshold": float64(5)}, config)
}

func TestBotConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mode": "fast"}`), 0o600))

	opts := parse(t, "--config-file", path)
	config, err := opts.BotConfig()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"mode": "fast"}, config)
}

func TestBotConfigInlineWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"from": "file"}`), 0o600))

	opts := parse(t, "--config", `{"from": "inline"}`, "--config-file", path)
	config, err := opts.BotConfig()
	require.NoError(t, err)
	assert.Equal(t, "inline", config["from"])
}

func TestBotConfigDefaultsToEmptyObject(t *testing.T) {
	opts := parse(t)
	config, err := opts.BotConfig()
	require.NoError(t, err)
	assert.Empty(t, config)
	assert.NotNil(t, config)
}

func TestBotConfigErrors(t *testing.T) {
	opts := parse(t, "--config", "not json")
	_, err := opts.BotConfig()
	assert.Error(t, err)

	opts = parse(t, "--config-file", "/does/not/exist.json")
	_, err = opts.BotConfig()
	assert.Error(t, err)
}

func TestLoadSettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"notifications": {
			"webhook_url": "https://hooks.example.com/x",
			"email": {"host": "smtp.example.com", "port": 587, "username": "u", "recipients": "a@example.com"}
		}
	}`), 0o600))

	opts := parse(t, "--settings-file", path)
	require.NoError(t, opts.Load())
	assert.Equal(t, "https://hooks.example.com/x", opts.Notifications.WebhookURL)
	assert.Equal(t, "smtp.example.com", opts.Notifications.Email.Host)
	assert.Equal(t, 587, opts.Notifications.Email.Port)
}

func TestLoadWithoutSettingsFileIsNoop(t *testing.T) {
	opts := parse(t)
	require.NoError(t, opts.Load())
}
