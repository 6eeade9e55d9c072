package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/arzzra/rtpstack/pkg/rtp"
)

func newTestContext(t *testing.T, args ...string) *cli.Context {
	t.Helper()

	set := flag.NewFlagSet("jester", flag.ContinueOnError)
	for _, f := range flags {
		require.NoError(t, f.Apply(set))
	}
	require.NoError(t, set.Parse(args))
	return cli.NewContext(cli.NewApp(), set, nil)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseJitterRange(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		min     uint32
		max     uint32
		wantErr bool
	}{
		{name: "одно значение", value: "200", min: 200, max: 200},
		{name: "диапазон", value: "40-400", min: 40, max: 400},
		{name: "пробелы", value: " 40 - 400 ", min: 40, max: 400},
		{name: "мусор", value: "abc", wantErr: true},
		{name: "пустая граница", value: "40-", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			minDelay, maxDelay, err := parseJitterRange(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.min, minDelay)
			assert.Equal(t, tt.max, maxDelay)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())
	assert.Equal(t, uint32(160), config.SamplesPerFrame())
	minDelay, maxDelay := config.JitterUnits()
	assert.Equal(t, uint32(800), minDelay)
	assert.Equal(t, uint32(8000), maxDelay)

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{name: "буфер меньше 20 мс", modify: func(c *Config) { c.JitterMin = 10 }},
		{name: "буфер больше секунды", modify: func(c *Config) { c.JitterMax = 2000 }},
		{name: "минимум больше максимума", modify: func(c *Config) { c.JitterMin, c.JitterMax = 500, 400 }},
		{name: "нет итераций", modify: func(c *Config) { c.Iterations = 0 }},
		{name: "слишком короткий кадр", modify: func(c *Config) { c.PacketTime = time.Millisecond }},
		{name: "неизвестный уровень логов", modify: func(c *Config) { c.LogLevel = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(&config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestLoadConfigFileAndFlags(t *testing.T) {
	path := writeFile(t, "jester.yaml", `
iterations: 40
packet_time: 30ms
jitter_min_ms: 60
jitter_max_ms: 300
silence: true
log_level: debug
`)

	config, err := loadConfig(newTestContext(t, "--config", path, "--iterations", "10"))
	require.NoError(t, err)

	assert.Equal(t, 10, config.Iterations, "флаг важнее файла")
	assert.Equal(t, 30*time.Millisecond, config.PacketTime)
	assert.Equal(t, uint32(60), config.JitterMin)
	assert.Equal(t, uint32(300), config.JitterMax)
	assert.True(t, config.Silence)
	assert.Equal(t, "debug", config.LogLevel)
}

func TestLoadConfigFromSDP(t *testing.T) {
	path := writeFile(t, "offer.sdp", "v=0\r\n"+
		"o=- 1 1 IN IP4 192.0.2.1\r\n"+
		"s=-\r\n"+
		"c=IN IP4 192.0.2.1\r\n"+
		"t=0 0\r\n"+
		"m=audio 4000 RTP/AVP 9\r\n"+
		"a=rtpmap:9 G722/8000\r\n"+
		"a=ptime:40\r\n")

	config, err := loadConfig(newTestContext(t, "--sdp", path, "--jitter", "40-400"))
	require.NoError(t, err)

	assert.Equal(t, rtp.PayloadTypeG722, config.PayloadType)
	assert.Equal(t, uint32(8000), config.ClockRate)
	assert.Equal(t, 40*time.Millisecond, config.PacketTime)
	assert.Equal(t, uint32(320), config.SamplesPerFrame())
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(newTestContext(t, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Error(t, err)

	_, err = loadConfig(newTestContext(t, "--jitter", "5"))
	assert.Error(t, err, "буфер вне допустимого диапазона")

	_, err = loadConfig(newTestContext(t, "--config", writeFile(t, "bad.yaml", "iterations: [")))
	assert.Error(t, err)
}
