package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/rtpstack/pkg/rtp"
)

// Config параметры прогона. Значения флагов имеют приоритет над файлом.
type Config struct {
	Iterations int           `yaml:"iterations"`
	PacketTime time.Duration `yaml:"packet_time"`

	// Границы jitter buffer в миллисекундах
	JitterMin uint32 `yaml:"jitter_min_ms"`
	JitterMax uint32 `yaml:"jitter_max_ms"`

	Silence           bool `yaml:"silence"`
	MarkerSuppression bool `yaml:"marker_suppression"`
	Uniform           bool `yaml:"uniform"`

	PayloadType rtp.PayloadType `yaml:"payload_type"`
	ClockRate   uint32          `yaml:"clock_rate"`

	SDPFile        string `yaml:"sdp_file"`
	MetricsAddress string `yaml:"metrics_address"`
	LogLevel       string `yaml:"log_level"`
}

// DefaultConfig значения по умолчанию: 80 кадров G.711 по 20 мс, буфер 100-1000 мс
func DefaultConfig() Config {
	return Config{
		Iterations:  80,
		PacketTime:  20 * time.Millisecond,
		JitterMin:   100,
		JitterMax:   1000,
		PayloadType: rtp.PayloadTypePCMU,
		ClockRate:   8000,
		LogLevel:    "info",
	}
}

// Validate проверяет диапазоны параметров
func (c *Config) Validate() error {
	if c.Iterations <= 0 {
		return fmt.Errorf("число итераций должно быть положительным")
	}
	if c.PacketTime < 10*time.Millisecond || c.PacketTime > 100*time.Millisecond {
		return fmt.Errorf("длительность кадра %s вне диапазона 10-100 мс", c.PacketTime)
	}
	if c.JitterMin < 20 || c.JitterMin > c.JitterMax || c.JitterMax > 1000 {
		return fmt.Errorf("jitter buffer должен быть от 20 мс до 1 с, задано %d-%d", c.JitterMin, c.JitterMax)
	}
	if c.ClockRate == 0 {
		return fmt.Errorf("частота медиа-часов не задана")
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// SamplesPerFrame тактов медиа-часов в одном кадре
func (c *Config) SamplesPerFrame() uint32 {
	return uint32(c.PacketTime.Milliseconds()) * c.ClockRate / 1000
}

// JitterUnits границы буфера в тактах медиа-часов
func (c *Config) JitterUnits() (minDelay, maxDelay uint32) {
	return c.JitterMin * c.ClockRate / 1000, c.JitterMax * c.ClockRate / 1000
}

// loadConfig собирает конфигурацию из файла, SDP и флагов
func loadConfig(c *cli.Context) (Config, error) {
	config := DefaultConfig()

	if path := c.String("config"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return config, fmt.Errorf("ошибка чтения конфигурации: %w", err)
		}
		if err := yaml.Unmarshal(raw, &config); err != nil {
			return config, fmt.Errorf("ошибка разбора конфигурации %s: %w", path, err)
		}
	}

	if c.IsSet("iterations") {
		config.Iterations = c.Int("iterations")
	}
	if c.IsSet("packet-time") {
		config.PacketTime = c.Duration("packet-time")
	}
	if c.IsSet("jitter") {
		minDelay, maxDelay, err := parseJitterRange(c.String("jitter"))
		if err != nil {
			return config, err
		}
		config.JitterMin, config.JitterMax = minDelay, maxDelay
	}
	if c.IsSet("silence") {
		config.Silence = c.Bool("silence")
	}
	if c.IsSet("marker") {
		config.MarkerSuppression = c.Bool("marker")
	}
	if c.IsSet("uniform") {
		config.Uniform = c.Bool("uniform")
	}
	if c.IsSet("sdp") {
		config.SDPFile = c.String("sdp")
	}
	if c.IsSet("metrics-addr") {
		config.MetricsAddress = c.String("metrics-addr")
	}
	if c.IsSet("log-level") {
		config.LogLevel = c.String("log-level")
	}

	if config.SDPFile != "" {
		if err := config.applySDP(config.SDPFile); err != nil {
			return config, err
		}
	}

	return config, config.Validate()
}

// applySDP берет тип нагрузки, частоту и ptime из первого аудио потока
func (c *Config) applySDP(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ошибка чтения SDP: %w", err)
	}
	endpoint, err := rtp.ParseMediaEndpoint(raw, "audio")
	if err != nil {
		return err
	}
	format, ok := endpoint.PrimaryFormat()
	if !ok {
		return fmt.Errorf("в SDP нет форматов аудио")
	}
	c.PayloadType = format.PayloadType
	if format.ClockRate != 0 {
		c.ClockRate = format.ClockRate
	}
	if endpoint.PacketTime > 0 {
		c.PacketTime = endpoint.PacketTime
	}
	return nil
}

// parseJitterRange разбирает "max" или "min-max" в миллисекундах
func parseJitterRange(value string) (uint32, uint32, error) {
	parts := strings.SplitN(value, "-", 2)
	numbers := make([]uint32, 0, 2)
	for _, part := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32)
		if err != nil {
			return 0, 0, fmt.Errorf("неверный размер jitter buffer %q: %w", value, err)
		}
		numbers = append(numbers, uint32(n))
	}
	if len(numbers) == 1 {
		return numbers[0], numbers[0], nil
	}
	return numbers[0], numbers[1], nil
}

func parseLogLevel(value string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return level, fmt.Errorf("неверный уровень логирования %q", value)
	}
	return level, nil
}
