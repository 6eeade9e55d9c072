// Команда jester прогоняет поток кадров через пару RTP сессий в памяти
// и воспроизводит его через jitter buffer, подставляя тишину при паузах.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/rtpstack/pkg/rtp"
)

const (
	senderSessionID   = 1
	receiverSessionID = 2
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to YAML config file",
		EnvVars: []string{"JESTER_CONFIG"},
	},
	&cli.IntFlag{
		Name:    "iterations",
		Aliases: []string{"i"},
		Usage:   "number of frames to play",
	},
	&cli.DurationFlag{
		Name:  "packet-time",
		Usage: "duration of each frame",
	},
	&cli.StringFlag{
		Name:    "jitter",
		Aliases: []string{"j"},
		Usage:   "jitter buffer size in ms, `[min-]max` (20-1000)",
	},
	&cli.BoolFlag{
		Name:    "silence",
		Aliases: []string{"s"},
		Usage:   "simulate silence suppression, audio is sent in bursts",
	},
	&cli.BoolFlag{
		Name:    "marker",
		Aliases: []string{"m"},
		Usage:   "clear the marker bit on every other talk burst",
	},
	&cli.BoolFlag{
		Name:  "uniform",
		Usage: "send frames at a uniform rate instead of 0 20 60 80 120 ms",
	},
	&cli.StringFlag{
		Name:  "sdp",
		Usage: "SDP `file` to take payload type, clock rate and ptime from",
	},
	&cli.StringFlag{
		Name:    "metrics-addr",
		Usage:   "serve Prometheus metrics on this address",
		EnvVars: []string{"JESTER_METRICS_ADDR"},
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error",
	},
}

func main() {
	app := &cli.App{
		Name:   "jester",
		Usage:  "exercise the RTP jitter buffer with a synthetic stream",
		Flags:  flags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	config, err := loadConfig(c)
	if err != nil {
		return err
	}

	level, _ := parseLogLevel(config.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := rtp.NewSessionManager(rtp.SessionManagerConfig{MaxSessions: 2, Logger: logger})
	defer manager.StopAll()

	sender, receiver, err := openSessions(manager, config, logger)
	if err != nil {
		return err
	}

	minDelay, maxDelay := config.JitterUnits()
	if err := receiver.SetJitterBufferSize(minDelay, maxDelay); err != nil {
		return fmt.Errorf("ошибка настройки jitter buffer: %w", err)
	}
	logger.Info("Jitter buffer настроен",
		slog.Uint64("min_ms", uint64(config.JitterMin)),
		slog.Uint64("max_ms", uint64(config.JitterMax)))

	if config.MetricsAddress != "" {
		server, err := serveMetrics(manager, config.MetricsAddress, logger)
		if err != nil {
			return err
		}
		defer server.Close()
	}

	group, ctx := errgroup.WithContext(ctx)
	generatorCtx, stopGenerator := context.WithCancel(ctx)
	defer stopGenerator()

	group.Go(func() error {
		return generate(generatorCtx, sender, config, logger)
	})

	var report playbackReport
	group.Go(func() error {
		defer stopGenerator()
		var err error
		report, err = consume(ctx, receiver, config, logger)
		return err
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	printReport(logger, receiver, report)
	return nil
}

// openSessions создает связанные сессии отправителя и получателя в реестре
func openSessions(manager *rtp.SessionManager, config Config, logger *slog.Logger) (*rtp.Session, *rtp.Session, error) {
	local, remote := rtp.NewPipeTransport()
	transports := map[uint32]rtp.Transport{
		senderSessionID:   local,
		receiverSessionID: remote,
	}

	create := func(id uint32) (*rtp.Session, error) {
		sessionConfig := rtp.DefaultSessionConfig(id, transports[id])
		sessionConfig.ClockRate = config.ClockRate
		sessionConfig.ProcessOutOfOrderPackets = true
		sessionConfig.SenderReportInterval = 2 * time.Second
		sessionConfig.ReceiverReportInterval = 2 * time.Second
		sessionConfig.Logger = logger
		session, err := rtp.NewSession(sessionConfig)
		if err != nil {
			return nil, err
		}
		return session, session.Start()
	}

	var sessions [2]*rtp.Session
	for i, id := range []uint32{senderSessionID, receiverSessionID} {
		session, _, err := manager.UseOrCreateSession(id, create)
		if err != nil {
			return nil, nil, err
		}
		sessions[i] = session
	}
	return sessions[0], sessions[1], nil
}

// generate отправляет кадры с паузами тишины и неравномерным темпом
func generate(ctx context.Context, sender *rtp.Session, config Config, logger *slog.Logger) error {
	samples := config.SamplesPerFrame()
	// при подавлении тишины 10 кадров речи сменяются 40 кадрами паузы
	const burstLength, cycleLength = 10, 50

	var timestamp uint32
	talkBursts := 0
	for index := 0; ; index++ {
		delay := config.PacketTime
		if !config.Uniform && index%2 == 1 {
			delay *= 2
		}

		inCycle := index % cycleLength
		if config.Silence && inCycle >= burstLength {
			logger.Debug("Кадр не отправлен, пауза", slog.Int("index", index))
		} else {
			frame := rtp.NewDataFrame(int(samples))
			frame.SetPayloadType(config.PayloadType)
			frame.SetTimestamp(timestamp)

			startOfBurst := index == 0 || (config.Silence && inCycle == 0)
			if startOfBurst {
				talkBursts++
			}
			frame.SetMarker(startOfBurst && !(config.MarkerSuppression && talkBursts%2 == 0))

			if err := sender.WriteData(ctx, frame); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("ошибка отправки кадра %d: %w", index, err)
			}
		}
		timestamp += samples

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

type playbackReport struct {
	Played  int
	Silence int
}

// consume читает кадры в темпе воспроизведения и считает подставленную тишину
func consume(ctx context.Context, receiver *rtp.Session, config Config, logger *slog.Logger) (playbackReport, error) {
	samples := config.SamplesPerFrame()
	ticker := time.NewTicker(config.PacketTime)
	defer ticker.Stop()

	var report playbackReport
	var timestamp uint32
	for range config.Iterations {
		frame, err := receiver.ReadBufferedData(ctx, timestamp)
		switch {
		case err == nil:
			report.Played++
			logger.Debug("Воспроизведен кадр",
				slog.Uint64("timestamp", uint64(frame.Timestamp())),
				slog.Uint64("play_timestamp", uint64(timestamp)))
		case errors.Is(err, rtp.ErrNothingReady):
			report.Silence++
			logger.Debug("Воспроизведена тишина", slog.Uint64("play_timestamp", uint64(timestamp)))
		default:
			return report, err
		}
		timestamp += samples

		select {
		case <-ctx.Done():
			return report, ctx.Err()
		case <-ticker.C:
		}
	}
	return report, nil
}

func serveMetrics(manager *rtp.SessionManager, address string, logger *slog.Logger) (*http.Server, error) {
	handler, err := rtp.NewMetricsCollector(manager, rtp.DefaultMetricsConfig()).Handler()
	if err != nil {
		return nil, fmt.Errorf("ошибка регистрации метрик: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	server := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Сервер метрик остановлен", slog.String("error", err.Error()))
		}
	}()
	logger.Info("Метрики доступны", slog.String("address", address))
	return server, nil
}

func printReport(logger *slog.Logger, receiver *rtp.Session, report playbackReport) {
	stats := receiver.Statistics()
	attrs := []any{
		slog.Int("played", report.Played),
		slog.Int("silence", report.Silence),
		slog.Uint64("received", uint64(stats.PacketsReceived)),
		slog.Uint64("lost", uint64(stats.PacketsLost)),
		slog.Uint64("out_of_order", uint64(stats.PacketsOutOfOrder)),
		slog.Uint64("too_late", uint64(stats.PacketsTooLate)),
		slog.Duration("jitter", stats.JitterTime),
	}
	if jitter, ok := receiver.JitterBufferStatistics(); ok {
		attrs = append(attrs,
			slog.Uint64("target_delay", uint64(jitter.TargetDelay)),
			slog.Uint64("underruns", jitter.Underruns),
			slog.Uint64("overruns", jitter.Overruns))
	}
	logger.Info("Прогон завершен", attrs...)
}
