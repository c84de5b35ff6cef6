package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mijahauan/timesnaprecorder/archive"
	"github.com/mijahauan/timesnaprecorder/channel"
	"github.com/mijahauan/timesnaprecorder/clockoffset"
	"github.com/mijahauan/timesnaprecorder/metrics"
	"github.com/mijahauan/timesnaprecorder/ntpstatus"
	"github.com/mijahauan/timesnaprecorder/pipeline"
	"github.com/mijahauan/timesnaprecorder/rtppkt"
	"github.com/mijahauan/timesnaprecorder/statestore"
)

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ContinueOnError)
}

func main() {
	lev, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lev)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var runErr error
	switch os.Args[1] {
	case "run":
		runErr = runCmd(os.Args[2:])
	case "reset-state":
		runErr = resetStateCmd(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if runErr != nil {
		log.Fatal().Err(runErr).Msg("timesnaprecorder exited with error")
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: timesnaprecorder run --config <path> [--state-dir <dir>] [--csv-dir <dir>]")
	fmt.Fprintln(os.Stderr, "       timesnaprecorder reset-state --state-dir <dir> --channel <name>")
}

func runCmd(args []string) error {
	var configPath, stateDir, csvDir string
	fs := newFlagSet("run")
	fs.StringVar(&configPath, "config", "", "path to the channel config YAML")
	fs.StringVar(&stateDir, "state-dir", "", "directory for persisted discipline state (disabled if empty)")
	fs.StringVar(&csvDir, "csv-dir", "", "directory for daily per-method CSV logs (disabled if empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if configPath == "" {
		return fmt.Errorf("run: --config is required")
	}

	configs, addrs, metricsCfg, err := channel.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var store *statestore.Store
	if stateDir != "" {
		store = statestore.New(stateDir)
	}

	promReg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(promReg)

	ntpReader := ntpstatus.NewReader(log.Logger)
	go ntpReader.Run(ctx, 30*time.Second)

	if metricsCfg.ListenAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, metricsCfg.ListenAddr, promReg, log.Logger); err != nil {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	pipelines := make([]*pipeline.Pipeline, 0, len(configs))
	for _, cfg := range configs {
		chLog := log.Logger.With().Str("channel", cfg.Name.Key()).Logger()

		addr := addrs[cfg.Name.Key()]
		if addr == "" {
			return fmt.Errorf("channel %s: multicast_addr not set", cfg.Name)
		}
		src, err := rtppkt.NewMulticastSource(addr, "", chLog)
		if err != nil {
			return fmt.Errorf("channel %s: join multicast: %w", cfg.Name, err)
		}

		p := pipeline.New(pipeline.Options{
			Channel:     cfg,
			ReceiverLat: cfg.ReceiverLatDeg,
			ReceiverLon: cfg.ReceiverLonDeg,
			Archive:     archive.NewMemoryWriter(),
			Store:       store,
			Metrics:     metricsReg,
			CSVDir:      csvDir,
			Log:         chLog,
		})
		pipelines = append(pipelines, p)

		go func() {
			<-ctx.Done()
			src.Close()
		}()
		go func() {
			if err := p.Run(ctx, src.Run); err != nil {
				chLog.Error().Err(err).Msg("pipeline exited with error")
			}
		}()
	}

	if len(pipelines) > 1 {
		go runFusion(ctx, pipelines, metricsReg, store)
	}

	log.Info().Int("channels", len(pipelines)).Msg("timesnaprecorder running")
	<-ctx.Done()
	log.Info().Msg("shutting down, saving state")

	for _, p := range pipelines {
		if err := p.SaveState(); err != nil {
			log.Warn().Err(err).Msg("failed to persist channel state at shutdown")
		}
	}
	return nil
}

// fusedChannelKey is the pseudo-channel label under which the
// cross-channel fused clock offset is published, alongside each real
// channel's own gauge series.
const fusedChannelKey = "FUSED"

// runFusion polls every pipeline's latest broadcast sample once a
// minute and combines them into a single multi-broadcast clock offset
// estimate, the way a station running several receive channels at once
// would reconcile WWV, WWVH and CHU against each other. The per-station
// calibration is persisted so restarts don't re-learn it from scratch.
func runFusion(ctx context.Context, pipelines []*pipeline.Pipeline, metricsReg *metrics.Registry, store *statestore.Store) {
	fusion := clockoffset.NewFusionCalibration()
	if store != nil {
		if st, ok, err := store.LoadFusion(); err == nil && ok {
			cal := make(map[channel.Station]float64, len(st.Calibration))
			for station, v := range st.Calibration {
				cal[channel.Station(station)] = v
			}
			fusion.ImportCalibration(cal)
		} else if err != nil {
			log.Warn().Err(err).Msg("discarding corrupt fusion calibration, starting cold")
		}
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			saveFusionState(store, fusion)
			return
		case <-ticker.C:
			samples := make([]clockoffset.BroadcastSample, 0, len(pipelines))
			for _, p := range pipelines {
				if s, ok := p.LatestBroadcastSample(); ok {
					samples = append(samples, s)
				}
			}
			fusedMs, uncertaintyMs, ok := fusion.Fuse(samples)
			if !ok {
				continue
			}
			for _, s := range samples {
				fusion.Observe(s.Station, s.DClockMs, fusedMs)
			}
			if metricsReg != nil {
				metricsReg.ClockOffsetMs.WithLabelValues(fusedChannelKey).Set(fusedMs)
				metricsReg.ClockOffsetUncertainty.WithLabelValues(fusedChannelKey).Set(uncertaintyMs)
			}
			log.Debug().Float64("fused_ms", fusedMs).Float64("uncertainty_ms", uncertaintyMs).
				Int("broadcasts", len(samples)).Msg("fused clock offset updated")
			saveFusionState(store, fusion)
		}
	}
}

func saveFusionState(store *statestore.Store, fusion *clockoffset.FusionCalibration) {
	if store == nil {
		return
	}
	cal := make(map[string]float64)
	for station, v := range fusion.ExportCalibration() {
		cal[string(station)] = v
	}
	if err := store.SaveFusion(statestore.FusionState{Calibration: cal}); err != nil {
		log.Warn().Err(err).Msg("failed to persist fusion calibration")
	}
}

func resetStateCmd(args []string) error {
	var stateDir, channelName string
	fs := newFlagSet("reset-state")
	fs.StringVar(&stateDir, "state-dir", "", "directory holding persisted discipline state")
	fs.StringVar(&channelName, "channel", "", "human channel name, e.g. \"WWV 10 MHz\"")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if stateDir == "" || channelName == "" {
		return fmt.Errorf("reset-state: --state-dir and --channel are required")
	}

	store := statestore.New(stateDir)
	key := channel.NewName(channelName).Key()
	if err := store.ResetChannel(key); err != nil {
		return fmt.Errorf("reset channel %s: %w", channelName, err)
	}
	log.Info().Str("channel", channelName).Msg("channel state reset, will re-acquire cold on next run")
	return nil
}
