package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/smazurov/tofnode/cmd"
	"github.com/smazurov/tofnode/internal/api"
	"github.com/smazurov/tofnode/internal/capture"
	"github.com/smazurov/tofnode/internal/config"
	"github.com/smazurov/tofnode/internal/devices"
	"github.com/smazurov/tofnode/internal/events"
	"github.com/smazurov/tofnode/internal/led"
	"github.com/smazurov/tofnode/internal/logging"
	"github.com/smazurov/tofnode/internal/metrics/exporters"
	"github.com/smazurov/tofnode/internal/systemd"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port string `help:"Port to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`

	// Sensor settings
	SensorDevice          string  `help:"Capture node or stable device id" default:"/dev/video0" toml:"sensor.device" env:"SENSOR_DEVICE"`
	SensorProfile         string  `help:"Sensor profile: generic, bo410 or bo548" default:"generic" toml:"sensor.profile" env:"SENSOR_PROFILE"`
	SensorFrequencyHz     float64 `help:"Generic profile modulation frequency in Hz" default:"20000000" toml:"sensor.frequency_hz" env:"SENSOR_FREQUENCY_HZ"`
	SensorOrientation     int     `help:"Generic profile orientation in degrees" default:"0" toml:"sensor.orientation" env:"SENSOR_ORIENTATION"`
	SensorRangeMM         int     `help:"BO410 range in millimetres (2000 or 4000)" default:"2000" toml:"sensor.range_mm" env:"SENSOR_RANGE_MM"`
	SensorSubdevice       string  `help:"BO410 sensor sub-device" default:"" toml:"sensor.subdevice" env:"SENSOR_SUBDEVICE"`
	SensorCSISubdevice    string  `help:"BO548 CSI receiver sub-device" default:"" toml:"sensor.csi_subdevice" env:"SENSOR_CSI_SUBDEVICE"`
	SensorSensorSubdevice string  `help:"BO548 sensor sub-device" default:"" toml:"sensor.sensor_subdevice" env:"SENSOR_SENSOR_SUBDEVICE"`
	SensorDouble          bool    `help:"BO548 dual-frequency mode" default:"false" toml:"sensor.double" env:"SENSOR_DOUBLE"`
	SensorVFlip           bool    `help:"BO548 vertical flip" default:"false" toml:"sensor.vflip" env:"SENSOR_VFLIP"`
	SensorHFlip           bool    `help:"BO548 horizontal flip" default:"false" toml:"sensor.hflip" env:"SENSOR_HFLIP"`

	// Capture settings
	CaptureBuffers       int     `help:"Capture buffers, 0 uses the profile default" default:"0" toml:"capture.buffers" env:"CAPTURE_BUFFERS"`
	CaptureMemory        string  `help:"Buffer memory: mmap or dmabuf, empty uses the profile default" default:"" toml:"capture.memory" env:"CAPTURE_MEMORY"`
	CaptureHeap          string  `help:"DMA heap for dmabuf memory" default:"" toml:"capture.heap" env:"CAPTURE_HEAP"`
	CaptureMinConfidence float64 `help:"Confidence below which pixels are left out of statistics" default:"0" toml:"capture.min_confidence" env:"CAPTURE_MIN_CONFIDENCE"`
	CaptureRetryDelay    string  `help:"Delay before reopening a failed device" default:"2s" toml:"capture.retry_delay" env:"CAPTURE_RETRY_DELAY"`

	// Replay settings
	Replay    string  `help:"Replay a recording directory instead of opening the device" default:"" toml:"replay.dir" env:"REPLAY_DIR"`
	ReplayFPS float64 `help:"Replay pacing in frames per second" default:"30" toml:"replay.fps" env:"REPLAY_FPS"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Status LED settings
	LedEnabled bool   `help:"Show capture state on a board LED" default:"false" toml:"led.enabled" env:"LED_ENABLED"`
	LedName    string `help:"LED under /sys/class/leds, empty detects the board" default:"" toml:"led.name" env:"LED_NAME"`

	// Observability settings
	ObsPrometheusEnabled bool `help:"Serve Prometheus metrics on /metrics" default:"true" toml:"obs.prometheus_enabled" env:"OBS_PROMETHEUS_ENABLED"`

	// Logging settings
	LoggingLevel   string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat  string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingCapture string `help:"Capture logging level" default:"info" toml:"logging.capture" env:"LOGGING_CAPTURE"`
	LoggingDepth   string `help:"Depth processing logging level" default:"info" toml:"logging.depth" env:"LOGGING_DEPTH"`
	LoggingDevices string `help:"Devices logging level" default:"info" toml:"logging.devices" env:"LOGGING_DEVICES"`
	LoggingAPI     string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
	LoggingHTTP    string `help:"HTTP request logging level" default:"info" toml:"logging.http" env:"LOGGING_HTTP"`
	LoggingConfig  string `help:"Config watcher logging level" default:"info" toml:"logging.config" env:"LOGGING_CONFIG"`
	LoggingLED     string `help:"Status LED logging level" default:"info" toml:"logging.led" env:"LOGGING_LED"`
}

func (o *Options) sensorOptions() cmd.SensorOptions {
	return cmd.SensorOptions{
		Device:          o.SensorDevice,
		Profile:         o.SensorProfile,
		FrequencyHz:     o.SensorFrequencyHz,
		Orientation:     o.SensorOrientation,
		RangeMM:         o.SensorRangeMM,
		Subdevice:       o.SensorSubdevice,
		CSISubdevice:    o.SensorCSISubdevice,
		SensorSubdevice: o.SensorSensorSubdevice,
		Double:          o.SensorDouble,
		VFlip:           o.SensorVFlip,
		HFlip:           o.SensorHFlip,
		NumBuffers:      o.CaptureBuffers,
		Memory:          o.CaptureMemory,
		HeapPath:        o.CaptureHeap,
		MinConfidence:   o.CaptureMinConfidence,
		Replay:          o.Replay,
		ReplayFPS:       o.ReplayFPS,
	}
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Load configuration automatically
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		logging.Initialize(logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				"capture": opts.LoggingCapture,
				"depth":   opts.LoggingDepth,
				"devices": opts.LoggingDevices,
				"api":     opts.LoggingAPI,
				"http":    opts.LoggingHTTP,
				"config":  opts.LoggingConfig,
				"led":     opts.LoggingLED,
			},
		})
		logger := logging.GetLogger("main")

		// Create event bus for in-process event handling
		eventBus := events.New()

		proc, err := config.LoadProcessing(opts.Config)
		if err != nil {
			logger.Warn("Invalid processing settings, using defaults", "error", err)
			proc = config.DefaultProcessing()
		}

		retryDelay, err := time.ParseDuration(opts.CaptureRetryDelay)
		if err != nil {
			retryDelay = capture.DefaultRetryDelay
		}

		supervisor, err := capture.New(capture.Options{
			Open:       opts.sensorOptions().Opener(eventBus, logging.GetLogger("depth")),
			Processing: proc,
			RetryDelay: retryDelay,
			Publisher:  eventBus,
			Logger:     logging.GetLogger("capture"),
		})
		if err != nil {
			logger.Error("Failed to create capture supervisor", "error", err)
			os.Exit(1)
		}

		// Stop the session when its device disappears
		unsubscribeHotplug := eventBus.Subscribe(supervisor.DeviceChanged)

		// Hot reload of the [processing] table
		watcher := config.NewConfigWatcher(opts.Config, config.LoadProcessing, logging.GetLogger("config"),
			config.WithErrorHandler[config.Processing](func(err error) {
				logger.Warn("Ignoring invalid processing settings", "error", err)
			}))
		watcher.OnReload(func(p config.Processing) {
			if p == supervisor.Settings() {
				return
			}
			if applyErr := supervisor.Apply(p, "file"); applyErr != nil {
				logger.Warn("Failed to apply reloaded processing settings", "error", applyErr)
			}
		})

		var ledManager *led.Manager
		if opts.LedEnabled {
			ledLogger := logging.GetLogger("led")
			ledManager = led.NewManager(led.New(opts.LedName, ledLogger), eventBus, ledLogger)
		}

		detector := devices.NewDetector()
		apiOpts := &api.Options{
			AuthUsername:   opts.AuthUsername,
			AuthPassword:   opts.AuthPassword,
			Pipeline:       supervisor,
			Detector:       detector,
			EventBus:       eventBus,
			ProcessingFile: opts.Config,
		}
		if opts.ObsPrometheusEnabled {
			apiOpts.PrometheusHandler = exporters.HTTPHandler()
		}
		server := api.NewServer(apiOpts)

		ctx, cancel := context.WithCancel(context.Background())
		captureDone := make(chan struct{})
		notifier := systemd.NewNotifier(logger)

		hooks.OnStart(func() {
			if startErr := watcher.Start(); startErr != nil {
				logger.Warn("Processing hot reload disabled", "path", opts.Config, "error", startErr)
			}

			if ledManager != nil {
				ledManager.Start()
			}

			if opts.Replay == "" {
				go func() {
					if watchErr := detector.Watch(ctx, eventBus); watchErr != nil && !errors.Is(watchErr, context.Canceled) {
						logger.Warn("Hotplug monitoring unavailable", "error", watchErr)
					}
				}()
			}

			go func() {
				defer close(captureDone)
				if runErr := supervisor.Run(ctx); runErr != nil {
					logger.Error("Capture supervisor stopped", "error", runErr)
				}
			}()

			go notifier.Watchdog(ctx, capturing(supervisor))
			notifier.Ready()

			logger.Info("Starting HTTP server", "port", opts.Port)
			if startErr := server.Start(opts.Port); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
				logger.Error("Failed to start HTTP server", "error", startErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down server")
			notifier.Stopping()
			if stopErr := server.Stop(); stopErr != nil {
				logger.Error("Error stopping HTTP server", "error", stopErr)
			}

			cancel()
			select {
			case <-captureDone:
			case <-time.After(5 * time.Second):
				logger.Warn("Capture loop did not stop in time")
			}

			unsubscribeHotplug()
			if ledManager != nil {
				ledManager.Stop()
			}
			if stopErr := watcher.Stop(); stopErr != nil {
				logger.Warn("Error stopping config watcher", "error", stopErr)
			}
		})
	})

	root := cli.Root()
	root.Use = "tofnode"
	root.Short = "Time-of-flight depth capture node"
	root.AddCommand(
		cmd.CreateCaptureCmd(),
		cmd.CreateRecordCmd(),
		cmd.CreateBenchCmd(),
		cmd.CreateDevicesCmd(),
		cmd.CreateVersionCmd(),
	)

	cli.Run()
}

// capturing reports whether a running session has delivered frames since the
// previous call. Sessions that are starting or waiting for a device count as
// healthy; the supervisor retries those on its own.
func capturing(sup *capture.Supervisor) func() bool {
	var lastFrames uint64
	return func() bool {
		st := sup.Status()
		if st.State != capture.StateRunning {
			return true
		}
		progressed := st.Frames != lastFrames
		lastFrames = st.Frames
		return progressed
	}
}
