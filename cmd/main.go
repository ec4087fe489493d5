package main

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"geotracker/internal/api"
	"geotracker/internal/config"
	"geotracker/internal/db"
	"geotracker/internal/geocode"
	"geotracker/internal/hub"
	"geotracker/internal/live"
	"geotracker/internal/metrics"
	"geotracker/internal/tracker"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "geotracker",
		Short: "GPS tracker ingestion and live tracking server",
		Long: `Receives OsmAnd-style position reports from GPS trackers, keeps a
time-bounded history per device, maintains a live view of current positions,
and streams updates to connected viewers.`,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (optional)")

	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(pruneCmd())
	rootCmd.AddCommand(statsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger()
}

// serverCmd runs the tracker engine and its HTTP surface.
func serverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the tracker server",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}

			logger := newLogger(conf.Logger.Level)
			logger.Info().Str("app", conf.AppName).Msg("starting")

			// Schema init failure is the one fatal storage error.
			database, err := db.New(conf.Database.Path)
			if err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			var rec metrics.Recorder = metrics.Noop{}
			if conf.Metrics.Enabled {
				rec = metrics.NewPrometheusRecorder()
			}

			svc := tracker.NewService(database, live.NewTable(), hub.New(), rec, logger, conf.Retention)

			if n, err := svc.Rebuild(); err != nil {
				// The roster rebuilds lazily from incoming reports if the
				// store is unreadable right now; keep serving.
				logger.Error().Err(err).Msg("live roster rebuild failed")
			} else {
				logger.Info().Int("devices", n).Msg("live roster rebuilt from history")
			}

			svc.StartSweeper()
			defer svc.StopSweeper()

			geocoder := geocode.NewClient(conf.Geocode.BaseURL, conf.Geocode.UserAgent, conf.Geocode.Timeout)

			server := api.NewServer(svc, database, geocoder, rec, logger, api.Options{
				RetentionWindow: conf.Retention.Window,
				CacheEnabled:    conf.Cache.Enabled,
				CacheSize:       conf.Cache.Size,
				CacheTTL:        conf.Cache.TTL,
				MetricsEnabled:  conf.Metrics.Enabled,
			})

			addr := conf.Server.Host + ":" + strconv.Itoa(conf.Server.Port)
			httpServer := &http.Server{
				Addr:         addr,
				Handler:      server.Router(),
				ReadTimeout:  conf.Server.ReadTimeout,
				WriteTimeout: conf.Server.WriteTimeout,
				IdleTimeout:  60 * time.Second,
			}

			serverErr := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", addr).Msg("listening")
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					serverErr <- err
				}
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

			select {
			case <-stop:
				logger.Info().Msg("shutdown signal received")
			case err := <-serverErr:
				return fmt.Errorf("server error: %w", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(ctx); err != nil {
				return err
			}

			// Let outstanding history writes land before closing the store.
			svc.Flush()
			logger.Info().Msg("gracefully stopped")
			return nil
		},
	}
}

// simulateCmd drives fake devices circling a point, posting reports to a
// running server.
func simulateCmd() *cobra.Command {
	var (
		target   string
		devices  int
		interval time.Duration
		lat      float64
		lon      float64
		radius   float64
		speedKmh float64
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Simulate moving trackers posting reports to a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			const earthRadius = 6371000.0

			type device struct {
				id       string
				name     string
				angle    float64
				battery  float64
				hasBatt  bool
				charging bool
			}

			sims := make([]*device, 0, devices)
			for i := 0; i < devices; i++ {
				d := &device{
					id:    fmt.Sprintf("SIM-%d", i+1),
					name:  fmt.Sprintf("Simulated Device %d", i+1),
					angle: 2 * math.Pi * float64(i) / float64(devices),
				}
				// Every other device reports battery state.
				if i%2 == 0 {
					d.hasBatt = true
					d.battery = 95 - float64(i)*10
					d.charging = i%4 == 0
				}
				sims = append(sims, d)
			}

			speedMps := speedKmh * 1000 / 3600
			anglePerTick := speedMps * interval.Seconds() / radius

			fmt.Printf("Simulating %d trackers circling %.4f,%.4f at %.0f km/h (reports every %s)\n",
				devices, lat, lon, speedKmh, interval)

			client := &http.Client{Timeout: 10 * time.Second}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

			for {
				select {
				case <-stop:
					return nil
				case <-ticker.C:
					for _, d := range sims {
						d.angle = math.Mod(d.angle+anglePerTick, 2*math.Pi)
						pLat := lat + (radius/earthRadius)*(180/math.Pi)*math.Cos(d.angle)
						pLon := lon + (radius/earthRadius)*(180/math.Pi)*math.Sin(d.angle)/math.Cos(lat*math.Pi/180)
						bearing := math.Mod(d.angle*180/math.Pi+90, 360)

						if d.hasBatt {
							if d.charging {
								d.battery = math.Min(100, d.battery+0.05)
							} else {
								d.battery = math.Max(0, d.battery-0.01)
							}
						}

						form := url.Values{
							"id":         {d.id},
							"devicename": {d.name},
							"lat":        {strconv.FormatFloat(pLat, 'f', 6, 64)},
							"lon":        {strconv.FormatFloat(pLon, 'f', 6, 64)},
							"timestamp":  {strconv.FormatInt(time.Now().Unix(), 10)},
							"speed":      {strconv.FormatFloat(speedKmh, 'f', 1, 64)},
							"bearing":    {strconv.FormatFloat(bearing, 'f', 1, 64)},
							"altitude":   {"35"},
							"accuracy":   {"5"},
						}
						if d.hasBatt {
							form.Set("batt", strconv.FormatFloat(d.battery, 'f', 2, 64))
							form.Set("charge", strconv.FormatBool(d.charging))
						}

						resp, err := client.PostForm(strings.TrimSuffix(target, "/")+"/osmand", form)
						if err != nil {
							fmt.Printf("[%s] send error: %v\n", d.id, err)
							continue
						}
						resp.Body.Close()
						fmt.Printf("[%s] lat=%.5f lon=%.5f bearing=%.0f -> %s\n",
							d.id, pLat, pLon, bearing, resp.Status)
					}
				}
			}
		},
	}

	cmd.Flags().StringVarP(&target, "url", "u", "http://localhost:8080", "Server base URL")
	cmd.Flags().IntVarP(&devices, "devices", "n", 3, "Number of simulated devices")
	cmd.Flags().DurationVarP(&interval, "interval", "i", 10*time.Second, "Report interval")
	cmd.Flags().Float64Var(&lat, "lat", 48.8566, "Center latitude")
	cmd.Flags().Float64Var(&lon, "lon", 2.3522, "Center longitude")
	cmd.Flags().Float64Var(&radius, "radius", 1000, "Circle radius in meters")
	cmd.Flags().Float64Var(&speedKmh, "speed", 10, "Speed in km/h")
	return cmd
}

// pruneCmd runs a one-shot retention prune across all devices.
func pruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete history outside the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}

			database, err := db.New(conf.Database.Path)
			if err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			deleted, err := database.PruneAll(conf.Retention.Window, time.Now())
			if err != nil {
				return fmt.Errorf("prune error: %w", err)
			}

			fmt.Printf("Pruned %s record(s) older than %s\n", humanize.Comma(deleted), conf.Retention.Window)
			return nil
		},
	}
}

// statsCmd prints history store statistics.
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show history store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}

			database, err := db.New(conf.Database.Path)
			if err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			stats, err := database.GetStats()
			if err != nil {
				return fmt.Errorf("stats error: %w", err)
			}

			fmt.Println("Tracker history statistics")
			fmt.Println("==========================")
			fmt.Printf("  Records:   %s\n", humanize.Comma(stats.TotalRecords))
			fmt.Printf("  Devices:   %s\n", humanize.Comma(stats.Devices))
			fmt.Printf("  Database:  %s\n", conf.Database.Path)
			if stats.TotalRecords > 0 {
				fmt.Printf("  Oldest:    %s\n", humanize.Time(time.UnixMilli(stats.OldestMs)))
				fmt.Printf("  Newest:    %s\n", humanize.Time(time.UnixMilli(stats.NewestMs)))
			}
			return nil
		},
	}
}
