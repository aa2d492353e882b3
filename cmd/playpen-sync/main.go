// Package main implements the playpen-sync binary: it decodes the
// shared trigger pulses from a session's raw recordings, matches them
// against each camera's LED flashes, aligns the streams, and writes
// changepoint records plus a pass/fail summary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/bartulem/usv-playpen/internal/app"
	"github.com/bartulem/usv-playpen/internal/batch"
	"github.com/bartulem/usv-playpen/internal/config"
	"github.com/bartulem/usv-playpen/internal/lifecycle"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile     string
		rootDir        string
		triggerChannel int
		triggerBit     int
		sampleRate     float64
		fps            float64
		ledX           int
		ledY           int
		ledDeviation   int
		threshold      float64
		refractory     int
		toleranceMS    float64
		storageType    string
		concurrency    int
		noCache        bool
		fetchInputs    bool
		publish        bool
		showVersion    bool
		showHelp       bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&rootDir, "root", "", "Session root directory")
	flag.IntVar(&triggerChannel, "trigger-channel", -1, "Channel index carrying the trigger line (-1 = last)")
	flag.IntVar(&triggerBit, "bit", 0, "Bit position of the digital line (negative = level threshold)")
	flag.Float64Var(&sampleRate, "sample-rate", 0, "Device sampling rate in Hz")
	flag.Float64Var(&fps, "fps", 0, "Camera frame rate")
	flag.IntVar(&ledX, "led-x", -1, "Pinned LED marker x inside the search box (-1 = auto-locate)")
	flag.IntVar(&ledY, "led-y", -1, "Pinned LED marker y inside the search box (-1 = auto-locate)")
	flag.IntVar(&ledDeviation, "led-deviation", 0, "Allowed LED marker drift in pixels")
	flag.Float64Var(&threshold, "intensity-threshold", 0, "Relative intensity change threshold (0-1)")
	flag.IntVar(&refractory, "refractory", 0, "Refractory window in frames")
	flag.Float64Var(&toleranceMS, "tolerance-ms", 0, "Divergence tolerance in milliseconds")
	flag.StringVar(&storageType, "storage", "", "Storage type: local, s3")
	flag.IntVar(&concurrency, "concurrency", 0, "Parallel work units")
	flag.BoolVar(&noCache, "no-cache", false, "Disable the decoded-pulse companion cache")
	flag.BoolVar(&fetchInputs, "fetch", false, "Fetch the session's archived inputs into the root directory first")
	flag.BoolVar(&publish, "publish", false, "Publish changepoint records to the archive after syncing")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "playpen-sync - cross-device clock alignment for playpen sessions\n\n")
		fmt.Fprintf(os.Stderr, "Usage: playpen-sync [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  playpen-sync --root /data/20260830_pilot\n")
		fmt.Fprintf(os.Stderr, "  playpen-sync --root /data/20260830_pilot --sample-rate 250000 --fps 150\n")
		fmt.Fprintf(os.Stderr, "  playpen-sync --config /etc/playpen/sync.yaml\n")
		fmt.Fprintf(os.Stderr, "  playpen-sync --root /scratch/20260830_pilot --storage s3 --fetch --publish\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  PLAYPEN_ROOT_DIRECTORY   Session root directory\n")
		fmt.Fprintf(os.Stderr, "  PLAYPEN_TRIGGER_CHANNEL  Trigger channel index\n")
		fmt.Fprintf(os.Stderr, "  PLAYPEN_TOLERANCE_MS     Divergence tolerance\n")
		fmt.Fprintf(os.Stderr, "  PLAYPEN_STORAGE_TYPE     Storage type (local, s3)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if showVersion {
		fmt.Printf("playpen-sync version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Command line flags take highest priority. Channel, bit, and the
	// LED coordinates accept zero and negative values, so apply them
	// only when set explicitly.
	if rootDir != "" {
		cfg.RootDirectory = rootDir
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "trigger-channel":
			cfg.Trigger.Channel = triggerChannel
		case "bit":
			cfg.Trigger.Bit = triggerBit
		case "led-x":
			cfg.Video.LEDX = ledX
		case "led-y":
			cfg.Video.LEDY = ledY
		}
	})
	if sampleRate > 0 {
		cfg.Trigger.SampleRate = sampleRate
	}
	if fps > 0 {
		cfg.Video.FPS = fps
	}
	if ledDeviation > 0 {
		cfg.Video.LEDDeviation = ledDeviation
	}
	if threshold > 0 {
		cfg.Video.IntensityThreshold = threshold
	}
	if refractory > 0 {
		cfg.Video.RefractoryFrames = refractory
	}
	if toleranceMS > 0 {
		cfg.Validation.ToleranceMS = toleranceMS
	}
	if storageType != "" {
		cfg.Storage.Type = storageType
	}
	if concurrency > 0 {
		cfg.Batch.Concurrency = concurrency
	}
	if noCache {
		cfg.Trigger.CacheDecoded = false
	}

	lc := lifecycle.NewManager()
	defer lc.Close()

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	lc.RegisterCloser(lifecycle.CloserFunc(application.Close))

	if fetchInputs {
		sessionID := filepath.Base(cfg.RootDirectory)
		if err := application.FetchSessionInputs(lc.Context(), sessionID); err != nil {
			log.Fatalf("Failed to fetch archived inputs for %s: %v", sessionID, err)
		}
	}

	jobs, err := app.DiscoverJobs(cfg.RootDirectory, cfg.Video.CameraSerials)
	if err != nil {
		log.Fatalf("Failed to scan session root: %v", err)
	}
	if len(jobs) == 0 {
		log.Fatalf("No recordings found under %s", cfg.RootDirectory)
	}

	printBanner(cfg, len(jobs))

	outcomes := application.SyncSessions(lc.Context(), jobs)
	code := printSummary(application, outcomes)
	if publish {
		if err := publishOutcomes(lc.Context(), application, outcomes); err != nil {
			log.Printf("Failed to publish records: %v", err)
			code = 1
		}
	}
	if err := lc.Close(); err != nil {
		log.Printf("Cleanup failed: %v", err)
	}
	os.Exit(code)
}

// publishOutcomes uploads the changepoint record of every device that
// produced one, grouped per session.
func publishOutcomes(ctx context.Context, application *app.App, outcomes []app.DeviceOutcome) error {
	bySession := make(map[string][]string)
	for _, o := range outcomes {
		if o.Result != nil {
			bySession[o.Job.SessionID] = append(bySession[o.Job.SessionID], o.Job.DeviceSerial)
		}
	}
	for sessionID, serials := range bySession {
		if err := application.PublishRecords(ctx, sessionID, serials); err != nil {
			return err
		}
		log.Printf("Published %d record(s) for session %s", len(serials), sessionID)
	}
	return nil
}

func loadConfig(configFile string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)
	return cfg, nil
}

func printBanner(cfg *config.Config, numJobs int) {
	log.Printf("playpen-sync %s", version)
	log.Printf("  Root:        %s", cfg.RootDirectory)
	log.Printf("  Sample rate: %g Hz, trigger channel %d bit %d", cfg.Trigger.SampleRate, cfg.Trigger.Channel, cfg.Trigger.Bit)
	log.Printf("  Video:       %g fps, threshold %.2f", cfg.Video.FPS, cfg.Video.IntensityThreshold)
	log.Printf("  Tolerance:   %g ms", cfg.Validation.ToleranceMS)
	log.Printf("  Recordings:  %d (concurrency %d)", numJobs, cfg.Batch.Concurrency)
}

// printSummary reports the per-device outcomes and returns the process
// exit code: non-zero when any device failed to decode or validate.
func printSummary(application *app.App, outcomes []app.DeviceOutcome) int {
	exitCode := 0

	for _, o := range outcomes {
		unit := fmt.Sprintf("%s/%s", o.Job.SessionID, o.Job.DeviceSerial)
		switch {
		case o.Err != nil:
			log.Printf("FAIL %s: %v", unit, o.Err)
			exitCode = 1
		case o.Result != nil && !o.Result.Passed && len(o.Job.Cameras) > 0:
			best := o.Result.Cameras[o.Result.Best].Report
			log.Printf("FAIL %s: divergence %.2f ms exceeds tolerance %.2f ms",
				unit, best.DiscrepancyMS, best.ToleranceMS)
			exitCode = 1
		default:
			log.Printf("PASS %s: %d pulses, %d flashes", unit, len(o.Result.Pulses), o.Result.FlashCount())
			for _, cam := range o.Result.Cameras {
				if cam.Excluded {
					log.Printf("  WARN camera %s excluded: %v", cam.Serial, cam.Err)
				} else {
					log.Printf("  camera %s: discrepancy %.2f ms", cam.Serial, cam.Report.DiscrepancyMS)
				}
			}
		}
	}

	snap := application.Stats()
	log.Printf("Summary: %d passed, %d failed (p50 %.2f ms, p95 %.2f ms)",
		snap.Passed, snap.Failed, snap.DiscrepancyP50, snap.DiscrepancyP95)
	_, _, warned := batch.Summarize(toBatchOutcomes(outcomes))
	if len(warned) > 0 {
		log.Printf("  %d unit(s) ended with recoverable warnings", len(warned))
	}
	return exitCode
}

func toBatchOutcomes(outcomes []app.DeviceOutcome) []batch.Outcome {
	converted := make([]batch.Outcome, len(outcomes))
	for i, o := range outcomes {
		converted[i] = batch.Outcome{
			RunID: o.RunID,
			Unit:  batch.Unit{SessionID: o.Job.SessionID, DeviceSerial: o.Job.DeviceSerial},
			Err:   o.Err,
		}
	}
	return converted
}
