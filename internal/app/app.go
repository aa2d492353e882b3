// Package app wires the synchronization pipeline together: raw binary
// decoding, per-camera flash detection, stream alignment, divergence
// validation, and changepoint record persistence.
package app

import (
	"context"
	"fmt"
	"log"
	"math"
	"path"
	"strings"
	"sync"

	"github.com/bartulem/usv-playpen/internal/align"
	"github.com/bartulem/usv-playpen/internal/batch"
	"github.com/bartulem/usv-playpen/internal/catalog"
	"github.com/bartulem/usv-playpen/internal/changepoint"
	"github.com/bartulem/usv-playpen/internal/config"
	"github.com/bartulem/usv-playpen/internal/errors"
	"github.com/bartulem/usv-playpen/internal/flash"
	"github.com/bartulem/usv-playpen/internal/observability"
	"github.com/bartulem/usv-playpen/internal/pulse"
	"github.com/bartulem/usv-playpen/internal/rawbin"
	"github.com/bartulem/usv-playpen/internal/storage"
	"github.com/bartulem/usv-playpen/pkg/types"
)

// App holds the shared resources for a batch synchronization run.
type App struct {
	cfg *config.Config

	archive storage.ArchiveStorage
	catalog catalog.Catalog
	records *changepoint.Store
	stats   *observability.RunStats
	runner  *batch.Runner
}

// New creates an App from a resolved configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrCategoryConfig, errors.CodeInvalidConfig,
			"invalid configuration", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, errors.Wrap(errors.ErrCategoryConfig, errors.CodeInvalidConfig,
			"create output directories", err)
	}

	a := &App{
		cfg:     cfg,
		records: changepoint.NewStore(cfg.OutputDir),
		stats:   observability.NewRunStats(),
		runner:  batch.NewRunner(cfg.Batch.Concurrency),
	}

	var err error
	switch cfg.Storage.Type {
	case "s3":
		a.archive, err = storage.NewS3Archive(context.Background(), cfg.Storage.S3.Bucket, storage.S3Config{
			Region:   cfg.Storage.S3.Region,
			Endpoint: cfg.Storage.S3.Endpoint,
		})
	default:
		a.archive, err = storage.NewLocalArchive(cfg.Storage.Path)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Batch.CatalogPath != "" {
		a.catalog, err = catalog.NewCatalog(cfg.Batch.CatalogPath)
		if err != nil {
			return nil, err
		}
	}

	return a, nil
}

// Close releases the catalog connection.
func (a *App) Close() error {
	if a.catalog != nil {
		return a.catalog.Close()
	}
	return nil
}

// Records exposes the changepoint store.
func (a *App) Records() *changepoint.Store {
	return a.records
}

// Stats returns a snapshot of accumulated run statistics.
func (a *App) Stats() observability.Snapshot {
	return a.stats.Snapshot()
}

// CameraResult is the per-camera outcome of one device sync.
type CameraResult struct {
	Serial    string
	Flashes   []types.FlashEvent
	Alignment align.Alignment
	Report    types.DivergenceReport

	// Excluded marks cameras dropped from alignment (no visible LED or
	// no pattern match). The rest of the pipeline keeps the camera.
	Excluded bool
	Err      error
}

// DeviceResult is the outcome of synchronizing one device against the
// session's cameras.
type DeviceResult struct {
	DeviceSerial string
	Pulses       []types.PulseEvent
	Break        types.Break
	Window       types.AlignmentWindow
	Cameras      []CameraResult

	// Best is the index into Cameras of the lowest-discrepancy aligned
	// camera, -1 if every camera was excluded.
	Best int

	Passed bool
}

// FlashCount sums detected flashes across non-excluded cameras.
func (r *DeviceResult) FlashCount() int64 {
	var n int64
	for _, c := range r.Cameras {
		if !c.Excluded {
			n += int64(len(c.Flashes))
		}
	}
	return n
}

// SyncDevice runs decode, per-camera flash matching, alignment,
// validation, and persistence for one device.
func (a *App) SyncDevice(ctx context.Context, job DeviceJob) (*DeviceResult, error) {
	meta, err := rawbin.ParseMetaFile(job.MetaPath)
	if err != nil {
		return nil, errors.NewDecodeError(errors.CodeMetaParseFailed,
			fmt.Sprintf("parse %s: %v", job.MetaPath, err), err).
			ForUnit(job.SessionID, job.DeviceSerial)
	}
	if job.DeviceSerial == "" {
		job.DeviceSerial = meta.ProbeSerial
	}
	if a.cfg.Trigger.SampleRate > 0 {
		meta.SampleRate = a.cfg.Trigger.SampleRate
	}

	reader, err := rawbin.Open(job.BinPath, meta)
	if err != nil {
		return nil, errors.NewDecodeError(errors.CodeBadChannelLayout,
			fmt.Sprintf("open %s: %v", job.BinPath, err), err).
			ForUnit(job.SessionID, job.DeviceSerial)
	}
	defer reader.Close()

	channel, err := reader.Channel(a.cfg.Trigger.Channel)
	if err != nil {
		return nil, errors.NewDecodeError(errors.CodeBadChannelLayout,
			fmt.Sprintf("trigger channel %d: %v", a.cfg.Trigger.Channel, err), err).
			ForUnit(job.SessionID, job.DeviceSerial)
	}

	decoder := &pulse.Decoder{
		Bit:             a.cfg.Trigger.Bit,
		MinPulseSamples: a.cfg.Trigger.MinPulseSamples,
		MinGapSamples:   a.cfg.Trigger.MinGapSamples,
	}

	var pulses []types.PulseEvent
	err = a.stats.TimeStage(observability.StageDecode, func() error {
		var decodeErr error
		if a.cfg.Trigger.CacheDecoded {
			cache := &pulse.Cache{Path: job.BinPath + ".pulses"}
			pulses, decodeErr = decoder.DecodeCached(channel, cache)
		} else {
			pulses, decodeErr = decoder.Decode(channel)
		}
		return decodeErr
	})
	if err != nil {
		a.stats.RecordError(errors.GetCode(err))
		return nil, err
	}

	onsets := types.PulseOnsets(pulses)
	pulseIPIsMS := ipisToMS(onsets, meta.SampleRate)

	window, brk, err := align.TrackingWindow(onsets, 0)
	if err != nil {
		a.stats.RecordError(errors.GetCode(err))
		return nil, err
	}

	result := &DeviceResult{
		DeviceSerial: job.DeviceSerial,
		Pulses:       pulses,
		Break:        brk,
		Window:       window,
		Best:         -1,
	}

	for _, cam := range job.Cameras {
		result.Cameras = append(result.Cameras, a.syncCamera(cam, window, pulseIPIsMS, meta.SampleRate))
	}

	bestDiscrepancy := math.Inf(1)
	for i, cam := range result.Cameras {
		if cam.Excluded {
			continue
		}
		if cam.Report.DiscrepancyMS < bestDiscrepancy {
			bestDiscrepancy = cam.Report.DiscrepancyMS
			result.Best = i
		}
		if cam.Report.Passed {
			result.Passed = true
		}
	}
	// The decode succeeded, so the record's session span, tracking
	// window, and break duration are persisted even when no camera
	// aligned.
	if err := a.persist(job, meta, reader.NumSamples(), result); err != nil {
		return result, err
	}

	if len(job.Cameras) > 0 && result.Best < 0 {
		// Every camera dropped out: the session cannot align.
		err := errors.NewDecodeError(errors.CodeCameraSyncMissing,
			"no camera produced a matching flash sequence", types.ErrCameraSyncMissing).
			ForUnit(job.SessionID, job.DeviceSerial)
		a.stats.RecordError(errors.GetCode(err))
		return result, err
	}
	return result, nil
}

// syncCamera detects and matches one camera's flashes against the pulse
// train, then aligns and validates the two streams. Camera failures are
// contained in the result: alignment proceeds with the other cameras.
func (a *App) syncCamera(cam CameraInput, pulseWindow types.AlignmentWindow, pulseIPIsMS []float64, sampleRate float64) CameraResult {
	result := CameraResult{Serial: cam.Serial}

	boxSide := 2*a.cfg.Video.LEDDeviation + 1
	src, err := flash.OpenSidecar(cam.SidecarPath, boxSide, boxSide)
	if err != nil {
		result.Excluded = true
		result.Err = err
		a.stats.RecordError(errors.CodeCameraSyncMissing)
		return result
	}

	detector := &flash.Detector{
		Threshold:        a.cfg.Video.IntensityThreshold,
		RefractoryFrames: a.cfg.Video.RefractoryFrames,
		FPS:              a.cfg.Video.FPS,
	}

	err = a.stats.TimeStage(observability.StageFlash, func() error {
		// Operator-pinned marker coordinates win over auto-location.
		x, y := a.cfg.Video.LEDX, a.cfg.Video.LEDY
		if x < 0 || y < 0 {
			x, y = src.LocateMarker(a.cfg.Video.FPS)
		}
		series := src.IntensitySeries(x, y)
		flashes, _, detectErr := detector.DetectMatched(series, pulseIPIsMS, a.cfg.Validation.ToleranceMS)
		result.Flashes = flashes
		return detectErr
	})
	if err != nil {
		// NoFlashesDetected and CameraSyncMissing exclude the camera
		// but never the session.
		result.Excluded = true
		result.Err = err
		a.stats.RecordError(errors.GetCode(err))
		return result
	}

	err = a.stats.TimeStage(observability.StageAlign, func() error {
		flashWindow, _, alignErr := align.TrackingWindow(types.FlashOnsets(result.Flashes), 0)
		if alignErr != nil {
			return alignErr
		}
		aligner := align.Aligner{RateA: sampleRate, RateB: a.cfg.Video.FPS}
		result.Alignment, alignErr = aligner.Align(pulseWindow, flashWindow)
		return alignErr
	})
	if err != nil {
		result.Excluded = true
		result.Err = err
		a.stats.RecordError(errors.GetCode(err))
		return result
	}

	validator := align.Validator{ToleranceMS: a.cfg.Validation.ToleranceMS}
	result.Report = validator.Validate(result.Alignment)
	a.stats.RecordDivergence(result.Report.DiscrepancyMS, result.Report.Passed)
	return result
}

// persist merges the device's outcome into its changepoint record.
func (a *App) persist(job DeviceJob, meta rawbin.Meta, numSamples int64, result *DeviceResult) error {
	update := changepoint.NewRecord(job.SessionID, job.DeviceSerial)
	update.RootDirectory = a.cfg.RootDirectory
	update.TotalChannels = meta.TotalChannels
	update.FileDurationSamples = numSamples
	update.SessionStartEnd = &changepoint.Span{Start: 0, End: numSamples}
	update.TrackingStartEnd = &changepoint.Span{
		Start: result.Window.TrackingStart,
		End:   result.Window.TrackingEnd,
	}
	duration := result.Break.Duration
	update.LargestBreakDuration = &duration
	if result.Best >= 0 {
		report := result.Cameras[result.Best].Report
		update.Divergence = &report
	}

	return a.stats.TimeStage(observability.StagePersist, func() error {
		if _, err := a.records.Upsert(update); err != nil {
			a.stats.RecordError(errors.GetCode(err))
			return err
		}
		return nil
	})
}

// DeviceOutcome pairs a device job with its pipeline result.
type DeviceOutcome struct {
	RunID  string
	Job    DeviceJob
	Result *DeviceResult
	Err    error
}

// SyncSessions runs all device jobs with bounded parallelism and
// records every outcome in the catalog. A failing device never stops
// its siblings.
func (a *App) SyncSessions(ctx context.Context, jobs []DeviceJob) []DeviceOutcome {
	units := make([]batch.Unit, len(jobs))
	jobByKey := make(map[string]int, len(jobs))
	for i, job := range jobs {
		units[i] = batch.Unit{SessionID: job.SessionID, DeviceSerial: job.DeviceSerial}
		jobByKey[job.SessionID+"/"+job.DeviceSerial] = i
	}

	results := make([]*DeviceResult, len(jobs))
	var mu sync.Mutex

	outcomes := a.runner.Run(ctx, units, func(ctx context.Context, unit batch.Unit) error {
		mu.Lock()
		i := jobByKey[unit.SessionID+"/"+unit.DeviceSerial]
		mu.Unlock()

		result, err := a.SyncDevice(ctx, jobs[i])

		mu.Lock()
		results[i] = result
		mu.Unlock()
		return err
	})

	deviceOutcomes := make([]DeviceOutcome, len(jobs))
	for i, o := range outcomes {
		deviceOutcomes[i] = DeviceOutcome{
			RunID:  o.RunID,
			Job:    jobs[i],
			Result: results[i],
			Err:    o.Err,
		}
		a.recordRun(ctx, deviceOutcomes[i])
	}
	return deviceOutcomes
}

// recordRun writes one outcome to the sync-run catalog.
func (a *App) recordRun(ctx context.Context, outcome DeviceOutcome) {
	if a.catalog == nil {
		return
	}

	run := &catalog.Run{
		RunID:        outcome.RunID,
		SessionID:    outcome.Job.SessionID,
		DeviceSerial: outcome.Job.DeviceSerial,
		RecordPath:   a.records.Path(outcome.Job.SessionID, outcome.Job.DeviceSerial),
	}
	if result := outcome.Result; result != nil {
		run.PulseCount = int64(len(result.Pulses))
		run.FlashCount = result.FlashCount()
		run.Passed = result.Passed
		if result.Best >= 0 {
			d := result.Cameras[result.Best].Report.DiscrepancyMS
			run.DiscrepancyMS = &d
		}
	}
	if outcome.Err != nil {
		code := errors.GetCode(outcome.Err)
		run.ErrorCode = &code
	}

	if err := a.catalog.RecordRun(ctx, run); err != nil {
		log.Printf("app: session=%s device=%s catalog write failed: %v",
			outcome.Job.SessionID, outcome.Job.DeviceSerial, err)
	}
}

// layout is the archive key scheme shared by fetch and publish.
var layout = storage.SessionLayout{Prefix: "playpen"}

// FetchSessionInputs pulls a session's archived raw inputs into the
// configured root directory before decoding. Companion files download
// ahead of the large binaries so a bad layout fails fast; previously
// fetched files are reused.
func (a *App) FetchSessionInputs(ctx context.Context, sessionID string) error {
	prefix := layout.SessionPrefix(sessionID)
	objects, err := a.archive.List(ctx, prefix)
	if err != nil {
		return err
	}

	var paths []string
	var priority []int
	for _, obj := range objects {
		if strings.HasPrefix(strings.TrimPrefix(obj, prefix), "sync/") {
			// Published records are outputs, not inputs.
			continue
		}
		paths = append(paths, obj)
		base := path.Base(obj)
		if strings.HasSuffix(base, ".meta") || strings.HasPrefix(base, "led_box_") {
			priority = append(priority, 0)
		} else {
			priority = append(priority, 1)
		}
	}
	if len(paths) == 0 {
		return errors.NewStorageError(errors.CodeObjectNotFound,
			fmt.Sprintf("no archived inputs for session %s", sessionID), nil)
	}

	fetcher := storage.NewSessionFetcher(a.archive, a.cfg.Batch.Concurrency, a.cfg.RootDirectory)
	result, err := fetcher.Fetch(ctx, &storage.FetchRequest{
		ObjectPaths: paths,
		Priority:    priority,
		TrimPrefix:  prefix,
	})
	if err != nil {
		return err
	}
	for obj, fetchErr := range result.Errors {
		return errors.NewStorageError(errors.CodeDownloadFailed,
			fmt.Sprintf("fetch %s: %v", obj, fetchErr), fetchErr)
	}

	log.Printf("app: session=%s fetched %d object(s), reused %d",
		sessionID, result.Fetched, result.CacheHits)
	return nil
}

// PublishRecords uploads a session's changepoint records to the archive.
func (a *App) PublishRecords(ctx context.Context, sessionID string, deviceSerials []string) error {
	for _, serial := range deviceSerials {
		local := a.records.Path(sessionID, serial)
		if err := a.archive.Put(ctx, local, layout.RecordKey(sessionID, serial)); err != nil {
			return err
		}
	}
	return nil
}

// ipisToMS converts onset gaps in native units to milliseconds.
func ipisToMS(onsets []int64, rate float64) []float64 {
	gaps := types.InterEventIntervals(onsets)
	ms := make([]float64, len(gaps))
	for i, g := range gaps {
		ms[i] = float64(g) / rate * 1000
	}
	return ms
}
