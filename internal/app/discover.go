package app

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bartulem/usv-playpen/internal/errors"
)

// CameraInput names one camera's LED sidecar file.
type CameraInput struct {
	Serial      string
	SidecarPath string
}

// DeviceJob describes one device's inputs within a session: the raw
// binary, its companion meta file, and the session's camera sidecars.
type DeviceJob struct {
	SessionID    string
	DeviceSerial string
	BinPath      string
	MetaPath     string
	Cameras      []CameraInput
}

// DiscoverJobs walks a session root and builds one job per recording.
// A recording is a *_t0.imec.ap.bin (or any *.bin) with a sibling .meta
// file; cameras are led_box_<serial>.bin sidecars anywhere under the
// root. The session ID is the root directory's base name.
func DiscoverJobs(root string, cameraSerials []string) ([]DeviceJob, error) {
	sessionID := filepath.Base(filepath.Clean(root))

	var metaPaths []string
	var cameras []CameraInput

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		name := info.Name()
		switch {
		case strings.HasSuffix(name, ".meta"):
			metaPaths = append(metaPaths, path)
		case strings.HasPrefix(name, "led_box_") && strings.HasSuffix(name, ".bin"):
			serial := strings.TrimSuffix(strings.TrimPrefix(name, "led_box_"), ".bin")
			if len(cameraSerials) > 0 && !containsString(cameraSerials, serial) {
				return nil
			}
			cameras = append(cameras, CameraInput{Serial: serial, SidecarPath: path})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCategoryConfig, errors.CodeInvalidConfig,
			"walk session root", err)
	}

	sort.Strings(metaPaths)
	sort.Slice(cameras, func(i, j int) bool { return cameras[i].Serial < cameras[j].Serial })

	var jobs []DeviceJob
	for _, metaPath := range metaPaths {
		binPath := strings.TrimSuffix(metaPath, ".meta") + ".bin"
		if _, err := os.Stat(binPath); err != nil {
			continue
		}
		jobs = append(jobs, DeviceJob{
			SessionID:    sessionID,
			DeviceSerial: deviceSerialFromPath(binPath),
			BinPath:      binPath,
			MetaPath:     metaPath,
			Cameras:      cameras,
		})
	}
	return jobs, nil
}

// deviceSerialFromPath derives a fallback serial from the recording
// filename; the meta file's probe serial overrides it when present.
func deviceSerialFromPath(binPath string) string {
	name := strings.TrimSuffix(filepath.Base(binPath), ".bin")
	if i := strings.Index(name, "_t0"); i > 0 {
		return name[:i]
	}
	return name
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
