package resources

import (
	"os"
	"path/filepath"
)

// FileProbe reports a resource available when the file named by path exists
// and is non-empty. path is re-evaluated on every probe so a settings change
// is picked up by the next Refresh. gpuReady may be nil.
func FileProbe(path func() string, gpuReady func() bool) Probe {
	return func() ProbeResult {
		p := path()
		res := ProbeResult{Detail: filepath.Base(p)}
		if gpuReady != nil {
			res.GPUReady = gpuReady()
		}
		if p == "" {
			res.Detail = "no model selected"
			return res
		}
		fi, err := os.Stat(p)
		if err != nil || fi.IsDir() || fi.Size() == 0 {
			res.Detail = filepath.Base(p) + " not installed"
			return res
		}
		res.Available = true
		return res
	}
}
