package detect

import (
	"math"

	"sentinelvnc/internal/ring"
)

// FeatureCount is the fixed width of the model input vector.
const FeatureCount = 11

// featureNames is the canonical feature layout. Order and normalization
// are part of the model contract: a trained artifact must declare exactly
// this list or it is rejected at load time.
var featureNames = [FeatureCount]string{
	"is_clipboard",
	"is_screenshot",
	"is_file_transfer",
	"clipboard_size_mb",
	"file_size_mb",
	"time_of_day",
	"clipboard_count_1min",
	"screenshot_count_1min",
	"file_transfer_count_1min",
	"clipboard_total_kb_1min",
	"file_transfer_total_mb_1min",
}

// FeatureNames returns the canonical feature layout in model input order.
func FeatureNames() []string {
	names := make([]string, FeatureCount)
	copy(names[:], featureNames[:])
	return names
}

// Features builds the model input vector for an event against its session
// window. The one-minute aggregates are taken relative to the event
// timestamp so replayed evaluations are reproducible.
func Features(ev Event, w *ring.Ring) []float64 {
	f := make([]float64, FeatureCount)

	switch ev.Type {
	case EventClipboardCopy:
		f[0] = 1.0
		f[3] = eventSizeKB(ev) / 1000.0
	case EventScreenshot:
		f[1] = 1.0
	case EventFileTransfer:
		f[2] = 1.0
		f[4] = eventSizeMB(ev)
	}

	f[5] = math.Mod(ev.Timestamp, 86400) / 86400.0

	now := ev.Timestamp
	f[6] = float64(w.CountByType(ring.EventClipboardCopy, 60, now)) / 10.0
	f[7] = float64(w.CountByType(ring.EventScreenshot, 60, now)) / 10.0
	f[8] = float64(w.CountByType(ring.EventFileTransfer, 60, now)) / 10.0
	f[9] = float64(w.SumBytesByType(ring.EventClipboardCopy, 60, now)) / 1024.0 / 1000.0
	f[10] = float64(w.SumBytesByType(ring.EventFileTransfer, 60, now)) / 1024.0 / 1024.0

	return f
}

// eventSizeKB prefers the declared payload size and falls back to the raw
// chunk size for events derived from forwarded traffic.
func eventSizeKB(ev Event) float64 {
	if ev.SizeKB > 0 {
		return ev.SizeKB
	}
	return float64(ev.Bytes) / 1024.0
}

// eventSizeMB mirrors eventSizeKB for file-sized events.
func eventSizeMB(ev Event) float64 {
	if ev.SizeMB > 0 {
		return ev.SizeMB
	}
	return float64(ev.Bytes) / 1024.0 / 1024.0
}
