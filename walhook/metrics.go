package walhook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics mirrors the teacher's walMetrics, generalized from raft log
// entries to libsql frames.
type metrics struct {
	bytesWritten          prometheus.Counter
	framesWritten         prometheus.Counter
	appends               prometheus.Counter
	frameBytesRead        prometheus.Counter
	framesRead            prometheus.Counter
	segmentRotations      prometheus.Counter
	quarantinedSegments   prometheus.Counter
	lastSegmentAgeSeconds prometheus.Gauge
	lastCommittedFrameNo  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "frame_bytes_written",
			Help: "frame_bytes_written counts the bytes of page data written, excluding frame headers.",
		}),
		framesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "frames_written",
			Help: "frames_written counts the number of frames appended to the log.",
		}),
		appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "appends",
			Help: "appends counts the number of calls to xFrames, i.e. batches of frames appended.",
		}),
		frameBytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "frame_bytes_read",
			Help: "frame_bytes_read counts the bytes of page data read from segments.",
		}),
		framesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "frames_read",
			Help: "frames_read counts the number of calls to GetFrame.",
		}),
		segmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "segment_rotations",
			Help: "segment_rotations counts how many times the log writer rolled to a new segment file.",
		}),
		quarantinedSegments: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "quarantined_segments",
			Help: "quarantined_segments counts segments removed from service after a checksum or header validation failure.",
		}),
		lastSegmentAgeSeconds: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "last_segment_age_seconds",
			Help: "last_segment_age_seconds is set on every rotation to the age of the segment just sealed.",
		}),
		lastCommittedFrameNo: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "last_committed_frame_no",
			Help: "last_committed_frame_no is the highest frame_no whose transaction has committed.",
		}),
	}
}
