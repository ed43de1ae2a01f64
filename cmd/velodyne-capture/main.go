// Command velodyne-capture replays a VLP-16 capture file or listens on a
// live socket and logs per-frame point cloud statistics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/velodyne-capture/internal/config"
	"github.com/banshee-data/velodyne-capture/internal/lidar/capture"
	"github.com/banshee-data/velodyne-capture/internal/lidar/l2frames"
	"github.com/banshee-data/velodyne-capture/internal/lidar/network"
	"github.com/banshee-data/velodyne-capture/internal/lidar/parse"
	"github.com/banshee-data/velodyne-capture/internal/lidar/session"
	"github.com/banshee-data/velodyne-capture/internal/monitoring"
	"github.com/banshee-data/velodyne-capture/internal/version"
)

var (
	source        = flag.String("source", "", "Capture file (pcap/pcapng) or udp://host:port")
	configFile    = flag.String("config", "", "Path to a capture JSON config (default: built-in defaults)")
	frames        = flag.Int("frames", 0, "Number of frames to read (0 = until the stream ends)")
	skip          = flag.Int("skip", 0, "Frames to advance past after opening")
	azimuthOffset = flag.Float64("azimuth-offset", 0, "Azimuth offset in degrees (overrides config)")
	offsetX       = flag.Float64("offset-x", 0, "X translation in meters (overrides config)")
	offsetY       = flag.Float64("offset-y", 0, "Y translation in meters (overrides config)")
	offsetZ       = flag.Float64("offset-z", 0, "Z translation in meters (overrides config)")
	logInterval   = flag.Int("log-interval", 2, "Statistics logging interval in seconds (0 disables)")
	debug         = flag.Bool("debug", false, "Enable diagnostic logging")
	trace         = flag.Bool("trace", false, "Enable per-packet trace logging")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

// options is the resolved command line.
type options struct {
	source      string
	cfg         *config.CaptureConfig
	frames      int
	skip        int
	logInterval time.Duration
}

// frameReport summarises one advance.
type frameReport struct {
	Number   int64
	Sequence uint64
	Samples  int
	Points   int
	Mean     float64
	StdDev   float64
	Changed  bool
}

func (r frameReport) String() string {
	return fmt.Sprintf("frame %d (seq %d): %s samples, %s points, range mean %.3f m stddev %.3f m, changed=%v",
		r.Number, r.Sequence, formatWithCommas(int64(r.Samples)), formatWithCommas(int64(r.Points)),
		r.Mean, r.StdDev, r.Changed)
}

// formatWithCommas formats a number with thousands separators
func formatWithCommas(n int64) string {
	if n < 0 {
		return "-" + formatWithCommas(-n)
	}
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	result := ""
	for i, char := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result += ","
		}
		result += string(char)
	}
	return result
}

// rangeStats returns the mean and standard deviation of point distances
// from the sensor origin. Fewer than two points have zero spread.
func rangeStats(cloud *l2frames.PointCloud) (mean, stddev float64) {
	if cloud.Len() == 0 {
		return 0, 0
	}
	ranges := make([]float64, cloud.Len())
	for i, p := range cloud.Points {
		ranges[i] = r3.Norm(p)
	}
	mean, stddev = stat.MeanStdDev(ranges, nil)
	if math.IsNaN(stddev) {
		stddev = 0
	}
	return mean, stddev
}

func configureLogging(debug, trace bool) {
	var diagW, traceW io.Writer
	if debug {
		diagW = os.Stderr
	}
	if trace {
		traceW = os.Stderr
	}
	parse.SetLogWriters(os.Stderr, diagW, traceW)
	network.SetLogWriters(os.Stderr, diagW, traceW)
	capture.SetLogWriters(os.Stderr, diagW, traceW)
	session.SetLogWriters(os.Stderr, diagW, traceW)
	l2frames.SetDebugLogger(diagW)
}

func newSession(cfg *config.CaptureConfig) (*session.Session, *capture.Capture, error) {
	c := capture.New(capture.Config{
		UDPPort:         cfg.GetUDPPort(),
		RcvBuf:          cfg.GetRcvBuf(),
		MaxQueueDepth:   cfg.GetMaxQueueDepth(),
		OverflowPolicy:  cfg.GetOverflowPolicy(),
		Realtime:        cfg.GetRealtimeReplay(),
		MinFrameSamples: cfg.GetMinFrameSamples(),
	})
	s := session.New(c, session.WithAdvanceTimeout(cfg.GetAdvanceTimeout()))

	off := cfg.GetOffset()
	s.SetOffset(off.Azimuth, off.X, off.Y, off.Z)
	if m := cfg.GetTransformMatrix(); m != nil {
		s.SetTransformOrder(cfg.GetTransformOrder())
		if err := s.SetAffineTransform(m); err != nil {
			return nil, nil, fmt.Errorf("transform_matrix: %w", err)
		}
	}
	return s, c, nil
}

// run opens the source, advances through frames and writes one report per
// frame to out. It returns when the requested frames are read, the stream
// ends or ctx is cancelled.
func run(ctx context.Context, opts options, out io.Writer) error {
	s, c, err := newSession(opts.cfg)
	if err != nil {
		return err
	}
	logReplaySize(opts.source, opts.cfg.GetUDPPort())
	if err := s.OpenContext(ctx, opts.source); err != nil {
		return err
	}
	defer s.Close()

	if opts.logInterval > 0 {
		statsCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go logStats(statsCtx, c.Stats(), opts.logInterval)
	}

	changed := s.Sequence() > 0
	if opts.skip > 0 {
		n, err := s.AdvanceNContext(ctx, opts.skip)
		if err != nil {
			return nil
		}
		changed = n > 0
	}

	cloud := l2frames.NewPointCloud(0)
	for n := 0; opts.frames == 0 || n < opts.frames; n++ {
		if n > 0 {
			// a per-advance timeout only marks the frame unchanged
			changed, _ = s.AdvanceContext(ctx)
			if ctx.Err() != nil {
				break
			}
		}
		if !changed && !c.IsRun() && c.Queue().Len() == 0 {
			break
		}

		cloud.Reset()
		s.Cloud(cloud)
		mean, stddev := rangeStats(cloud)
		fmt.Fprintln(out, frameReport{
			Number:   s.FrameNumber(),
			Sequence: s.Sequence(),
			Samples:  len(s.Samples()),
			Points:   cloud.Len(),
			Mean:     mean,
			StdDev:   stddev,
			Changed:  changed,
		})
	}

	monitoring.Logf("run %s finished at frame %d (%d frames dropped)", s.RunID(), s.FrameNumber(), c.Queue().Dropped())
	if err := c.Err(); err != nil {
		return fmt.Errorf("capture stopped: %w", err)
	}
	return nil
}

// logReplaySize reports how many packets and rotations a capture file holds.
func logReplaySize(source string, udpPort int) {
	kind, path, err := network.ParseSource(source)
	if err != nil || kind != network.SourceFile {
		return
	}
	n, err := network.CountPackets(path, udpPort)
	if err != nil {
		return
	}
	// the sensor emits 754 data packets/s, 75.4 per rotation at 600 rpm
	monitoring.Logf("replaying %s lidar packets from %s (~%.1f rotations at 10 Hz)",
		formatWithCommas(int64(n)), path, float64(n)/75.4)
}

func logStats(ctx context.Context, stats *capture.PacketStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logf := monitoring.Prefixf("[stats] ")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats.LogStats(logf)
		}
	}
}

// loadConfig reads path, or the built-in defaults when path is empty, and
// applies any offset flags the user set explicitly.
func loadConfig(path string, fs *flag.FlagSet) (*config.CaptureConfig, error) {
	cfg := config.EmptyCaptureConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadCaptureConfig(path); err != nil {
			return nil, err
		}
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "azimuth-offset":
			cfg.AzimuthOffsetDeg = azimuthOffset
		case "offset-x":
			cfg.OffsetX = offsetX
		case "offset-y":
			cfg.OffsetY = offsetY
		case "offset-z":
			cfg.OffsetZ = offsetZ
		}
	})
	return cfg, nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("velodyne-capture", version.String())
		return
	}

	if *source == "" {
		log.Fatal("-source is required (capture file path or udp://host:port)")
	}
	configureLogging(*debug, *trace)
	monitoring.Logf("velodyne-capture %s", version.String())

	cfg, err := loadConfig(*configFile, flag.CommandLine)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := options{
		source:      *source,
		cfg:         cfg,
		frames:      *frames,
		skip:        *skip,
		logInterval: time.Duration(*logInterval) * time.Second,
	}
	if err := run(ctx, opts, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("velodyne-capture: %v", err)
	}
}
