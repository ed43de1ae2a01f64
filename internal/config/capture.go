package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/velodyne-capture/internal/lidar/l2frames"
)

// DefaultConfigPath is the path to the canonical capture defaults file.
const DefaultConfigPath = "config/capture.defaults.json"

const (
	defaultUDPPort       = 2368
	defaultRcvBuf        = 4 << 20 // 4 MiB
	defaultMaxQueueDepth = l2frames.DefaultMaxQueueDepth
)

// CaptureConfig holds capture and geometry settings. Unset fields fall back
// to the Get* defaults, so partial files are safe.
type CaptureConfig struct {
	// Ingestion
	UDPPort        *int    `json:"udp_port,omitempty"`
	RcvBuf         *int    `json:"rcv_buf,omitempty"`
	MaxQueueDepth  *int    `json:"max_queue_depth,omitempty"`
	OverflowPolicy *string `json:"overflow_policy,omitempty"` // "drop_oldest" or "block"
	RealtimeReplay *bool   `json:"realtime_replay,omitempty"`

	// Geometry
	AzimuthOffsetDeg *float64     `json:"azimuth_offset_deg,omitempty"`
	OffsetX          *float64     `json:"offset_x,omitempty"`
	OffsetY          *float64     `json:"offset_y,omitempty"`
	OffsetZ          *float64     `json:"offset_z,omitempty"`
	TransformMatrix  *[16]float64 `json:"transform_matrix,omitempty"` // row-major 4x4
	TransformOrder   *string      `json:"transform_order,omitempty"`

	// Frames
	AdvanceTimeout  *string `json:"advance_timeout,omitempty"` // duration string like "2s"
	MinFrameSamples *int    `json:"min_frame_samples,omitempty"`
}

// EmptyCaptureConfig returns a CaptureConfig with all fields set to nil.
func EmptyCaptureConfig() *CaptureConfig {
	return &CaptureConfig{}
}

// LoadCaptureConfig loads a CaptureConfig from a JSON file. The file must
// have a .json extension and be at most 1 MiB.
func LoadCaptureConfig(path string) (*CaptureConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyCaptureConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory
// or a parent up to the repository root. Panics if it cannot, intended for
// test setup.
func MustLoadDefaultConfig() *CaptureConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/lidar/session/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadCaptureConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *CaptureConfig) Validate() error {
	if c.UDPPort != nil && (*c.UDPPort < 1 || *c.UDPPort > 65535) {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", *c.UDPPort)
	}
	if c.RcvBuf != nil && *c.RcvBuf < 0 {
		return fmt.Errorf("rcv_buf must be non-negative, got %d", *c.RcvBuf)
	}
	if c.MaxQueueDepth != nil && *c.MaxQueueDepth < 1 {
		return fmt.Errorf("max_queue_depth must be at least 1, got %d", *c.MaxQueueDepth)
	}
	if c.OverflowPolicy != nil {
		if _, err := l2frames.ParseOverflowPolicy(*c.OverflowPolicy); err != nil {
			return fmt.Errorf("invalid overflow_policy: %w", err)
		}
	}
	if c.TransformOrder != nil {
		if _, err := l2frames.ParseTransformOrder(*c.TransformOrder); err != nil {
			return fmt.Errorf("invalid transform_order: %w", err)
		}
	}
	if c.TransformMatrix != nil {
		for i, v := range c.TransformMatrix {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("transform_matrix[%d] is not finite", i)
			}
		}
	}
	if c.AdvanceTimeout != nil && *c.AdvanceTimeout != "" {
		d, err := time.ParseDuration(*c.AdvanceTimeout)
		if err != nil {
			return fmt.Errorf("invalid advance_timeout '%s': %w", *c.AdvanceTimeout, err)
		}
		if d < 0 {
			return fmt.Errorf("advance_timeout must be non-negative, got %s", d)
		}
	}
	if c.MinFrameSamples != nil && *c.MinFrameSamples < 0 {
		return fmt.Errorf("min_frame_samples must be non-negative, got %d", *c.MinFrameSamples)
	}
	return nil
}

// GetUDPPort returns the udp_port value or the default.
func (c *CaptureConfig) GetUDPPort() int {
	if c.UDPPort == nil {
		return defaultUDPPort
	}
	return *c.UDPPort
}

// GetRcvBuf returns the rcv_buf value or the default.
func (c *CaptureConfig) GetRcvBuf() int {
	if c.RcvBuf == nil {
		return defaultRcvBuf
	}
	return *c.RcvBuf
}

// GetMaxQueueDepth returns the max_queue_depth value or the default.
func (c *CaptureConfig) GetMaxQueueDepth() int {
	if c.MaxQueueDepth == nil {
		return defaultMaxQueueDepth
	}
	return *c.MaxQueueDepth
}

// GetOverflowPolicy returns the configured policy, or nil to let the capture
// pick per source (drop oldest live, block on file replay).
func (c *CaptureConfig) GetOverflowPolicy() *l2frames.OverflowPolicy {
	if c.OverflowPolicy == nil {
		return nil
	}
	p, err := l2frames.ParseOverflowPolicy(*c.OverflowPolicy)
	if err != nil {
		return nil
	}
	return &p
}

// GetRealtimeReplay returns the realtime_replay value or the default.
func (c *CaptureConfig) GetRealtimeReplay() bool {
	if c.RealtimeReplay == nil {
		return false
	}
	return *c.RealtimeReplay
}

// GetOffset returns the geometry offset with the azimuth in radians.
func (c *CaptureConfig) GetOffset() l2frames.Offset {
	var o l2frames.Offset
	if c.AzimuthOffsetDeg != nil {
		o.Azimuth = *c.AzimuthOffsetDeg * math.Pi / 180
	}
	if c.OffsetX != nil {
		o.X = *c.OffsetX
	}
	if c.OffsetY != nil {
		o.Y = *c.OffsetY
	}
	if c.OffsetZ != nil {
		o.Z = *c.OffsetZ
	}
	return o
}

// GetTransformMatrix returns the configured matrix, or nil when unset.
func (c *CaptureConfig) GetTransformMatrix() *mat.Dense {
	if c.TransformMatrix == nil {
		return nil
	}
	return l2frames.RowMajor(*c.TransformMatrix)
}

// GetTransformOrder returns the transform_order value or the default.
func (c *CaptureConfig) GetTransformOrder() l2frames.TransformOrder {
	if c.TransformOrder == nil {
		return l2frames.OffsetThenMatrix
	}
	o, err := l2frames.ParseTransformOrder(*c.TransformOrder)
	if err != nil {
		return l2frames.OffsetThenMatrix
	}
	return o
}

// GetAdvanceTimeout parses the advance_timeout value. Zero means no bound.
func (c *CaptureConfig) GetAdvanceTimeout() time.Duration {
	if c.AdvanceTimeout == nil || *c.AdvanceTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(*c.AdvanceTimeout)
	if err != nil {
		return 0
	}
	return d
}

// GetMinFrameSamples returns the min_frame_samples value or the default.
func (c *CaptureConfig) GetMinFrameSamples() int {
	if c.MinFrameSamples == nil {
		return 0
	}
	return *c.MinFrameSamples
}
