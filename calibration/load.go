package calibration

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Key names accepted for the two matrices, compared case-insensitively
var (
	intrinsicKeys  = []string{"camera_matrix", "cameraMatrix", "intrinsics", "K"}
	distortionKeys = []string{"dist_coeffs", "distortion_coefficients", "distCoeffs", "distortion", "D"}
)

// Load reads a calibration artifact from disk. OpenCV FileStorage XML files
// (.xml) and plain JSON, YAML or TOML documents are supported.
func Load(path string) (*Camera, error) {
	if path == "" {
		return nil, fmt.Errorf("calibration: no file configured")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("calibration: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".xml":
		return loadXML(path)
	case ".json", ".yaml", ".yml", ".toml":
		return loadDocument(path)
	default:
		return nil, fmt.Errorf("calibration: unsupported file type %q", filepath.Ext(path))
	}
}

// opencvStorage mirrors the root element written by cv::FileStorage
type opencvStorage struct {
	XMLName xml.Name     `xml:"opencv_storage"`
	Nodes   []matrixNode `xml:",any"`
}

// matrixNode is an opencv-matrix element
type matrixNode struct {
	XMLName xml.Name
	Rows    int    `xml:"rows"`
	Cols    int    `xml:"cols"`
	Dt      string `xml:"dt"`
	Data    string `xml:"data"`
}

func (n matrixNode) values() ([]float64, error) {
	fields := strings.Fields(n.Data)
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", n.XMLName.Local, err)
		}
		out = append(out, v)
	}
	if n.Rows > 0 && n.Cols > 0 && len(out) != n.Rows*n.Cols {
		return nil, fmt.Errorf("node %s: %dx%d matrix has %d values", n.XMLName.Local, n.Rows, n.Cols, len(out))
	}
	return out, nil
}

func loadXML(path string) (*Camera, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("calibration: failed to read %s: %w", path, err)
	}

	var storage opencvStorage
	if err := xml.Unmarshal(raw, &storage); err != nil {
		return nil, fmt.Errorf("calibration: failed to parse %s: %w", path, err)
	}

	var intrinsics [][]float64
	var distortion []float64
	for _, node := range storage.Nodes {
		switch {
		case matchesKey(node.XMLName.Local, intrinsicKeys):
			vals, err := node.values()
			if err != nil {
				return nil, fmt.Errorf("calibration: %w", err)
			}
			if len(vals) != 9 {
				return nil, fmt.Errorf("%w: expected 9 values, got %d", ErrInvalidIntrinsics, len(vals))
			}
			intrinsics = [][]float64{vals[0:3], vals[3:6], vals[6:9]}
		case matchesKey(node.XMLName.Local, distortionKeys):
			vals, err := node.values()
			if err != nil {
				return nil, fmt.Errorf("calibration: %w", err)
			}
			distortion = vals
		}
	}

	return New(intrinsics, distortion)
}

func loadDocument(path string) (*Camera, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("calibration: failed to read %s: %w", path, err)
	}

	var intrinsics [][]float64
	if key := firstKey(v, intrinsicKeys); key != "" {
		if err := v.UnmarshalKey(key, &intrinsics); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidIntrinsics, err)
		}
	}

	var distortion []float64
	if key := firstKey(v, distortionKeys); key != "" {
		var err error
		if distortion, err = decodeCoefficients(v, key); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDistortion, err)
		}
	}

	return New(intrinsics, distortion)
}

// decodeCoefficients reads a flat list or, as OpenCV writes them, a 1xN or
// Nx1 matrix. A failed decode can leave partial values behind, so each
// attempt gets its own destination.
func decodeCoefficients(v *viper.Viper, key string) ([]float64, error) {
	var flat []float64
	flatErr := v.UnmarshalKey(key, &flat)
	if flatErr == nil {
		return flat, nil
	}
	var nested [][]float64
	if err := v.UnmarshalKey(key, &nested); err != nil {
		return nil, flatErr
	}
	out := make([]float64, 0, 5)
	for _, row := range nested {
		out = append(out, row...)
	}
	return out, nil
}

func firstKey(v *viper.Viper, keys []string) string {
	for _, k := range keys {
		if v.IsSet(k) {
			return k
		}
	}
	return ""
}

func matchesKey(name string, keys []string) bool {
	for _, k := range keys {
		if strings.EqualFold(name, k) {
			return true
		}
	}
	return false
}
