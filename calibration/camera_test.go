package calibration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMatrix() [][]float64 {
	return [][]float64{
		{800, 0, 320},
		{0, 810, 240},
		{0, 0, 1},
	}
}

func TestNew_Valid(t *testing.T) {
	cam, err := New(testMatrix(), []float64{0.1, -0.05, 0.001, 0.002, 0.01})
	require.NoError(t, err)

	assert.Equal(t, 800.0, cam.Fx())
	assert.Equal(t, 810.0, cam.Fy())
	assert.Equal(t, 320.0, cam.Cx())
	assert.Equal(t, 240.0, cam.Cy())
	assert.Len(t, cam.Distortion(), 5)
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name string
		k    [][]float64
		dist []float64
		want error
	}{
		{"missing matrix", nil, []float64{0, 0, 0, 0}, ErrMissingIntrinsics},
		{"missing distortion", testMatrix(), nil, ErrMissingDistortion},
		{"short matrix", [][]float64{{1, 0, 0}}, []float64{0, 0, 0, 0}, ErrInvalidIntrinsics},
		{"ragged matrix", [][]float64{{1, 0, 0}, {0, 1}, {0, 0, 1}}, []float64{0, 0, 0, 0}, ErrInvalidIntrinsics},
		{"zero focal", [][]float64{{0, 0, 1}, {0, 1, 1}, {0, 0, 1}}, []float64{0, 0, 0, 0}, ErrInvalidIntrinsics},
		{"bad last row", [][]float64{{1, 0, 1}, {0, 1, 1}, {0, 0, 2}}, []float64{0, 0, 0, 0}, ErrInvalidIntrinsics},
		{"bad coefficient count", testMatrix(), []float64{0, 0, 0}, ErrInvalidDistortion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.k, tt.dist)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCamera_IsImmutable(t *testing.T) {
	dist := []float64{0.1, 0, 0, 0, 0}
	cam, err := New(testMatrix(), dist)
	require.NoError(t, err)

	dist[0] = 9
	got := cam.Distortion()
	got[1] = 7
	assert.Equal(t, []float64{0.1, 0, 0, 0, 0}, cam.Distortion())
}

func TestCamera_DistortUndistortRoundTrip(t *testing.T) {
	cam, err := New(testMatrix(), []float64{-0.2, 0.05, 0.001, -0.0015, 0.01})
	require.NoError(t, err)

	for _, p := range [][2]float64{{0, 0}, {0.1, -0.05}, {-0.3, 0.2}, {0.25, 0.25}} {
		u, v := cam.Distort(p[0], p[1])
		x, y := cam.Undistort(u, v)
		assert.InDelta(t, p[0], x, 1e-6)
		assert.InDelta(t, p[1], y, 1e-6)
	}
}

func TestCamera_NoDistortionIsPinhole(t *testing.T) {
	cam, err := New(testMatrix(), []float64{0, 0, 0, 0})
	require.NoError(t, err)

	u, v := cam.Distort(0.1, -0.2)
	assert.InDelta(t, 800*0.1+320, u, 1e-12)
	assert.InDelta(t, 810*-0.2+240, v, 1e-12)
}

func TestLoad_JSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cal.json")
	doc := `{
		"camera_matrix": [[800, 0, 320], [0, 810, 240], [0, 0, 1]],
		"dist_coeffs": [0.1, -0.05, 0, 0, 0]
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cam, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 810.0, cam.Fy())
	assert.Equal(t, []float64{0.1, -0.05, 0, 0, 0}, cam.Distortion())
}

func TestLoad_YAMLNestedCoefficients(t *testing.T) {
	tests := []struct {
		name   string
		coeffs string
		want   []float64
	}{
		{"row of five", "  - [0.01, 0.02, 0.0, 0.0, 0.003]\n", []float64{0.01, 0.02, 0, 0, 0.003}},
		{"row of four", "  - [-0.2, 0.05, 0.001, 0.002]\n", []float64{-0.2, 0.05, 0.001, 0.002}},
		{"column", "  - [0.1]\n  - [0.2]\n  - [0.0]\n  - [0.0]\n  - [0.3]\n", []float64{0.1, 0.2, 0, 0, 0.3}},
		{"flat", "  - 0.1\n  - 0.2\n  - 0.0\n  - 0.0\n", []float64{0.1, 0.2, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cal.yaml")
			doc := "camera_matrix:\n  - [700, 0, 300]\n  - [0, 700, 200]\n  - [0, 0, 1]\ndistortion_coefficients:\n" + tt.coeffs
			require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

			cam, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, 700.0, cam.Fx())
			assert.Equal(t, tt.want, cam.Distortion())
		})
	}
}

func TestLoad_YAMLBadCoefficients(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cal.yaml")
	doc := "camera_matrix:\n  - [700, 0, 300]\n  - [0, 700, 200]\n  - [0, 0, 1]\ndistortion_coefficients: [a, b, c, d]\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidDistortion)
}

func TestLoad_MissingDistortionIsFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cal.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"camera_matrix": [[1,0,0],[0,1,0],[0,0,1]]}`), 0644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrMissingDistortion)
}

func TestLoad_OpenCVXML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cal.xml")
	doc := `<?xml version="1.0"?>
<opencv_storage>
<image_width>640</image_width>
<camera_matrix type_id="opencv-matrix">
  <rows>3</rows>
  <cols>3</cols>
  <dt>d</dt>
  <data>
    6.5e+02 0. 3.2e+02 0. 6.5e+02 2.4e+02 0. 0. 1.</data></camera_matrix>
<distortion_coefficients type_id="opencv-matrix">
  <rows>5</rows>
  <cols>1</cols>
  <dt>d</dt>
  <data>
    -0.1 0.01 0. 0. 0.</data></distortion_coefficients>
</opencv_storage>
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cam, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 650.0, cam.Fx())
	assert.Equal(t, 240.0, cam.Cy())
	assert.Equal(t, []float64{-0.1, 0.01, 0, 0, 0}, cam.Distortion())
}

func TestLoad_XMLWrongShape(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cal.xml")
	doc := `<?xml version="1.0"?>
<opencv_storage>
<camera_matrix type_id="opencv-matrix"><rows>3</rows><cols>3</cols><dt>d</dt><data>1 0 0 0 1</data></camera_matrix>
</opencv_storage>
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)

	_, err = Load("")
	assert.Error(t, err)
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cal.pckl")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "unsupported file type")
}
