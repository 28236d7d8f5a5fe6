package detection

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"strings"
	"sync"

	"gocv.io/x/gocv"
)

// ErrUnknownDictionary is returned for a dictionary name with no predefined table
var ErrUnknownDictionary = errors.New("detection: unknown marker dictionary")

// cellPixels is the side of one bit cell when rendering reference markers
const cellPixels = 10

type dictionarySpec struct {
	code gocv.ArucoDictionaryCode
	bits int
	size int
}

var predefined = map[string]dictionarySpec{
	"4x4_50":         {gocv.ArucoDict4x4_50, 4, 50},
	"4x4_100":        {gocv.ArucoDict4x4_100, 4, 100},
	"4x4_250":        {gocv.ArucoDict4x4_250, 4, 250},
	"4x4_1000":       {gocv.ArucoDict4x4_1000, 4, 1000},
	"5x5_50":         {gocv.ArucoDict5x5_50, 5, 50},
	"5x5_100":        {gocv.ArucoDict5x5_100, 5, 100},
	"5x5_250":        {gocv.ArucoDict5x5_250, 5, 250},
	"5x5_1000":       {gocv.ArucoDict5x5_1000, 5, 1000},
	"6x6_50":         {gocv.ArucoDict6x6_50, 6, 50},
	"6x6_100":        {gocv.ArucoDict6x6_100, 6, 100},
	"6x6_250":        {gocv.ArucoDict6x6_250, 6, 250},
	"6x6_1000":       {gocv.ArucoDict6x6_1000, 6, 1000},
	"7x7_50":         {gocv.ArucoDict7x7_50, 7, 50},
	"7x7_100":        {gocv.ArucoDict7x7_100, 7, 100},
	"7x7_250":        {gocv.ArucoDict7x7_250, 7, 250},
	"7x7_1000":       {gocv.ArucoDict7x7_1000, 7, 1000},
	"aruco_original": {gocv.ArucoDictArucoOriginal, 5, 1024},
	"apriltag_16h5":  {gocv.ArucoDictAprilTag_16h5, 4, 30},
	"apriltag_25h9":  {gocv.ArucoDictAprilTag_25h9, 5, 35},
	"apriltag_36h10": {gocv.ArucoDictAprilTag_36h10, 6, 2320},
	"apriltag_36h11": {gocv.ArucoDictAprilTag_36h11, 6, 587},
}

// DictionaryNames lists the accepted dictionary names in sorted order
func DictionaryNames() []string {
	names := make([]string, 0, len(predefined))
	for n := range predefined {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Dictionary is one of the predefined marker dictionaries. Bit patterns are
// rendered on first use and cached; a Dictionary is safe for concurrent use.
type Dictionary struct {
	Name       string
	Code       gocv.ArucoDictionaryCode
	MarkerBits int // cells per side, excluding the border
	Size       int // number of symbols

	mu    sync.Mutex
	codes map[int]uint64

	correctionOnce sync.Once
	maxCorrection  int
	correctionErr  error
}

// ParseDictionary resolves a name such as "5x5_50" or "DICT_5X5_50"
func ParseDictionary(name string) (*Dictionary, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.TrimPrefix(key, "dict_")
	spec, ok := predefined[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownDictionary, name, strings.Join(DictionaryNames(), ", "))
	}
	return &Dictionary{
		Name:       key,
		Code:       spec.code,
		MarkerBits: spec.bits,
		Size:       spec.size,
		codes:      make(map[int]uint64),
	}, nil
}

// Bits returns the row-major inner bit grid of marker id, black cells as 1
func (d *Dictionary) Bits(id int) (uint64, error) {
	if id < 0 || id >= d.Size {
		return 0, fmt.Errorf("detection: marker id %d outside dictionary %s (size %d)", id, d.Name, d.Size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if code, ok := d.codes[id]; ok {
		return code, nil
	}

	img := gocv.NewMat()
	defer img.Close()
	gocv.ArucoGenerateImageMarker(d.Code, id, (d.MarkerBits+2)*cellPixels, img, 1)
	if img.Empty() {
		return 0, fmt.Errorf("detection: failed to render marker %d of %s", id, d.Name)
	}

	code, _ := sampleGrid(img, d.MarkerBits, cellPixels)
	d.codes[id] = code
	return code, nil
}

// MaxCorrectionBits is the number of bit errors that can be corrected while
// keeping every marker uniquely identifiable: (tau-1)/2 where tau is the
// minimum Hamming distance between any two markers under rotation. The
// first call renders every marker of the dictionary.
func (d *Dictionary) MaxCorrectionBits() (int, error) {
	d.correctionOnce.Do(func() {
		codes := make([]uint64, d.Size)
		for i := range codes {
			c, err := d.Bits(i)
			if err != nil {
				d.correctionErr = err
				return
			}
			codes[i] = c
		}
		if tau := minDistance(codes, d.MarkerBits); tau > 0 {
			d.maxCorrection = (tau - 1) / 2
		}
	})
	return d.maxCorrection, d.correctionErr
}

// minDistance is the smallest Hamming distance between two codes under any
// rotation, or between a code and its own non-trivial rotations
func minDistance(codes []uint64, n int) int {
	rotations := make([][4]uint64, len(codes))
	for i, c := range codes {
		rotations[i][0] = c
		for r := 1; r < 4; r++ {
			rotations[i][r] = rotateBits(rotations[i][r-1], n, 1)
		}
	}

	tau := n * n
	for i, a := range codes {
		for r := 1; r < 4; r++ {
			if dist := hamming(a, rotations[i][r]); dist < tau {
				tau = dist
			}
		}
		for j := i + 1; j < len(codes); j++ {
			for r := 0; r < 4; r++ {
				if dist := hamming(a, rotations[j][r]); dist < tau {
					tau = dist
				}
			}
		}
	}
	return tau
}

func hamming(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// rotateBits rotates an n x n row-major grid clockwise by 90 degrees r times
func rotateBits(code uint64, n, r int) uint64 {
	for ; r > 0; r-- {
		var out uint64
		for row := 0; row < n; row++ {
			for col := 0; col < n; col++ {
				// out[row][col] = in[n-1-col][row]
				if code&(1<<uint((n-1-col)*n+row)) != 0 {
					out |= 1 << uint(row*n+col)
				}
			}
		}
		code = out
	}
	return code
}
