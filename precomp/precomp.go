// Package precomp holds the write precompensation database. Inner
// cylinders pack flux transitions tighter, which shifts edges apart
// when reading back; writing them pre-shifted in the opposite
// direction compensates for that. The amount depends on the cell size
// and the cylinder, so measured samples span a 2-D grid which is
// interpolated bilinearly.
package precomp

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ConfigDirName is the dot directory in the home directory holding all
// tracer configuration.
const ConfigDirName = ".usbfloppytracer"

// ConfigFileName is the sample database file inside ConfigDirName.
const ConfigFileName = "wprecomp.cfg"

// Sample is one measured data point: at this cell size and cylinder,
// shift edges by this many timer ticks.
type Sample struct {
	CellSize int
	Cylinder int
	Precomp  int
}

// DB interpolates write precompensation values over measured samples.
type DB struct {
	samples []Sample
}

// ConfigPath returns the location of the sample database.
func ConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user home directory: %w", err)
	}
	return filepath.Join(home, ConfigDirName, ConfigFileName), nil
}

// Load reads the sample database from the home directory. A missing
// file is not an error; it returns a nil DB which disables
// precompensation.
func Load() (*DB, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}

	fmt.Printf("Reading config from %s\n", path)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("Write precompensation not used...")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	return Parse(file)
}

// Parse reads samples from a config source: lines of three whitespace
// separated integers (cell_size cylinder precomp). Lines that don't
// match are skipped.
func Parse(source io.Reader) (*DB, error) {
	var samples []Sample

	scanner := bufio.NewScanner(source)
	for scanner.Scan() {
		var numbers []int
		for _, field := range strings.Fields(scanner.Text()) {
			n, err := strconv.Atoi(field)
			if err != nil {
				continue
			}
			numbers = append(numbers, n)
		}

		if len(numbers) == 3 {
			samples = append(samples, Sample{
				CellSize: numbers[0],
				Cylinder: numbers[1],
				Precomp:  numbers[2],
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read precompensation config: %w", err)
	}

	sort.Slice(samples, func(a, b int) bool {
		if samples[a].CellSize != samples[b].CellSize {
			return samples[a].CellSize < samples[b].CellSize
		}
		if samples[a].Cylinder != samples[b].Cylinder {
			return samples[a].Cylinder < samples[b].Cylinder
		}
		return samples[a].Precomp < samples[b].Precomp
	})

	return &DB{samples: samples}, nil
}

// lerpLeft interpolates along the closest sample column at or left of
// the requested cell size. Returns the interpolated value and the
// column's cell size.
func (db *DB) lerpLeft(cellSize, cylinder int) (float64, int, bool) {
	var leftTop *Sample
	for i := range db.samples {
		s := &db.samples[i]
		if s.CellSize <= cellSize && s.Cylinder <= cylinder {
			leftTop = s
		}
	}
	if leftTop == nil {
		return 0, 0, false
	}

	var leftBottom *Sample
	for i := range db.samples {
		s := &db.samples[i]
		if s.CellSize == leftTop.CellSize && s.Cylinder >= cylinder {
			leftBottom = s
			break
		}
	}
	if leftBottom == nil || leftBottom.Cylinder == leftTop.Cylinder {
		return float64(leftTop.Precomp), leftTop.CellSize, true
	}

	factor := float64(cylinder-leftTop.Cylinder) / float64(leftBottom.Cylinder-leftTop.Cylinder)
	result := (1.0-factor)*float64(leftTop.Precomp) + factor*float64(leftBottom.Precomp)
	return result, leftTop.CellSize, true
}

// lerpRight interpolates along the closest sample column at or right
// of the requested cell size, snapping to the last sample beyond the
// grid.
func (db *DB) lerpRight(cellSize, cylinder int) (float64, int) {
	var rightBottom *Sample
	for i := range db.samples {
		s := &db.samples[i]
		if s.CellSize >= cellSize && s.Cylinder >= cylinder {
			rightBottom = s
			break
		}
	}
	if rightBottom == nil {
		last := &db.samples[len(db.samples)-1]
		return float64(last.Precomp), last.CellSize
	}

	var rightTop *Sample
	for i := range db.samples {
		s := &db.samples[i]
		if s.CellSize == rightBottom.CellSize && s.Cylinder <= cylinder {
			rightTop = s
		}
	}
	if rightTop == nil || rightBottom.Cylinder == rightTop.Cylinder {
		return float64(rightBottom.Precomp), rightBottom.CellSize
	}

	factor := float64(cylinder-rightTop.Cylinder) / float64(rightBottom.Cylinder-rightTop.Cylinder)
	result := (1.0-factor)*float64(rightTop.Precomp) + factor*float64(rightBottom.Precomp)
	return result, rightBottom.CellSize
}

// Calculate looks up the precompensation for a cell size and cylinder
// by separable bilinear interpolation. Outside the sample grid the
// value snaps to the nearest edge or corner.
func (db *DB) Calculate(cellSize, cylinder int) (int, bool) {
	if db == nil || len(db.samples) == 0 {
		return 0, false
	}

	// Outside the grid the request snaps to the nearest edge.
	minCell, maxCell := db.samples[0].CellSize, db.samples[0].CellSize
	minCyl, maxCyl := db.samples[0].Cylinder, db.samples[0].Cylinder
	for _, s := range db.samples {
		minCell = min(minCell, s.CellSize)
		maxCell = max(maxCell, s.CellSize)
		minCyl = min(minCyl, s.Cylinder)
		maxCyl = max(maxCyl, s.Cylinder)
	}
	cellSize = min(max(cellSize, minCell), maxCell)
	cylinder = min(max(cylinder, minCyl), maxCyl)

	// Cell sizes run left to right, cylinders top to bottom.
	leftResult, leftCellSize, ok := db.lerpLeft(cellSize, cylinder)
	if !ok {
		return 0, false
	}
	rightResult, rightCellSize := db.lerpRight(cellSize, cylinder)

	if leftCellSize == rightCellSize {
		return int(leftResult), true
	}

	factor := float64(cellSize-leftCellSize) / float64(rightCellSize-leftCellSize)
	result := (1.0-factor)*leftResult + factor*rightResult
	if result < 0 {
		result = 0
	}
	return int(result), true
}
