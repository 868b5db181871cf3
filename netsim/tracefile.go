package netsim

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// traceFrame is one frame of a replayed video trace
type traceFrame struct {
	// seconds to wait after the previous frame before sending this one
	delta     float64
	size      int
	frameType byte
}

// defaultTraceFrames is the short MPEG4 pattern replayed when no trace file is given.
// Deltas are in milliseconds
func defaultTraceFrames() []traceFrame {
	entries := []struct {
		ms    float64
		size  int
		ftype byte
	}{
		{0, 534, 'I'}, {40, 1542, 'P'}, {120, 134, 'B'}, {80, 390, 'B'}, {240, 765, 'P'},
		{160, 407, 'B'}, {200, 504, 'B'}, {360, 903, 'P'}, {280, 421, 'B'}, {320, 587, 'B'},
	}
	frames := make([]traceFrame, 0, len(entries))
	for _, e := range entries {
		frames = append(frames, traceFrame{delta: e.ms / 1e+3, size: e.size, frameType: e.ftype})
	}
	return frames
}

// loadTraceFile reads a frame trace.  Each non-empty line holds
//
//	index frameType time size
//
// with time in milliseconds from the start of the trace.  Frames are replayed
// in file order, each after the gap since its predecessor
func loadTraceFile(filename string) ([]traceFrame, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	frames := []traceFrame{}
	prevMs := 0.0
	lineNo := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return nil, fmt.Errorf("%s:%d: expected index, type, time and size", filename, lineNo)
		}
		ms, terr := strconv.ParseFloat(fields[2], 64)
		size, serr := strconv.Atoi(fields[3])
		if terr != nil || serr != nil || !(ms >= 0) || math.IsInf(ms, 1) || size < 0 {
			return nil, fmt.Errorf("%s:%d: malformed frame entry %q", filename, lineNo, line)
		}
		delta := ms - prevMs
		if delta < 0 {
			delta = 0
		}
		prevMs = ms
		frames = append(frames, traceFrame{delta: delta / 1e+3, size: size, frameType: fields[1][0]})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("trace file %s holds no frames", filename)
	}
	return frames, nil
}
