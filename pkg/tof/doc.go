// Package tof converts raw four-phase time-of-flight exposures into depth,
// confidence and amplitude maps.
//
// The package is pure computation: nothing here allocates per frame, performs
// I/O or returns errors. Mismatched buffer sizes are programming errors and
// panic.
//
// # Raw Format
//
// Sensors deliver Y12P frames, two 12-bit samples packed into three bytes:
//
//	b0 b1 b2  ->  p0 = b0<<4 | b2&0x0F
//	              p1 = b1<<4 | b2>>4
//
// Each sample is sign-extended from bit 10. Bit 11 carries no information
// for these sensors and is discarded:
//
//	frame := make([]int16, width*height)
//	tof.UnpackY12P(frame, raw, width, height, bytesPerLine)
//
// # Demodulation
//
// Four exposures taken at 0°, 90°, 180° and 270° of the illumination cycle
// form a PhaseFrames set. ComputeDepthConfidence writes depth in millimetres
// and an optional scaled confidence signal:
//
//	cfg := tof.ModulationConfig{FrequencyHz: 75e6, Orientation: tof.Rotate0}
//	tof.ComputeDepthConfidence(depth, confidence, frames, cfg)
//
// ComputeDepthAmplitude is the diagnostic variant: unscaled amplitude plus
// the raw intensity sum of the four phases.
//
// # Fused Path
//
// FusedDepthConfidence reads the four packed planes directly and processes
// one row at a time. Each row is decoded once, then demodulated in vectors of
// hwy.MaxLanes[float32]() pixels with branch-free lane selects from
// go-highway; the remainder of the row runs the scalar kernel. It produces
// the same result as UnpackY12P followed by ComputeDepthConfidence and is the
// path used at frame rate.
package tof
