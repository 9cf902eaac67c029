// Package detector implements the failure detector.
//
// A Detector owns one background loop that scans the location directory
// every period, probes each listed entity in parallel and counts consecutive
// misses per target. When the count reaches the threshold the entity is
// handed to the Supervisor once; further misses in the same episode are only
// logged. Suspend, Stop and ForceDetection are served by the loop between
// scans, so they take effect within one tick and never interrupt a scan.
//
// The threshold defaults to a single miss and is tunable at runtime through
// SetThreshold. A probe that panics is logged and counted as a miss.
package detector
