// Package ftserver provides the coordination facade over the five
// fault-tolerance services.
//
// # Architecture
//
//	┌───────────────────────────────────────────────┐
//	│                  FTServer                     │
//	├───────────┬──────────┬──────────┬─────────────┤
//	│ detector  │ location │checkpoint│  resource   │
//	│           │          │ CIC|PML  │             │
//	├───────────┴──────────┴──────────┴─────────────┤
//	│                  recovery                     │
//	└───────────────────────────────────────────────┘
//
// The detector scans the location directory and reports failures to
// recovery. Recovery takes a spare node from the resource pool, restores the
// entity from the checkpoint server and republishes its location.
//
// FTServer adds no logic of its own: invariants live in the services.
// Initialize resets them in a fixed order: checkpoint, location, recovery,
// resource.
package ftserver
