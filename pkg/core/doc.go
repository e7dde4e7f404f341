// Package core defines the types shared by every part of leapflow: project items and their
// finish states, the resources items pass to each other, write orderings, the canonical data
// records held in databases, and the run history store.
//
// pkg/core imports only the standard library. Everything else depends on core, not the reverse.
package core
