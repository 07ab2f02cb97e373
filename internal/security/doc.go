// Package security summarizes the effective security posture of a running
// engine: which algorithms and costs are in force and which degraded modes
// are active.
package security
