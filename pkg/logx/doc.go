// Package logx is the structured logger shared by the supervisor and its
// workers: a value-type wrapper over zerolog whose sinks can be swapped
// while the process runs, plus a rate-limited front for noisy loops.
package logx
