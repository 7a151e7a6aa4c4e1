// Package agent defines the contract every pipeline agent runs under: a named
// unit that consumes from the bus, reports liveness through heartbeats, and
// surfaces terminal failures as data rather than errors.
package agent
