// Package api exposes the pipeline over HTTP: the aggregate status query,
// funding statistics and transaction lookup, rate limited control commands
// that inject an image and wait for its outcome, the emergency stop, and the
// health and metrics endpoints used by operators.
package api
