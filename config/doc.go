// Package config defines the immutable startup configuration for the
// filewire client and server.
//
// Configuration is read once from a YAML file (with command-line
// overrides applied by the binaries) and validated before anything
// starts; runtime code never consults ambient or global state. Bad
// values (a non-positive chunk size, a sampling probability outside
// [0, 1], a malformed key) fail startup with ErrInvalidConfiguration.
package config
