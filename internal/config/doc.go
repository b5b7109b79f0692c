// Package config loads and merges SessionHost's Configuration (spec.md
// §6.4: maxConcurrentSessions, queryQueueDepth, healthCheckInterval,
// maxRestarts, hardCancelTimeout, shutdownGrace, debugEventBuffer,
// sessionLogBuffer, subagentPromptCacheSize, subscriberOutboundQueue,
// cancelInFlightOnEnqueue) from, in priority order:
//
//  1. Default() — the documented defaults
//  2. The global config file (~/.config/sessionhost/sessionhost.json)
//  3. A project-local config file (<dir>/.sessionhost/sessionhost.json)
//  4. SESSIONHOST_* environment variable overrides
//
// Only files named sessionhost.json are read; JSONC syntax (comments,
// trailing commas) inside them is accepted via github.com/tidwall/jsonc; later sources
// overwrite non-zero fields of earlier ones, the same merge-then-override
// shape the teacher's config.Load used for its own opencode.json[c] chain.
//
// Paths follows the XDG Base Directory Specification through the Paths
// type (Data, Config, Cache, State), adapted to APPDATA on Windows.
package config
