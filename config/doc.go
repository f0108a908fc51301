// Package config defines the runtime configuration and a layered loader:
// defaults, then an optional YAML file, then environment variables, each
// layer overriding the one before it. Environment keys follow the struct
// nesting with a STATEGRAPH prefix, e.g. STATEGRAPH_CHECKPOINT_BACKEND.
package config
