// Package config provides configuration management for the sandpool server.
//
// Configuration is loaded with viper from an optional config.yaml file,
// falling back to defaults for every key. The configuration covers the
// serving transport, logging, the container engine connection, the sandbox
// pool (capacity, image tag, base image, build context), code execution
// parameters, per-sandbox resource limits, and the session mirror store.
package config
