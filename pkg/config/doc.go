// Package config loads and validates nebuladb engine configuration.
//
// Files are YAML. Any ${VAR} or ${VAR:-fallback} reference is replaced with
// the environment value before parsing, so secrets and paths can stay out of
// the file:
//
//	storage:
//	  type: bolt
//	  path: ${NEBULADB_DATA:-./data}
//	pool:
//	  max: 32
//	  acquire_timeout: 5s
//
// Values not present in the file keep the defaults from Default.
package config
