// Package config loads the configuration of a streamkit process.
//
// A Config holds the transport connection, the metrics endpoint, the auditor store, logging
// and the network definition to deploy. Files may be JSON or YAML and are read by a Loader
// in layers: defaults first, then every added file in order, then STREAMKIT_* environment
// variables. Nested objects are merged key by key; arrays and scalars are replaced.
//
//	loader := config.NewLoader()
//	loader.AddLayer("config/base.yaml")
//	loader.AddLayer("config/production.yaml") // Overrides base
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Environment Overrides
//
//	STREAMKIT_NATS_URL, STREAMKIT_NATS_USERNAME, STREAMKIT_NATS_PASSWORD, STREAMKIT_NATS_TOKEN
//	STREAMKIT_AUDITOR_STORE, STREAMKIT_AUDITOR_PATH, STREAMKIT_AUDITOR_BUCKET
//	STREAMKIT_LOG_LEVEL, STREAMKIT_LOG_FORMAT, STREAMKIT_METRICS_PORT
//
// Setting nats.url to "memory://" runs the network on the in-process transport, which is
// the default.
//
// # File Safety
//
// Config files are size-limited, must be regular files with a .json, .yaml or .yml
// extension, and relative paths may not escape the working directory. JSON nesting depth
// is bounded.
package config
