// Package config loads the gateway configuration.
//
// The configuration is a YAML file with four sections:
//
//	backend:
//	  type: opennebula            # dummy, opennebula or ec2
//	  endpoint: one.example.org:2633
//	  timeout: 30s                # bound on every native call
//	  wait_step: 5s               # convergence poll interval
//	  wait_timeout: 5m
//	  settings:
//	    image_datastore: "1"
//	schema:
//	  mixin_files: [/etc/occigate/templates.cue]
//	restrictions:
//	  policy_paths: [/etc/occigate/policies]
//	  watch: true
//	telemetry:
//	  logging:
//	    level: info
//
// Missing values take the defaults from Default. Environment variables
// prefixed with OCCIGATE_ override the file: BACKEND, ENDPOINT, REGION,
// TIMEOUT, WAIT_STEP, WAIT_TIMEOUT, POLICY_PATHS, MIXIN_FILES (comma
// separated), LOG_LEVEL, LOG_FORMAT and OTLP_ENDPOINT.
//
// The result is validated with struct tags and handed to backend.NewProxy
// as a plain value.
package config
