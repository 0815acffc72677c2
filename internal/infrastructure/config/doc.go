// Package config loads the gateway's YAML configuration.
//
// Load starts from Default, overlays the file, then applies TAGGW_*
// environment variables and validates the result. Secrets (the
// provisioning master key, broker password, webhook JWT secret and
// InfluxDB token) belong in the environment rather than the file:
//
//	TAGGW_PROVISIONING_MASTER_KEY=... taggateway --config configs/config.yaml
package config
