// Package config loads the vmpool service configuration.
//
// The configuration is a YAML file read over Default and validated with
// go-playground/validator. It covers the state store, the workspace root and
// pinned module, naming limits, retry policies, the NetBox allocator, the
// plan/apply runner backend, the optional local policy gate, the placement of
// every environment tag and telemetry.
//
// Secrets may reference environment variables:
//
//	netbox:
//	  url: https://netbox.example.com
//	  token: ${NETBOX_TOKEN}
package config
