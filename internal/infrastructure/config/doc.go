// Package config handles loading and validating devicekit configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (DEVICEKIT_*)
//   - Validation of required fields
//   - Default value handling
//
// Command-line server arguments (server name, instance, -ORBendPoint, -file)
// always win over the values here; the file only supplies defaults and the
// settings of optional sinks (MQTT, InfluxDB, HTTP gateway).
//
// Usage:
//
//	cfg, err := config.Load("configs/devicekit.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Server.GreenMode)
package config
