package telemetry

// RelayServiceConfig is the telemetry configuration for the relay service
var RelayServiceConfig = Config{
	ServiceName:    "relay-service",
	ServiceVersion: "1.0.0",
}

// NewConfigForService creates a new telemetry config for a custom service
func NewConfigForService(serviceName, version, otlpEndpoint string) Config {
	return Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		OTLPEndpoint:   otlpEndpoint,
	}
}

// WithOTLPEndpoint sets the OTLP endpoint for a config
func (c Config) WithOTLPEndpoint(endpoint string) Config {
	c.OTLPEndpoint = endpoint
	return c
}

// WithServiceName sets the service name for a config
func (c Config) WithServiceName(name string) Config {
	if name != "" {
		c.ServiceName = name
	}
	return c
}
