package config

// BasicService is used as a simple base for optional client services like
// the Pprof and Prometheus endpoints.
type BasicService struct {
	Enabled bool `yaml:"enabled"`
	// Addresses holds the list of bind addresses in the form of "address:port".
	Addresses []string `yaml:"addresses"`
}

// GetAddresses returns the set of host:port pairs for the given basic service.
func (s BasicService) GetAddresses() []string {
	addrs := make([]string, len(s.Addresses))
	copy(addrs, s.Addresses)
	return addrs
}
