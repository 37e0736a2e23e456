package config

// KeysConfig points at the HMAC key material and its rotation policy.
type KeysConfig struct {
	// Path is the keys file, relative to the state dir unless absolute.
	Path string `yaml:"path"`
	// RingSize is how many keys, the current one included, stay acceptable
	// for verification.
	RingSize int `yaml:"ring_size"`
}

// KeyFile is the on-disk shape of the keys artifact.
type KeyFile struct {
	// Current names the signing key id.
	Current string `yaml:"current"`
	// Keys maps key id to hex-encoded secret; Order carries the age order.
	Keys map[string]string `yaml:"keys"`
	// Order lists key ids newest first; verification walks this order.
	Order []string `yaml:"order"`
}
