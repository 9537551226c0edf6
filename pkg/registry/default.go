package registry

import (
	"bytes"
	_ "embed"
)

// JPYCAddress is the JPYC contract address shared by all supported chains.
const JPYCAddress = "0xE7C3D8C9a439feDe00D2600032D5dB0Be71C3c29"

// DefaultNetwork is the network used when none is configured.
const DefaultNetwork = "polygon-amoy"

//go:embed registry.yaml
var defaultRegistry []byte

// Default returns the built-in JPYC registry.
func Default(opts ...Option) (*Registry, error) {
	return Load(bytes.NewReader(defaultRegistry), opts...)
}
