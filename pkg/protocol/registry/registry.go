// Package registry maps protocol tags to their decoder and encoder
// implementations.
package registry

import (
	"fmt"

	"github.com/fleetwatch/fleetwatch/pkg/protocol"
	"github.com/fleetwatch/fleetwatch/pkg/protocol/osmand"
	"github.com/fleetwatch/fleetwatch/pkg/protocol/suntech"
)

var (
	decoders = map[string]protocol.Decoder{
		suntech.ProtocolName: suntech.NewDecoder(),
		osmand.ProtocolName:  osmand.NewDecoder(),
	}
	encoders = map[string]protocol.Encoder{
		suntech.ProtocolName: suntech.NewEncoder(),
		osmand.ProtocolName:  osmand.NewEncoder(),
	}
)

// Decoder returns the decoder registered for the protocol tag.
func Decoder(name string) (protocol.Decoder, error) {
	d, ok := decoders[name]
	if !ok {
		return nil, fmt.Errorf("no decoder for protocol %q", name)
	}
	return d, nil
}

// Encoder returns the encoder registered for the protocol tag.
func Encoder(name string) (protocol.Encoder, error) {
	e, ok := encoders[name]
	if !ok {
		return nil, fmt.Errorf("no encoder for protocol %q", name)
	}
	return e, nil
}

// Protocols lists the registered protocol tags.
func Protocols() []string {
	out := make([]string, 0, len(decoders))
	for name := range decoders {
		out = append(out, name)
	}
	return out
}
