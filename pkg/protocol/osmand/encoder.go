package osmand

import (
	"fmt"
	"strings"

	"github.com/fleetwatch/fleetwatch/pkg/model"
)

// Encoder renders commands for OsmAnd clients. The client polls for pending
// commands, so the wire form is a simple TYPE:argument string.
type Encoder struct{}

func NewEncoder() *Encoder {
	return &Encoder{}
}

func (e *Encoder) Protocol() string {
	return ProtocolName
}

func (e *Encoder) Encode(cmd *model.Command) (string, error) {
	switch cmd.Type {
	case model.CommandSetInterval:
		return fmt.Sprintf("SET_INTERVAL:%s", cmd.Params["interval"]), nil
	case model.CommandSetOverspeed:
		return fmt.Sprintf("SET_OVERSPEED:%s", cmd.Params["limit"]), nil
	case model.CommandReboot:
		return "REBOOT", nil
	case model.CommandPositionSingle:
		return "REQUEST_POSITION", nil
	case model.CommandCustom:
		if cmd.Params["data"] == "" {
			return "", fmt.Errorf("custom command without data")
		}
		return cmd.Params["data"], nil
	}
	return "", fmt.Errorf("osmand: unsupported command type %q", cmd.Type)
}

// DecodeCommand parses an encoded wire string back into (type, params).
func DecodeCommand(wire string) (string, map[string]string, error) {
	name, arg := wire, ""
	if i := strings.IndexByte(wire, ':'); i >= 0 {
		name, arg = wire[:i], wire[i+1:]
	}

	switch name {
	case "SET_INTERVAL":
		return model.CommandSetInterval, map[string]string{"interval": arg}, nil
	case "SET_OVERSPEED":
		return model.CommandSetOverspeed, map[string]string{"limit": arg}, nil
	case "REBOOT":
		return model.CommandReboot, nil, nil
	case "REQUEST_POSITION":
		return model.CommandPositionSingle, nil, nil
	}
	return "", nil, fmt.Errorf("osmand: unknown command %q", wire)
}
