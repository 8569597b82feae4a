package suntech

import (
	"fmt"
	"strings"

	"github.com/fleetwatch/fleetwatch/pkg/model"
)

// Encoder renders commands into the Suntech ASCII command form. Frames are
// terminated with CR when written by the dispatcher.
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
		return fmt.Sprintf("SETINTERVAL,%s", cmd.Params["interval"]), nil
	case model.CommandSetOverspeed:
		return fmt.Sprintf("SETOVERSPEED,%s", cmd.Params["limit"]), nil
	case model.CommandReboot:
		return "REBOOT", nil
	case model.CommandPositionSingle:
		return "POSITION", nil
	case model.CommandEngineStop:
		return "ENGINE,STOP", nil
	case model.CommandEngineResume:
		return "ENGINE,RESUME", nil
	case model.CommandOutputControl:
		return fmt.Sprintf("OUTPUT,%s,%s", cmd.Params["index"], cmd.Params["state"]), nil
	case model.CommandCustom:
		if cmd.Params["data"] == "" {
			return "", fmt.Errorf("custom command without data")
		}
		return cmd.Params["data"], nil
	}
	return "", fmt.Errorf("suntech: unsupported command type %q", cmd.Type)
}

// DecodeCommand parses an encoded wire string back into (type, params). Used
// by tests and by the command-result correlation path.
func DecodeCommand(wire string) (string, map[string]string, error) {
	parts := strings.Split(wire, ",")
	switch parts[0] {
	case "SETINTERVAL":
		if len(parts) != 2 {
			return "", nil, fmt.Errorf("suntech: malformed SETINTERVAL %q", wire)
		}
		return model.CommandSetInterval, map[string]string{"interval": parts[1]}, nil
	case "SETOVERSPEED":
		if len(parts) != 2 {
			return "", nil, fmt.Errorf("suntech: malformed SETOVERSPEED %q", wire)
		}
		return model.CommandSetOverspeed, map[string]string{"limit": parts[1]}, nil
	case "REBOOT":
		return model.CommandReboot, nil, nil
	case "POSITION":
		return model.CommandPositionSingle, nil, nil
	case "ENGINE":
		if len(parts) != 2 {
			return "", nil, fmt.Errorf("suntech: malformed ENGINE %q", wire)
		}
		switch parts[1] {
		case "STOP":
			return model.CommandEngineStop, nil, nil
		case "RESUME":
			return model.CommandEngineResume, nil, nil
		}
		return "", nil, fmt.Errorf("suntech: unknown ENGINE action %q", parts[1])
	case "OUTPUT":
		if len(parts) != 3 {
			return "", nil, fmt.Errorf("suntech: malformed OUTPUT %q", wire)
		}
		return model.CommandOutputControl, map[string]string{"index": parts[1], "state": parts[2]}, nil
	}
	return "", nil, fmt.Errorf("suntech: unknown command %q", wire)
}
