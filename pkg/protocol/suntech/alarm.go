package suntech

// Alert codes reported in ALT frames, mapped to the shared alarm taxonomy.
// Codes not present here are passed through numerically.
var alarmByCode = map[int]string{
	1:  "sos",
	2:  "overspeed",
	3:  "geofenceEnter",
	4:  "geofenceExit",
	5:  "lowBattery",
	6:  "powerCut",
	7:  "vibration",
	8:  "door",
	9:  "jamming",
	14: "braking",
	15: "acceleration",
	16: "accident",
}

func alarmName(code int) (string, bool) {
	name, ok := alarmByCode[code]
	return name, ok
}
