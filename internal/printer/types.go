package printer

// Move describes a positioning command. Nil axis fields are omitted from
// the command, leaving that axis untouched.
type Move struct {
	X *float64
	Y *float64
	Z *float64

	// Feedrate in mm/min; zero lets the device use its configured default.
	Feedrate float64
}

// WiFiNetwork is one access point from a device-side scan.
type WiFiNetwork struct {
	SSID    string `json:"ssid"`
	RSSI    int    `json:"rssi"`
	Secured bool   `json:"secured"`
}

// WiFiCredentials joins a device to an access point.
type WiFiCredentials struct {
	SSID     string
	Password string
}

// StatusReport is a device's self-reported state snapshot.
type StatusReport struct {
	// State is the device's job state (idle, printing, paused, error).
	State string `json:"state"`

	// ToolTemp and BedTemp are current temperatures in Celsius;
	// the Target fields are the active setpoints.
	ToolTemp       float64 `json:"tool_temp"`
	TargetToolTemp float64 `json:"target_tool_temp"`
	BedTemp        float64 `json:"bed_temp"`
	TargetBedTemp  float64 `json:"target_bed_temp"`

	// JobName and JobProgress describe the active print job, if any.
	JobName     string  `json:"job_name"`
	JobProgress float64 `json:"job_progress"`
}
