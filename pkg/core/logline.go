package core

// Priority is the single-letter logcat priority (V, D, I, W, E, F, S).
type Priority string

const (
	PriorityVerbose Priority = "V"
	PriorityDebug   Priority = "D"
	PriorityInfo    Priority = "I"
	PriorityWarn    Priority = "W"
	PriorityError   Priority = "E"
	PriorityFatal   Priority = "F"
	PrioritySilent  Priority = "S"
	PriorityUnknown Priority = "?"
)

// LogLine is a single logcat record captured from a device.
type LogLine struct {
	Seq      uint64   `json:"seq"`
	Serial   string   `json:"serial"`
	TsUnixMs int64    `json:"ts_unix_ms"`
	Priority Priority `json:"priority"`
	Tag      string   `json:"tag,omitempty"`
	PID      int      `json:"pid,omitempty"`
	TID      int      `json:"tid,omitempty"`
	Message  string   `json:"message"`
	Raw      string   `json:"raw"`
	Color    string   `json:"color,omitempty"` // highlight colour of the matching keyword
}

// Sample is one memory/power reading for a package on a device.
type Sample struct {
	Serial        string  `json:"serial"`
	Package       string  `json:"package"`
	TsUnixMs      int64   `json:"ts_unix_ms"`
	PSSKB         int64   `json:"pss_kb"`
	HasPSS        bool    `json:"has_pss"`
	PowerDeltaMAh float64 `json:"power_delta_mah"`
	HasPower      bool    `json:"has_power"`
}
