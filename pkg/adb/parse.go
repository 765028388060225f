package adb

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/modoterra/logkit/pkg/core"
)

// ParseDevices parses `adb devices` / `adb devices -l` output.
func ParseDevices(output string) []core.Device {
	var devices []core.Device
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		d := core.Device{Serial: fields[0], State: core.ParseState(fields[1])}
		for _, f := range fields[2:] {
			k, v, ok := strings.Cut(f, ":")
			if !ok {
				continue
			}
			switch k {
			case "model":
				d.Model = v
			case "product":
				d.Product = v
			case "transport_id":
				d.Transport = v
			}
		}
		devices = append(devices, d)
	}
	return devices
}

var (
	physicalSizeRe = regexp.MustCompile(`Physical size: (\d+)x(\d+)`)
	overrideSizeRe = regexp.MustCompile(`Override size: (\d+)x(\d+)`)
)

// ParseScreenSize extracts the resolution from `wm size`. An override size
// takes precedence over the physical one.
func ParseScreenSize(output string) (int, int, error) {
	m := overrideSizeRe.FindStringSubmatch(output)
	if m == nil {
		m = physicalSizeRe.FindStringSubmatch(output)
	}
	if m == nil {
		return 0, 0, fmt.Errorf("cannot parse screen size from %q", strings.TrimSpace(output))
	}
	w, _ := strconv.Atoi(m[1])
	h, _ := strconv.Atoi(m[2])
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid screen size %dx%d", w, h)
	}
	return w, h, nil
}

var (
	totalPSSRe   = regexp.MustCompile(`TOTAL PSS:\s+(\d+)`)
	totalTableRe = regexp.MustCompile(`(?m)^\s*TOTAL\s+(\d+)`)
)

// ParseTotalPSS extracts the total PSS (KB) from `dumpsys meminfo <pkg>`.
func ParseTotalPSS(output string) (int64, bool) {
	m := totalPSSRe.FindStringSubmatch(output)
	if m == nil {
		m = totalTableRe.FindStringSubmatch(output)
	}
	if m == nil {
		return 0, false
	}
	kb, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return kb, true
}

// ParsePowerUse finds the estimated power use (mAh) for pkg in
// `dumpsys batterystats` output. The package and the estimate must share a line.
func ParsePowerUse(output, pkg string) (float64, bool) {
	if strings.TrimSpace(pkg) == "" {
		return 0, false
	}
	re, err := regexp.Compile(regexp.QuoteMeta(pkg) + `.*?Estimated power use \(mAh\): (\d+\.\d+)`)
	if err != nil {
		return 0, false
	}
	m := re.FindStringSubmatch(output)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
