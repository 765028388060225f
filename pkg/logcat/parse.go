// Package logcat reads Android logcat output from devices and saved files.
package logcat

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/modoterra/logkit/pkg/core"
)

var (
	// 01-15 10:23:45.678 E/CameraService( 1234): message
	timeFormatRe = regexp.MustCompile(`^(\d\d-\d\d \d\d:\d\d:\d\d\.\d{3})\s+([VDIWEFS])/(.*?)\(\s*(\d+)\):\s?(.*)$`)
	// 01-15 10:23:45.678  1234  5678 E CameraService: message
	threadTimeRe = regexp.MustCompile(`^(\d\d-\d\d \d\d:\d\d:\d\d\.\d{3})\s+(\d+)\s+(\d+)\s+([VDIWEFS])\s+(.*?):\s?(.*)$`)
)

const stampLayout = "01-02 15:04:05.000"

// ParseLine splits a logcat line (-v time or -v threadtime) into its header
// fields. Lines in other shapes keep only Raw and Message. now supplies the
// year logcat omits and the fallback timestamp.
func ParseLine(raw string, now time.Time) core.LogLine {
	raw = strings.TrimRight(raw, "\r\n")
	line := core.LogLine{
		Raw:      raw,
		Message:  raw,
		Priority: core.PriorityUnknown,
		TsUnixMs: now.UnixMilli(),
	}

	if m := timeFormatRe.FindStringSubmatch(raw); m != nil {
		line.TsUnixMs = stampMillis(m[1], now)
		line.Priority = core.Priority(m[2])
		line.Tag = strings.TrimSpace(m[3])
		line.PID, _ = strconv.Atoi(m[4])
		line.Message = m[5]
		return line
	}

	if m := threadTimeRe.FindStringSubmatch(raw); m != nil {
		line.TsUnixMs = stampMillis(m[1], now)
		line.PID, _ = strconv.Atoi(m[2])
		line.TID, _ = strconv.Atoi(m[3])
		line.Priority = core.Priority(m[4])
		line.Tag = strings.TrimSpace(m[5])
		line.Message = m[6]
		return line
	}

	return line
}

// stampMillis resolves a year-less logcat stamp against now. Stamps more than
// a day in the future belong to the previous year (a December line read in January).
func stampMillis(stamp string, now time.Time) int64 {
	t, err := time.ParseInLocation(stampLayout, stamp, now.Location())
	if err != nil {
		return now.UnixMilli()
	}
	t = t.AddDate(now.Year(), 0, 0)
	if t.After(now.Add(24 * time.Hour)) {
		t = t.AddDate(-1, 0, 0)
	}
	return t.UnixMilli()
}
