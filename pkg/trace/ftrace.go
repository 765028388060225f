package trace

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

var (
	// surfaceflinger-512   (  512) [001] d..2  1234.567890: sched_switch: ...
	ftraceLineRe = regexp.MustCompile(`^\s*(.+)-(\d+)\s+(?:\(\s*[\d-]+\)\s+)?\[(\d+)\]\s+(?:\S+\s+)?(\d+\.\d+):\s+(\w+):\s?(.*)$`)
	schedSwitchRe = regexp.MustCompile(`prev_comm=(.*) prev_pid=(\d+) .*prev_state=(\S+) ==> next_comm=(.*) next_pid=(\d+)`)
)

type running struct {
	startUs float64
	pid     int
	comm    string
}

type openMark struct {
	startUs float64
	name    string
}

// ParseFtrace converts atrace text output into events. sched_switch lines
// become per-CPU scheduling slices (args.cpu, args.state) and
// tracing_mark_write begin/end pairs become "atrace" slices.
func ParseFtrace(r io.Reader) ([]Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		events []Event
		seen   bool
	)
	onCPU := make(map[int]running)
	marks := make(map[int][]openMark)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		m := ftraceLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		seen = true
		tid, _ := strconv.Atoi(m[2])
		cpu, _ := strconv.Atoi(m[3])
		secs, _ := strconv.ParseFloat(m[4], 64)
		tsUs := secs * 1e6

		switch m[5] {
		case "sched_switch":
			sw := schedSwitchRe.FindStringSubmatch(m[6])
			if sw == nil {
				continue
			}
			if cur, ok := onCPU[cpu]; ok && cur.pid != 0 {
				events = append(events, Event{
					Name: cur.comm,
					Ph:   "X",
					Ts:   ptr(cur.startUs),
					Dur:  ptr(tsUs - cur.startUs),
					PID:  flexInt(cur.pid),
					TID:  flexInt(cur.pid),
					Args: map[string]any{"cpu": cpu, "state": normalizeState(sw[3])},
				})
			}
			next, _ := strconv.Atoi(sw[5])
			onCPU[cpu] = running{startUs: tsUs, pid: next, comm: sw[4]}

		case "tracing_mark_write":
			parts := strings.SplitN(strings.TrimSpace(m[6]), "|", 3)
			switch parts[0] {
			case "B":
				if len(parts) == 3 {
					marks[tid] = append(marks[tid], openMark{startUs: tsUs, name: parts[2]})
				}
			case "E":
				stack := marks[tid]
				if len(stack) == 0 {
					continue
				}
				open := stack[len(stack)-1]
				marks[tid] = stack[:len(stack)-1]
				events = append(events, Event{
					Name: open.name,
					Cat:  "atrace",
					Ph:   "X",
					Ts:   ptr(open.startUs),
					Dur:  ptr(tsUs - open.startUs),
					TID:  flexInt(tid),
				})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ftrace: %w", err)
	}
	if !seen {
		return nil, fmt.Errorf("unrecognised trace format")
	}
	return events, nil
}

// normalizeState keeps the leading state letter ("R+" -> "R").
func normalizeState(s string) string {
	if s == "" {
		return s
	}
	return s[:1]
}
