package logcat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// followPoll is how often Follow checks for new data.
var followPoll = 250 * time.Millisecond

// ReadFile returns at most maxLines from the end of a saved log. A missing
// file yields no lines; maxLines <= 0 returns the whole file.
func ReadFile(path string, maxLines int) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if maxLines <= 0 {
		var lines []string
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read log: %w", err)
		}
		return lines, nil
	}

	ring := make([]string, maxLines)
	count := 0
	idx := 0
	for scanner.Scan() {
		ring[idx] = scanner.Text()
		idx = (idx + 1) % maxLines
		if count < maxLines {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}

	lines := make([]string, count)
	if count == maxLines {
		for i := 0; i < count; i++ {
			lines[i] = ring[(idx+i)%maxLines]
		}
	} else {
		copy(lines, ring[:count])
	}
	return lines, nil
}

// Follow tails a file from its current end and emits each new complete
// line. Truncation (log rotation) restarts from the beginning. The channel
// is closed when ctx is cancelled.
func Follow(ctx context.Context, path string) (<-chan string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek %s: %w", path, err)
	}

	ch := make(chan string, 100)
	go func() {
		defer f.Close()
		defer close(ch)

		reader := bufio.NewReader(f)
		var partial strings.Builder
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			chunk, err := reader.ReadString('\n')
			partial.WriteString(chunk)
			if err != nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(followPoll):
				}
				info, serr := f.Stat()
				if serr != nil {
					continue
				}
				pos, _ := f.Seek(0, io.SeekCurrent)
				if info.Size() < pos {
					f.Seek(0, io.SeekStart)
					reader.Reset(f)
					partial.Reset()
				}
				continue
			}

			line := strings.TrimRight(partial.String(), "\r\n")
			partial.Reset()
			select {
			case ch <- line:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
