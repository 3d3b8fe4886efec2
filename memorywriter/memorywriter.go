package memorywriter

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"time"
)

// This is a helper package that writes logs to memory,
// rotates the lines, but remembers some lines on the start.
// It is useful for detailed logging that would take too much
// space on disk; the calibration page can download the whole
// thing gzipped from the status page when reporting a bug.

// to prevent possible memory issues, hardcode max line length
const maxLineLength = 500

type MemoryWriter struct {
	mutex        sync.Mutex
	maxLineCount int
	lines        [][]byte // lines include newlines
	startCount   int
	startLines   [][]byte
	startTime    time.Time
	printTime    bool
	extraWriter  io.Writer // optional tee for verbose runs
}

func New(size, startSize int, printTime bool, extraWriter io.Writer) (*MemoryWriter, error) {
	if size < startSize {
		return nil, errors.New("size smaller than startSize")
	}
	return &MemoryWriter{
		maxLineCount: size - startSize,
		lines:        make([][]byte, 0, size-startSize),
		startCount:   startSize,
		startLines:   make([][]byte, 0, startSize),
		startTime:    time.Now(),
		printTime:    printTime,
		extraWriter:  extraWriter,
	}, nil
}

var callerPrefix = findCallerPrefix()

func findCallerPrefix() string {
	pc := make([]uintptr, 1)
	n := runtime.Callers(1, pc)
	frames := runtime.CallersFrames(pc[:n])
	frame, _ := frames.Next()
	return strings.TrimSuffix(frame.File, "memorywriter/memorywriter.go")
}

// Log writes a line prefixed with the calling file, line and function,
// so the exported log reads without grepping the source.
func (m *MemoryWriter) Log(s string) {
	pc := make([]uintptr, 1)
	// 2 skips runtime.Callers and Log itself
	n := runtime.Callers(2, pc)
	frames := runtime.CallersFrames(pc[:n])
	frame, _ := frames.Next()
	file := strings.TrimPrefix(frame.File, callerPrefix)
	function := strings.TrimPrefix(frame.Function, "github.com/dualshock-tools/calibd-go/")
	m.Println(fmt.Sprintf("[%s %d %s] %s", file, frame.Line, function, s))
}

func (m *MemoryWriter) Println(s string) {
	long := []byte(s + "\n")
	_, err := m.Write(long)
	if err != nil {
		// give up, just print on stdout
		fmt.Println(err)
	}
}

// Writer remembers lines in memory
func (m *MemoryWriter) Write(p []byte) (int, error) {
	if len(p) > maxLineLength {
		return 0, errors.New("input too long")
	}

	var newline []byte
	if !m.printTime {
		newline = make([]byte, len(p))
		copy(newline, p)
	} else {
		now := time.Now()
		elapsed := now.Sub(m.startTime)

		elapsedS := fmt.Sprintf("%.6f", elapsed.Seconds())
		nowS := now.Format("15:04:05")

		newline = []byte(fmt.Sprintf("[%s : %s] %s", elapsedS, nowS, string(p)))
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.extraWriter != nil {
		_, err := m.extraWriter.Write(newline)
		if err != nil {
			return 0, err
		}
	}

	if len(m.startLines) < m.startCount {
		// do not rotate
		m.startLines = append(m.startLines, newline)
	} else {
		// rotate
		for len(m.lines) >= m.maxLineCount {
			m.lines = m.lines[1:]
		}

		m.lines = append(m.lines, newline)
	}
	return len(p), nil
}

// Exports lines to a writer, plus adds additional text on top.
// In our case, additional text is the daemon version and device list.
func (m *MemoryWriter) writeTo(start string, w io.Writer) error {
	_, err := w.Write([]byte(start))
	if err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	// Write end lines (latest on up)
	for i := len(m.lines) - 1; i >= 0; i-- {
		line := m.lines[i]
		_, err = w.Write(line)
		if err != nil {
			return err
		}
	}

	// ... to make space between start and end
	_, err = w.Write([]byte("...\n"))
	if err != nil {
		return err
	}

	// Write start lines
	for i := len(m.startLines) - 1; i >= 0; i-- {
		line := m.startLines[i]
		_, err = w.Write(line)
		if err != nil {
			return err
		}
	}

	return nil
}

// String exports as string
func (m *MemoryWriter) String(start string) (string, error) {
	var b bytes.Buffer
	err := m.writeTo(start, &b)
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

// Gzip exports as GZip bytes
func (m *MemoryWriter) Gzip(start string) ([]byte, error) {
	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}

	gw.Name = "log.txt"
	err = m.writeTo(start, gw)
	if err != nil {
		return nil, err
	}

	err = gw.Close()
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
