package logx

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog"
)

// LineWriter re-emits whatever is written to it as one log event per line.
// Partial lines are held until the next newline or Flush.
type LineWriter struct {
	logger *zerolog.Logger
	level  zerolog.Level
	mu     sync.Mutex
	buf    bytes.Buffer
}

func NewLineWriter(logger *zerolog.Logger, level zerolog.Level) *LineWriter {
	return &LineWriter{logger: logger, level: level}
}

func (lw *LineWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	lw.buf.Write(p)
	for {
		line, err := lw.buf.ReadBytes('\n')
		if err != nil {
			// no newline yet, put the remainder back
			rest := append([]byte(nil), line...)
			lw.buf.Reset()
			lw.buf.Write(rest)
			break
		}
		lw.emit(bytes.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush emits any buffered partial line.
func (lw *LineWriter) Flush() {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.buf.Len() > 0 {
		lw.emit(bytes.TrimRight(lw.buf.Bytes(), "\r\n"))
		lw.buf.Reset()
	}
}

func (lw *LineWriter) emit(line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	lw.logger.WithLevel(lw.level).Msg(string(line))
}
