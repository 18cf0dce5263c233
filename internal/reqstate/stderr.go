package reqstate

import (
	"bytes"

	"go.uber.org/zap"
)

// stderrLineBuffer implements the supplemented STDERR line-buffered
// logging feature: the original logs complete lines only, holding a
// partial trailing line across STDERR record boundaries. feed appends one
// record's payload and flushes every complete line it now contains.
type stderrLineBuffer struct {
	buf    bytes.Buffer
	log    *zap.Logger
	fields []zap.Field
}

func newStderrLineBuffer(log *zap.Logger, fields ...zap.Field) *stderrLineBuffer {
	return &stderrLineBuffer{log: log, fields: fields}
}

func (s *stderrLineBuffer) feed(p []byte) {
	s.buf.Write(p)
	for {
		data := s.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return
		}
		line := bytes.TrimRight(data[:idx], "\r")
		s.emit(line)
		s.buf.Next(idx + 1)
	}
}

// flush logs whatever partial line remains unterminated, called once the
// request ends so no trailing diagnostic output is lost.
func (s *stderrLineBuffer) flush() {
	if s.buf.Len() == 0 {
		return
	}
	s.emit(s.buf.Bytes())
	s.buf.Reset()
}

func (s *stderrLineBuffer) emit(line []byte) {
	if len(line) == 0 {
		return
	}
	fields := append(append([]zap.Field(nil), s.fields...), zap.ByteString("line", line))
	s.log.Info("fastcgi stderr", fields...)
}
