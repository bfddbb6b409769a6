package logging

import (
	"time"
)

type fieldKind uint8

const (
	kindAny fieldKind = iota
	kindString
	kindInt
	kindUint
	kindBool
)

// Field is one key/value pair attached to a log entry. Fields are
// encoded straight into the entry buffer; construct them with the
// helpers below.
type Field struct {
	Key  string
	kind fieldKind
	str  string
	num  uint64
	val  any
}

// Common field constructors
func String(key, value string) Field {
	return Field{Key: key, kind: kindString, str: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, kind: kindInt, num: uint64(int64(value))}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, kind: kindInt, num: uint64(value)}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: key, kind: kindUint, num: value}
}

func Bool(key string, value bool) Field {
	f := Field{Key: key, kind: kindBool}
	if value {
		f.num = 1
	}
	return f
}

func Duration(key string, value time.Duration) Field {
	return String(key, value.String())
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", kind: kindAny} // Encodes as null
	}
	return String("error", err.Error())
}

func Any(key string, value any) Field {
	return Field{Key: key, kind: kindAny, val: value}
}

// Field helpers for common storage-engine fields

func Component(name string) Field {
	return String("component", name)
}

func Table(path string) Field {
	return String("table", path)
}

func FileNumber(n uint64) Field {
	return Uint64("file_number", n)
}

func TableLevel(level int) Field {
	// "level" is the entry header's key; table levels get their own
	return Int("table_level", level)
}

func Operation(op string) Field {
	return String("operation", op)
}

func Latency(d time.Duration) Field {
	return Duration("latency", d)
}

func Entries(n uint64) Field {
	return Uint64("entries", n)
}

func Bytes(n uint64) Field {
	return Uint64("bytes", n)
}

// TimedOperation helps measure operation duration
type TimedOperation struct {
	logger Logger
	msg    string
	start  time.Time
	fields []Field
}

// StartTimer begins timing an operation
func StartTimer(logger Logger, msg string, fields ...Field) *TimedOperation {
	return &TimedOperation{
		logger: logger,
		msg:    msg,
		start:  time.Now(),
		fields: fields,
	}
}

// End logs the operation with its duration
func (t *TimedOperation) End() {
	elapsed := time.Since(t.start)
	t.logger.Info(t.msg, append(t.fields, Latency(elapsed))...)
}

// EndError logs the operation as an error with its duration
func (t *TimedOperation) EndError(err error) {
	elapsed := time.Since(t.start)
	t.logger.Error(t.msg, append(t.fields, Latency(elapsed), Error(err))...)
}
