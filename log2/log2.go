// Package log2 solves these issues:
// - log level filtering, e.g. show debug messages in internal tests only
// - safe concurrent change of log level
// - optional error hook, so node errors may be counted or forwarded
//
// Primary goal was to run parallel tests and log into t.Logf() safely.
// All methods are safe to call on nil *Log, which discards everything.
package log2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"math"
	"os"
	"sync/atomic"
	"testing"
)

const ContextKey = "run/log"

const (
	// type specified here helped against accidentally passing flags as level
	Lmicroseconds     int = log.Lmicroseconds
	Lshortfile        int = log.Lshortfile
	LStdFlags         int = log.Ltime | Lshortfile
	LInteractiveFlags int = log.Ltime | Lshortfile | Lmicroseconds
	LServiceFlags     int = Lshortfile
	LTestFlags        int = Lshortfile | Lmicroseconds
)

func ContextValueLogger(ctx context.Context) *Log {
	v := ctx.Value(ContextKey)
	if v == nil {
		return nil
	}
	if log, ok := v.(*Log); ok {
		return log
	}
	panic(fmt.Errorf("context['%v'] expected type *Log", ContextKey))
}

type Level int32

const (
	LError Level = iota
	LWarn
	LInfo
	LDebug
	LAll = math.MaxInt32
)

type FmtFunc func(format string, args ...interface{})
type ErrorFunc func(error)

type Log struct {
	l       *log.Logger
	level   Level
	w       io.Writer
	fatalf  FmtFunc
	errfunc atomic.Value // ErrorFunc
}

func NewStderr(level Level) *Log { return NewWriter(os.Stderr, level) }
func NewWriter(w io.Writer, level Level) *Log {
	if w == ioutil.Discard {
		return nil
	}
	return &Log{
		l:     log.New(w, "", LStdFlags),
		level: level,
		w:     w,
	}
}

type FuncWriter struct{ FmtFunc }

func NewFunc(f FmtFunc, level Level) *Log { return NewWriter(FuncWriter{f}, level) }
func (self FuncWriter) Write(b []byte) (int, error) {
	self.FmtFunc("%s", string(b))
	return len(b), nil
}

func NewTest(t testing.TB, level Level) *Log {
	self := NewFunc(t.Logf, level)
	self.SetFlags(LTestFlags)
	self.fatalf = t.Fatalf
	return self
}

// Clone shares writer, flags, prefix and error hook.
func (self *Log) Clone(level Level) *Log {
	if self == nil {
		return nil
	}
	l := NewWriter(self.w, level)
	l.SetFlags(self.l.Flags())
	l.SetPrefix(self.l.Prefix())
	l.fatalf = self.fatalf
	if f, ok := self.errfunc.Load().(ErrorFunc); ok {
		l.errfunc.Store(f)
	}
	return l
}

// CloneDebug is shortcut for subsystem loggers with `log_debug` config switch.
func (self *Log) CloneDebug(debug bool) *Log {
	level := LInfo
	if debug {
		level = LDebug
	}
	return self.Clone(level)
}

func (self *Log) SetLevel(l Level) {
	if self == nil {
		return
	}
	atomic.StoreInt32((*int32)(&self.level), int32(l))
}

func (self *Log) SetFlags(f int) {
	if self == nil {
		return
	}
	self.l.SetFlags(f)
}

func (self *Log) SetPrefix(prefix string) {
	if self == nil {
		return
	}
	self.l.SetPrefix(prefix)
}

// SetErrorFunc registers hook called with every Error/Errorf argument.
func (self *Log) SetErrorFunc(f ErrorFunc) {
	if self == nil {
		return
	}
	self.errfunc.Store(f)
}

func (self *Log) Enabled(level Level) bool {
	if self == nil {
		return false
	}
	return atomic.LoadInt32((*int32)(&self.level)) >= int32(level)
}

func (self *Log) Log(level Level, s string) {
	if self.Enabled(level) {
		_ = self.l.Output(3, s)
	}
}
func (self *Log) Logf(level Level, format string, args ...interface{}) {
	if self.Enabled(level) {
		_ = self.l.Output(3, fmt.Sprintf(format, args...))
	}
}

func (self *Log) Error(args ...interface{}) {
	self.Log(LError, "error: "+fmt.Sprint(args...))
	if len(args) == 1 {
		if e, ok := args[0].(error); ok {
			self.callErrorFunc(e)
			return
		}
	}
	self.callErrorFunc(errors.New(fmt.Sprint(args...)))
}
func (self *Log) Errorf(format string, args ...interface{}) {
	self.Logf(LError, "error: "+format, args...)
	self.callErrorFunc(fmt.Errorf(format, args...))
}
func (self *Log) Warn(args ...interface{}) {
	self.Log(LWarn, "warn: "+fmt.Sprint(args...))
}
func (self *Log) Warnf(format string, args ...interface{}) {
	self.Logf(LWarn, "warn: "+format, args...)
}
func (self *Log) Info(args ...interface{}) {
	self.Log(LInfo, fmt.Sprint(args...))
}
func (self *Log) Infof(format string, args ...interface{}) {
	self.Logf(LInfo, format, args...)
}
func (self *Log) Debug(args ...interface{}) {
	self.Log(LDebug, "debug: "+fmt.Sprint(args...))
}
func (self *Log) Debugf(format string, args ...interface{}) {
	self.Logf(LDebug, "debug: "+format, args...)
}

// Printf, Println implement stdlib-like logger interfaces, e.g. paho mqtt.Logger.
func (self *Log) Printf(format string, args ...interface{}) {
	self.Logf(LInfo, format, args...)
}
func (self *Log) Println(args ...interface{}) {
	self.Log(LInfo, fmt.Sprintln(args...))
}

func (self *Log) Fatalf(format string, args ...interface{}) {
	if self != nil && self.fatalf != nil {
		self.fatalf(format, args...)
	} else {
		self.Logf(LError, "fatal: "+format, args...)
		os.Exit(1)
	}
}
func (self *Log) Fatal(args ...interface{}) {
	s := fmt.Sprint(args...)
	if self != nil && self.fatalf != nil {
		self.fatalf("%s", s)
	} else {
		self.Logf(LError, "fatal: "+s)
		os.Exit(1)
	}
}

func (self *Log) callErrorFunc(e error) {
	if self == nil {
		return
	}
	if f, ok := self.errfunc.Load().(ErrorFunc); ok && f != nil {
		f(e)
	}
}
