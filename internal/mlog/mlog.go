// Package mlog is maybe-log: debug tracing that costs nothing unless the
// MLOG environment variable (or SetPattern) supplies a regular expression
// matching the caller-provided file key.
package mlog

import (
	"log"
	"os"
	"regexp"
	"sync"
	"sync/atomic"
)

const (
	stateUninitialized int32 = iota
	stateDisabled
	stateEnabled
)

var (
	logger = log.New(os.Stderr, "", log.Ltime|log.Lmicroseconds)
	status = stateUninitialized

	mutex         sync.Mutex
	patternRegexp *regexp.Regexp
	file2Debug    map[string]bool
)

func initializeWithPattern(p string) {
	if p == "" {
		atomic.StoreInt32(&status, stateDisabled)
		return
	}
	patternRegexp = regexp.MustCompile(p)
	file2Debug = make(map[string]bool)
	atomic.StoreInt32(&status, stateEnabled)
}

// SetPattern overrides the MLOG pattern. The returned function restores
// the previous state.
func SetPattern(p string) (undo func()) {
	mutex.Lock()
	defer mutex.Unlock()
	oldStatus := atomic.LoadInt32(&status)
	oldRegexp := patternRegexp
	initializeWithPattern(p)
	return func() {
		mutex.Lock()
		defer mutex.Unlock()
		patternRegexp = oldRegexp
		file2Debug = make(map[string]bool)
		atomic.StoreInt32(&status, oldStatus)
	}
}

// SetLogger replaces the output logger; the returned function restores it.
func SetLogger(l *log.Logger) (undo func()) {
	mutex.Lock()
	defer mutex.Unlock()
	old := logger
	logger = l
	return func() {
		mutex.Lock()
		defer mutex.Unlock()
		logger = old
	}
}

func IsEnabled() bool {
	return atomic.LoadInt32(&status) != stateDisabled
}

// Printf2 logs when file matches the active pattern.
func Printf2(file string, format string, args ...interface{}) {
	if atomic.LoadInt32(&status) == stateDisabled {
		return
	}
	mutex.Lock()
	defer mutex.Unlock()
	if atomic.LoadInt32(&status) == stateUninitialized {
		initializeWithPattern(os.Getenv("MLOG"))
		if atomic.LoadInt32(&status) == stateDisabled {
			return
		}
	}
	debug, ok := file2Debug[file]
	if !ok {
		debug = patternRegexp.MatchString(file)
		file2Debug[file] = debug
	}
	if debug {
		logger.Printf(format, args...)
	}
}
