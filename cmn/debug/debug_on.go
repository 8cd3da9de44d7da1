// +build debug

// Package debug provides assert and verbose-logging helpers compiled in
// only under the "debug" build tag.
package debug

import (
	"expvar"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/kfsgo/chunksrv/cmn/nlog"
)

func init() {
	loadLogLevel()
}

func fatalMsg(f string, v ...interface{}) {
	s := fmt.Sprintf(f, v...)
	if s == "" || s[len(s)-1] != '\n' {
		fmt.Fprintln(os.Stderr, s)
	} else {
		fmt.Fprint(os.Stderr, s)
	}
	os.Exit(1)
}

// loadLogLevel parses and validates per-package levels from an
// environment variable, e.g. CHUNKSRV_DEBUG=repl=4,bufgate=2 (same idea
// as GODEBUG). The parsed levels are not stored; asserts are on for every
// package in a debug build.
func loadLogLevel() {
	var (
		opts    []string
		modules = map[string]uint8{
			"repl":    smoduleRepl,
			"bufgate": smoduleBufgate,
			"rsreader": smoduleRSReader,
		}
	)

	if val := os.Getenv("CHUNKSRV_DEBUG"); val != "" {
		opts = strings.Split(val, ",")
	}

	for _, ele := range opts {
		pair := strings.Split(ele, "=")
		if len(pair) != 2 {
			fatalMsg("failed to get module=level element: %q", ele)
		}
		module, level := pair[0], pair[1]
		if _, exists := modules[module]; !exists {
			fatalMsg("unknown module: %s", module)
		}
		if logLvl, err := strconv.Atoi(level); err != nil || logLvl <= 0 {
			fatalMsg("invalid verbosity level=%s, err: %s", level, err)
		}
	}
}

const (
	smoduleRepl uint8 = iota
	smoduleBufgate
	smoduleRSReader
)

var expvars [3]*expvar.Int

func NewExpvar(smodule uint8) {
	if expvars[smodule] == nil {
		expvars[smodule] = expvar.NewInt(fmt.Sprintf("debug.module.%d", smodule))
	}
}

func SetExpvar(smodule uint8, _ string, val int64) {
	if v := expvars[smodule]; v != nil {
		v.Set(val)
	}
}

func Enabled() bool { return true }

func Errorln(a ...interface{}) {
	if len(a) == 1 {
		nlog.ErrorDepth(1, "[DEBUG] ", a[0])
		return
	}
	Errorf("%v", a)
}

func Errorf(f string, a ...interface{}) {
	nlog.ErrorDepth(1, fmt.Sprintf("[DEBUG] "+f, a...))
}

func Infof(f string, a ...interface{}) {
	nlog.InfoDepth(1, fmt.Sprintf("[DEBUG] "+f, a...))
}

func Func(f func()) { f() }

func Assert(cond bool, a ...interface{}) {
	if !cond {
		nlog.Flush()
		if len(a) > 0 {
			panic("DEBUG PANIC: " + fmt.Sprint(a...))
		} else {
			panic("DEBUG PANIC")
		}
	}
}

func AssertFunc(f func() bool, a ...interface{}) { Assert(f(), a...) }

func AssertMsg(cond bool, msg string) {
	if !cond {
		nlog.Flush()
		panic("DEBUG PANIC: " + msg)
	}
}

func AssertNoErr(err error) {
	if err != nil {
		nlog.Flush()
		panic(err)
	}
}

func Assertf(cond bool, f string, a ...interface{}) { AssertMsg(cond, fmt.Sprintf(f, a...)) }

func AssertMutexLocked(m *sync.Mutex) {
	state := reflect.ValueOf(m).Elem().FieldByName("state")
	AssertMsg(state.Int()&1 == 1, "Mutex not Locked")
}

func AssertRWMutexLocked(m *sync.RWMutex) {
	state := reflect.ValueOf(m).Elem().FieldByName("w").FieldByName("state")
	AssertMsg(state.Int()&1 == 1, "RWMutex not Locked")
}

func AssertRWMutexRLocked(m *sync.RWMutex) {
	const maxReaders = 1 << 30 // taken from sync/rwmutex.go
	rc := reflect.ValueOf(m).Elem().FieldByName("readerCount").Int()
	AssertMsg(rc > 0 || (0 > rc && rc > -maxReaders), "RWMutex not RLocked")
}

func Handlers() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"/debug/vars":               expvar.Handler().ServeHTTP,
		"/debug/pprof/":             pprof.Index,
		"/debug/pprof/cmdline":      pprof.Cmdline,
		"/debug/pprof/profile":      pprof.Profile,
		"/debug/pprof/symbol":       pprof.Symbol,
		"/debug/pprof/block":        pprof.Handler("block").ServeHTTP,
		"/debug/pprof/heap":         pprof.Handler("heap").ServeHTTP,
		"/debug/pprof/goroutine":    pprof.Handler("goroutine").ServeHTTP,
		"/debug/pprof/threadcreate": pprof.Handler("threadcreate").ServeHTTP,
	}
}
