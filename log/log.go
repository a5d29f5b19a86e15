// Package log provides the leveled, colorized logging sink used across
// the agent. It is adapted from evilginx2's log package: same level set
// and color scheme, minus the interactive-terminal refresh hook (this
// agent has no REPL to redraw).
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

var stdout io.Writer = color.Output
var debugOutput = true
var mtxLog = &sync.Mutex{}
var fileSink *os.File

const (
	DEBUG = iota
	INFO
	IMPORTANT
	WARNING
	ERROR
	FATAL
	SUCCESS
)

var levelLabels = map[int]string{
	DEBUG:     "dbg",
	INFO:      "inf",
	IMPORTANT: "imp",
	WARNING:   "war",
	ERROR:     "err",
	FATAL:     "!!!",
	SUCCESS:   "+++",
}

// SetFileSink enables appending plain (uncolored) log lines to path, in
// addition to the colorized stdout stream.
func SetFileSink(path string) error {
	mtxLog.Lock()
	defer mtxLog.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	fileSink = f
	return nil
}

func DebugEnable(enable bool) {
	debugOutput = enable
}

func SetOutput(o io.Writer) {
	stdout = o
}

func Debug(format string, args ...interface{}) {
	mtxLog.Lock()
	defer mtxLog.Unlock()
	if debugOutput {
		emit(DEBUG, format, args...)
	}
}

func Info(format string, args ...interface{}) {
	mtxLog.Lock()
	defer mtxLog.Unlock()
	emit(INFO, format, args...)
}

func Important(format string, args ...interface{}) {
	mtxLog.Lock()
	defer mtxLog.Unlock()
	emit(IMPORTANT, format, args...)
}

func Warning(format string, args ...interface{}) {
	mtxLog.Lock()
	defer mtxLog.Unlock()
	emit(WARNING, format, args...)
}

func Error(format string, args ...interface{}) {
	mtxLog.Lock()
	defer mtxLog.Unlock()
	emit(ERROR, format, args...)
}

func Fatal(format string, args ...interface{}) {
	mtxLog.Lock()
	defer mtxLog.Unlock()
	emit(FATAL, format, args...)
}

func Success(format string, args ...interface{}) {
	mtxLog.Lock()
	defer mtxLog.Unlock()
	emit(SUCCESS, format, args...)
}

func emit(lvl int, format string, args ...interface{}) {
	line := formatMsg(lvl, format+"\n", args...)
	fmt.Fprint(stdout, line)
	if fileSink != nil {
		plain := append([]interface{}{time.Now().Format("15:04:05"), levelLabels[lvl]}, args...)
		fmt.Fprintf(fileSink, "[%s] [%s] "+format+"\n", plain...)
	}
}

func formatMsg(lvl int, format string, args ...interface{}) string {
	t := time.Now()
	var sign, msg *color.Color
	switch lvl {
	case DEBUG:
		sign = color.New(color.FgBlack, color.BgHiBlack)
		msg = color.New(color.Reset, color.FgHiBlack)
	case INFO:
		sign = color.New(color.FgGreen, color.BgBlack)
		msg = color.New(color.Reset)
	case IMPORTANT:
		sign = color.New(color.FgWhite, color.BgHiBlue)
		msg = color.New(color.Reset)
	case WARNING:
		sign = color.New(color.FgBlack, color.BgYellow)
		msg = color.New(color.Reset)
	case ERROR:
		sign = color.New(color.FgWhite, color.BgRed)
		msg = color.New(color.Reset, color.FgRed)
	case FATAL:
		sign = color.New(color.FgBlack, color.BgRed)
		msg = color.New(color.Reset, color.FgRed, color.Bold)
	case SUCCESS:
		sign = color.New(color.FgWhite, color.BgGreen)
		msg = color.New(color.Reset, color.FgGreen)
	}
	timeClr := color.New(color.Reset)
	return "\r[" + timeClr.Sprintf("%02d:%02d:%02d", t.Hour(), t.Minute(), t.Second()) + "] [" + sign.Sprintf("%s", levelLabels[lvl]) + "] " + msg.Sprintf(format, args...)
}
