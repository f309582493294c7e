package logs

import (
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
)

const modulePrefix = "github.com/cinderblock/smooth-control/"

// Logger writes single log lines annotated with the calling file, line
// and function, trimmed to module-relative paths.
type Logger struct {
	Writer io.Writer
	mutex  sync.Mutex
}

func (l *Logger) Log(s string) {
	l.logIn(s, 3)
}

func (l *Logger) Write(p []byte) (int, error) {
	l.logIn(string(p), 3)
	return len(p), nil
}

func (l *Logger) WriteString(s string) (int, error) {
	l.logIn(s, 3)
	return len(s), nil
}

// logIn skips `callers` stack frames to find the actual call site; the
// depth is fixed because every exported entry point is one frame deep.
func (l *Logger) logIn(s string, callers int) {
	s = strings.TrimSuffix(s, "\n")
	pc := make([]uintptr, 15)
	n := runtime.Callers(callers, pc)
	frames := runtime.CallersFrames(pc[:n])
	frame, _ := frames.Next()

	file := frame.File
	if i := strings.LastIndex(file, "smooth-control/"); i >= 0 {
		file = file[i+len("smooth-control/"):]
	}
	function := strings.TrimPrefix(frame.Function, modulePrefix)

	l.println(fmt.Sprintf("[%s %d %s] %s", file, frame.Line, function, s))
}

func (l *Logger) println(s string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if _, err := l.Writer.Write([]byte(s + "\n")); err != nil {
		// give up, just print on stdout
		fmt.Println(err)
	}
}
