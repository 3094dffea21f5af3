/*
 *
 * Copyright 2015 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package grpclog defines logging for grpc. Its default Logger is a thin
// adapter over logrus so the control plane gets structured, leveled
// logging instead of unadorned fmt/log calls; embedders may still install
// their own Logger at init time.
package grpclog

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger mimics the stdlib log.Logger interface but adds level-gated
// V(level) checks so hot paths in the control plane can skip formatting
// work entirely when a level is disabled.
type Logger interface {
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
	Fatalln(args ...interface{})
	Print(args ...interface{})
	Printf(format string, args ...interface{})
	Println(args ...interface{})
	V(l int) bool
}

// logrusLogger is the default Logger, backed by a single package-level
// *logrus.Logger so every component in the module logs through the same
// structured sink and level.
type logrusLogger struct {
	l *logrus.Logger
}

func newLogrusLogger() *logrusLogger {
	l := logrus.New()
	l.Out = os.Stderr
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl := os.Getenv("GRPC_GO_LOG_SEVERITY_LEVEL"); lvl != "" {
		if parsed, err := logrus.ParseLevel(lvl); err == nil {
			l.SetLevel(parsed)
		}
	}
	return &logrusLogger{l: l}
}

func (g *logrusLogger) Fatal(args ...interface{})                 { g.l.Fatal(args...) }
func (g *logrusLogger) Fatalf(format string, args ...interface{}) { g.l.Fatalf(format, args...) }
func (g *logrusLogger) Fatalln(args ...interface{})               { g.l.Fatal(args...) }
func (g *logrusLogger) Print(args ...interface{})                 { g.l.Info(args...) }
func (g *logrusLogger) Printf(format string, args ...interface{}) { g.l.Infof(format, args...) }
func (g *logrusLogger) Println(args ...interface{})               { g.l.Info(args...) }
func (g *logrusLogger) V(l int) bool {
	// V(0) is "info and above", V(1) is "warning and above" to match
	// grpc-go's convention of higher V meaning more important.
	switch l {
	case 0:
		return g.l.IsLevelEnabled(logrus.InfoLevel)
	case 1:
		return g.l.IsLevelEnabled(logrus.WarnLevel)
	default:
		return g.l.IsLevelEnabled(logrus.ErrorLevel)
	}
}

var (
	mu     sync.RWMutex
	logger Logger = newLogrusLogger()
)

// SetLogger sets the logger that is used in grpc. The swap is guarded by a
// mutex, so it is safe to call while other goroutines are logging.
func SetLogger(l Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

func current() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Info logs to the INFO log.
func Info(args ...interface{}) { current().Print(args...) }

// Infof logs to the INFO log. Arguments are handled like fmt.Printf.
func Infof(format string, args ...interface{}) { current().Printf(format, args...) }

// Infoln logs to the INFO log. Arguments are handled like fmt.Println.
func Infoln(args ...interface{}) { current().Println(args...) }

// Warning logs through the Logger's Print method; Logger has no warning
// level, so the default logrus Logger writes it at info level.
func Warning(args ...interface{}) { current().Print(args...) }

// Warningf logs like Warning. Arguments are handled like fmt.Printf.
func Warningf(format string, args ...interface{}) { current().Printf(format, args...) }

// Warningln logs like Warning. Arguments are handled like fmt.Println.
func Warningln(args ...interface{}) { current().Println(args...) }

// Error logs through the Logger's Print method; Logger has no error level,
// so the default logrus Logger writes it at info level.
func Error(args ...interface{}) { current().Print(args...) }

// Errorf logs like Error. Arguments are handled like fmt.Printf.
func Errorf(format string, args ...interface{}) { current().Printf(format, args...) }

// Errorln logs like Error. Arguments are handled like fmt.Println.
func Errorln(args ...interface{}) { current().Println(args...) }

// Fatal logs to the FATAL log, then calls os.Exit(1).
func Fatal(args ...interface{}) { current().Fatal(args...) }

// Fatalf logs to the FATAL log, then calls os.Exit(1).
func Fatalf(format string, args ...interface{}) { current().Fatalf(format, args...) }

// Fatalln logs to the FATAL log, then calls os.Exit(1).
func Fatalln(args ...interface{}) { current().Fatalln(args...) }

// V reports whether verbosity level l is enabled.
func V(l int) bool { return current().V(l) }
