// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package logging provides the printf-style log helpers used throughout skystack,
// backed by a zap sugared logger.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var sugar atomic.Pointer[zap.SugaredLogger]

func init() {
	l, _ := build("info", "")
	sugar.Store(l)
}

// Initialize logging to stdout and, if fileName is not empty, to the given file as well
func Init(level, fileName string) error {
	l, err := build(level, fileName)
	if err != nil {
		return err
	}
	if old := sugar.Swap(l); old != nil {
		_ = old.Sync()
	}
	return nil
}

// Replace the logger, e.g. with zap.NewNop().Sugar() in tests. Nil restores the default
func SetLogger(l *zap.SugaredLogger) {
	if l == nil {
		l, _ = build("info", "")
	}
	sugar.Store(l)
}

// The current logger
func L() *zap.SugaredLogger { return sugar.Load() }

func build(level, fileName string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	enc := zapcore.NewConsoleEncoder(cfg)

	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.Lock(os.Stdout), lvl)}
	if fileName != "" {
		f, err := os.OpenFile(fileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(f), lvl))
	}
	return zap.New(zapcore.NewTee(cores...)).Sugar(), nil
}

func Printf(format string, args ...interface{}) {
	L().Infof(strings.TrimRight(format, "\n"), args...)
}

func Println(args ...interface{}) {
	L().Info(args...)
}

func Debugf(format string, args ...interface{}) {
	L().Debugf(strings.TrimRight(format, "\n"), args...)
}

func Warnf(format string, args ...interface{}) {
	L().Warnf(strings.TrimRight(format, "\n"), args...)
}

// Log and exit with status 1
func Fatal(args ...interface{}) {
	L().Fatal(args...)
}

func Fatalf(format string, args ...interface{}) {
	L().Fatalf(strings.TrimRight(format, "\n"), args...)
}

// Flush buffered entries
func Sync() {
	_ = L().Sync()
}
