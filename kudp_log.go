// Copyright © 2015 Daniel Fu <daniel820313@gmail.com>.
// Copyright © 2019 Loki 'l0k18' Verloren <stalker.loki@protonmail.ch>.
// Copyright © 2021 Gridfinity, LLC. <admin@gridfinity.com>.
// Copyright © 2021 Jeffrey H. Johnson <trnsz@pobox.com>.
//
// All rights reserved.
//
// All use of this code is governed by the MIT license.
// The complete license is available in the LICENSE file.

package kudp // import "github.com/kudpnet/kudp"

import (
	"github.com/sirupsen/logrus"
)

// Logger carries the three printf-style hooks the transport logs through.
// Embedders replace any of them via Config; nil fields are filled from the
// logrus standard logger.
type Logger struct {
	Info    func(format string, args ...interface{})
	Warning func(format string, args ...interface{})
	Error   func(format string, args ...interface{})
}

func defaultLogger() *Logger {
	std := logrus.StandardLogger()
	return &Logger{
		Info:    std.Infof,
		Warning: std.Warnf,
		Error:   std.Errorf,
	}
}

// complete fills nil hooks so call sites never have to check.
func (l *Logger) complete() *Logger {
	if l == nil {
		return defaultLogger()
	}
	d := defaultLogger()
	out := &Logger{Info: l.Info, Warning: l.Warning, Error: l.Error}
	if out.Info == nil {
		out.Info = d.Info
	}
	if out.Warning == nil {
		out.Warning = d.Warning
	}
	if out.Error == nil {
		out.Error = d.Error
	}
	return out
}
