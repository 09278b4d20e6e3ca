// Package xlog is a thin structured-logging wrapper over logrus, exposing
// the familiar "logger.Warn(msg, logger.Ctx{...})" call shape without
// depending on a larger shared logger package.
package xlog

import "github.com/sirupsen/logrus"

// Ctx carries structured key/value context alongside a log message.
type Ctx map[string]any

func fields(ctx []Ctx) logrus.Fields {
	if len(ctx) == 0 {
		return nil
	}

	f := make(logrus.Fields, len(ctx[0]))
	for _, c := range ctx {
		for k, v := range c {
			f[k] = v
		}
	}

	return f
}

// Debug logs a debug-level message with optional structured context.
func Debug(msg string, ctx ...Ctx) {
	logrus.WithFields(fields(ctx)).Debug(msg)
}

// Warn logs a warning-level message with optional structured context.
func Warn(msg string, ctx ...Ctx) {
	logrus.WithFields(fields(ctx)).Warn(msg)
}

// Error logs an error-level message with optional structured context.
func Error(msg string, ctx ...Ctx) {
	logrus.WithFields(fields(ctx)).Error(msg)
}
