// Package blog wraps logrus behind the same thin Logger interface xfsgo's
// log package exposes. The chain manager, node and RPC server take a Logger
// field; the mempool and peer reputation log through logrus directly.
package blog

import (
	"io"

	"github.com/sirupsen/logrus"
)

type Logger interface {
	Debugf(format string, args ...interface{})
	Debugln(args ...interface{})
	Infof(format string, args ...interface{})
	Infoln(args ...interface{})
	Warnf(format string, args ...interface{})
	Warnln(args ...interface{})
	Errorf(format string, args ...interface{})
	Errorln(args ...interface{})
	Writer() *io.PipeWriter
	WithFields(fields logrus.Fields) *logrus.Entry
}

func Default() Logger {
	logrus.SetLevel(logrus.InfoLevel)
	return logrus.StandardLogger()
}
