package logrusadapter

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Adapter turns key value pairs into logrus fields.
type Adapter struct {
	logger logrus.FieldLogger
}

func New(logger logrus.FieldLogger) *Adapter {
	return &Adapter{logger: logger}
}

func (a *Adapter) Info(msg string, keysAndValues ...any) {
	a.entry(keysAndValues).Info(msg)
}

func (a *Adapter) Error(msg string, keysAndValues ...any) {
	a.entry(keysAndValues).Error(msg)
}

func (a *Adapter) Debug(msg string, keysAndValues ...any) {
	a.entry(keysAndValues).Debug(msg)
}

func (a *Adapter) Warn(msg string, keysAndValues ...any) {
	a.entry(keysAndValues).Warn(msg)
}

func (a *Adapter) entry(kv []any) logrus.FieldLogger {
	if len(kv) == 0 {
		return a.logger
	}
	fields := make(logrus.Fields, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		if i+1 < len(kv) {
			fields[key] = kv[i+1]
		} else {
			fields[key] = "(MISSING)"
		}
	}
	return a.logger.WithFields(fields)
}
