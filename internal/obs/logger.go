package obs

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger writes one JSON object per call. Callers pass the whole record as
// a field map; "op" doubles as the message.
type Logger struct {
	l *logrus.Logger
}

func NewLogger() *Logger {
	return NewLoggerTo(os.Stdout, "info")
}

// NewLoggerTo logs to w at the given level name. An unknown level falls
// back to info.
func NewLoggerTo(w io.Writer, level string) *Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000000000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "ts",
		},
	})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return &Logger{l: l}
}

func (lg *Logger) Debug(fields map[string]interface{}) { lg.log(logrus.DebugLevel, fields) }

func (lg *Logger) Info(fields map[string]interface{}) { lg.log(logrus.InfoLevel, fields) }

func (lg *Logger) Warn(fields map[string]interface{}) { lg.log(logrus.WarnLevel, fields) }

func (lg *Logger) Error(fields map[string]interface{}) { lg.log(logrus.ErrorLevel, fields) }

func (lg *Logger) log(level logrus.Level, fields map[string]interface{}) {
	if lg == nil || lg.l == nil {
		return
	}
	msg, _ := fields["op"].(string)
	lg.l.WithFields(logrus.Fields(fields)).Log(level, msg)
}
