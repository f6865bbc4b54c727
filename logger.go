package sitepulse

import (
	"io"
	"os"
	"strings"

	"github.com/labstack/gommon/log"
	"github.com/sirupsen/logrus"
)

// NewLogger returns the process logger: JSON in production, text in
// development.
func NewLogger(environment, level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	if environment == "development" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// echoLogger adapts a logrus logger to echo.Logger so handler logs share
// the structured stream.
type echoLogger struct {
	entry  *logrus.Entry
	prefix string
}

func newEchoLogger(l *logrus.Logger) *echoLogger {
	return &echoLogger{entry: logrus.NewEntry(l)}
}

func (l *echoLogger) Output() io.Writer     { return l.entry.Logger.Out }
func (l *echoLogger) SetOutput(w io.Writer) { l.entry.Logger.SetOutput(w) }
func (l *echoLogger) Prefix() string        { return l.prefix }
func (l *echoLogger) SetHeader(string)      {}

func (l *echoLogger) SetPrefix(p string) {
	l.prefix = p
	l.entry = l.entry.WithField("prefix", p)
}

func (l *echoLogger) Level() log.Lvl {
	switch l.entry.Logger.GetLevel() {
	case logrus.DebugLevel, logrus.TraceLevel:
		return log.DEBUG
	case logrus.InfoLevel:
		return log.INFO
	case logrus.WarnLevel:
		return log.WARN
	case logrus.ErrorLevel:
		return log.ERROR
	default:
		return log.OFF
	}
}

func (l *echoLogger) SetLevel(v log.Lvl) {
	switch v {
	case log.DEBUG:
		l.entry.Logger.SetLevel(logrus.DebugLevel)
	case log.INFO:
		l.entry.Logger.SetLevel(logrus.InfoLevel)
	case log.WARN:
		l.entry.Logger.SetLevel(logrus.WarnLevel)
	case log.ERROR:
		l.entry.Logger.SetLevel(logrus.ErrorLevel)
	case log.OFF:
		l.entry.Logger.SetLevel(logrus.PanicLevel)
	}
}

func (l *echoLogger) Print(i ...interface{})                    { l.entry.Print(i...) }
func (l *echoLogger) Printf(format string, args ...interface{}) { l.entry.Printf(format, args...) }
func (l *echoLogger) Printj(j log.JSON)                         { l.entry.WithFields(logrus.Fields(j)).Print() }
func (l *echoLogger) Debug(i ...interface{})                    { l.entry.Debug(i...) }
func (l *echoLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *echoLogger) Debugj(j log.JSON)                         { l.entry.WithFields(logrus.Fields(j)).Debug() }
func (l *echoLogger) Info(i ...interface{})                     { l.entry.Info(i...) }
func (l *echoLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *echoLogger) Infoj(j log.JSON)                          { l.entry.WithFields(logrus.Fields(j)).Info() }
func (l *echoLogger) Warn(i ...interface{})                     { l.entry.Warn(i...) }
func (l *echoLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *echoLogger) Warnj(j log.JSON)                          { l.entry.WithFields(logrus.Fields(j)).Warn() }
func (l *echoLogger) Error(i ...interface{})                    { l.entry.Error(i...) }
func (l *echoLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
func (l *echoLogger) Errorj(j log.JSON)                         { l.entry.WithFields(logrus.Fields(j)).Error() }
func (l *echoLogger) Fatal(i ...interface{})                    { l.entry.Fatal(i...) }
func (l *echoLogger) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }
func (l *echoLogger) Fatalj(j log.JSON)                         { l.entry.WithFields(logrus.Fields(j)).Fatal() }
func (l *echoLogger) Panic(i ...interface{})                    { l.entry.Panic(i...) }
func (l *echoLogger) Panicf(format string, args ...interface{}) { l.entry.Panicf(format, args...) }
func (l *echoLogger) Panicj(j log.JSON)                         { l.entry.WithFields(logrus.Fields(j)).Panic() }
