package mqttconverter

import (
	"fmt"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// pahoLogger adapts zerolog to paho's package-level logger interface.
type pahoLogger struct {
	logger zerolog.Logger
	level  zerolog.Level
}

func (l pahoLogger) Println(v ...interface{}) {
	l.logger.WithLevel(l.level).Msg(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l pahoLogger) Printf(format string, v ...interface{}) {
	l.logger.WithLevel(l.level).Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

var pahoLoggerOnce sync.Once

// RouteClientLogs sends paho's internal ERROR, CRITICAL and WARN output to
// logger. Paho's loggers are globals, so only the first call takes effect.
func RouteClientLogs(logger zerolog.Logger) {
	pahoLoggerOnce.Do(func() {
		l := logger.With().Str("component", "paho").Logger()
		mqtt.CRITICAL = pahoLogger{logger: l, level: zerolog.ErrorLevel}
		mqtt.ERROR = pahoLogger{logger: l, level: zerolog.ErrorLevel}
		mqtt.WARN = pahoLogger{logger: l, level: zerolog.WarnLevel}
	})
}
