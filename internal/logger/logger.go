// Package logger — единый вывод логов gptpsync с префиксом и учётом quiet/debug.
package logger

import (
	"log"
	"sync"
)

// Quiet при true отключает информационные сообщения (Info); Error выводится всегда.
var Quiet bool

// Debug при true включает отладочные сообщения (разбор кадров, отбраковка).
var Debug bool

const prefix = "gptpsync: "

// Info выводит сообщение с префиксом "gptpsync: ", если Quiet == false.
func Info(format string, args ...interface{}) {
	if Quiet {
		return
	}
	log.Printf(prefix+format, args...)
}

// Error выводит сообщение об ошибке с префиксом "gptpsync: " всегда.
func Error(format string, args ...interface{}) {
	log.Printf(prefix+format, args...)
}

// Debugf выводит сообщение только при Debug.
func Debugf(format string, args ...interface{}) {
	if !Debug {
		return
	}
	log.Printf(prefix+format, args...)
}

// Logger — именованный логгер компонента ("engine", "rawsock", ...).
type Logger struct {
	name string
}

var loggers sync.Map

// New возвращает логгер компонента; повторный вызов с тем же именем отдаёт тот же логгер.
func New(name string) *Logger {
	l, _ := loggers.LoadOrStore(name, &Logger{name: name})
	return l.(*Logger)
}

// Name — имя компонента.
func (l *Logger) Name() string { return l.name }

func (l *Logger) Debugf(format string, args ...interface{}) {
	Debugf(l.name+": "+format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	Info(l.name+": "+format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	Error(l.name+": "+format, args...)
}
