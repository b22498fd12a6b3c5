package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/haiwen/seafevents/utils"
)

const (
	timestampFormat = "[2006-01-02 15:04:05] "
	errorLogName    = "seafevents_error.log"
)

var logToStdout bool

type LogFormatter struct{}

func (f *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	levelStr := entry.Level.String()
	if levelStr == "fatal" {
		levelStr = "ERROR"
	} else {
		levelStr = strings.ToUpper(levelStr)
	}
	level := fmt.Sprintf("[%s] ", levelStr)
	appName := ""
	if logToStdout {
		appName = "[seafevents] "
	}
	buf := make([]byte, 0, len(appName)+len(timestampFormat)+len(level)+len(entry.Message)+1)
	buf = append(buf, appName...)
	buf = entry.Time.AppendFormat(buf, timestampFormat)
	buf = append(buf, level...)
	buf = append(buf, entry.Message...)
	buf = append(buf, '\n')
	return buf, nil
}

// openLog points the logger at logFile. "-" logs to stdout, an empty path to
// <centralDir>/../logs/seafevents.log. Stderr goes to the error log next to it.
func openLog(centralDir, logFile string) error {
	if logFile == "-" {
		logToStdout = true
		log.SetOutput(os.Stdout)
		return nil
	}
	if logFile == "" {
		logFile = filepath.Join(centralDir, "..", "logs", "seafevents.log")
	}
	var err error
	absLogFile, err = filepath.Abs(logFile)
	if err != nil {
		return fmt.Errorf("failed to convert log file path to absolute path: %w", err)
	}
	return reopenLog()
}

func reopenLog() error {
	fp, err := os.OpenFile(absLogFile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open or create log file: %w", err)
	}
	log.SetOutput(fp)
	if logFp != nil {
		logFp.Close()
	}
	logFp = fp

	errorLogFile := filepath.Join(filepath.Dir(absLogFile), errorLogName)
	errFp, err := os.OpenFile(errorLogFile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open or create error log file: %w", err)
	}
	defer errFp.Close()
	return utils.Dup(int(errFp.Fd()), int(os.Stderr.Fd()))
}

func setLogLevel(levelStr string) {
	level, err := log.ParseLevel(levelStr)
	if err != nil {
		log.Info("use the default log level: info")
		log.SetLevel(log.InfoLevel)
		return
	}
	log.SetLevel(level)
}
