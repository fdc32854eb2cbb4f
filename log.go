package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/api"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/bot"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/db"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/escrow"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

// Write writes the data in p to standard out and the log rotator.
func (logWriter) Write(p []byte) (n int, err error) {
	if logRotator == nil {
		return os.Stdout.Write(p)
	}
	os.Stdout.Write(p)
	return logRotator.Write(p)
}

// Loggers per subsystem. A single backend logger is created and all subsystem
// loggers created from it write to the backend.
var (
	// logRotator is one of the logging outputs. Use initLogRotator to set it.
	// It should be closed on application shutdown.
	logRotator *rotator.Rotator

	backendLog = slog.NewBackend(logWriter{})

	log = backendLog.Logger("MAIN")

	// subsystemLoggers maps each subsystem identifier to its associated logger.
	subsystemLoggers = map[string]slog.Logger{
		"MAIN": log,
		"ESCR": backendLog.Logger("ESCR"),
		"DB":   backendLog.Logger("DB"),
		"BOT":  backendLog.Logger("BOT"),
		"API":  backendLog.Logger("API"),
	}
)

func init() {
	escrow.UseLogger(subsystemLoggers["ESCR"])
	db.UseLogger(subsystemLoggers["DB"])
	bot.UseLogger(subsystemLoggers["BOT"])
	api.UseLogger(subsystemLoggers["API"])
}

// initLogRotator initializes the logging rotater to write logs to logFile and
// create roll files in the same directory. It must be called before the
// package-global log rotater variables are used.
func initLogRotator(logFile string, maxRolls int) error {
	logDir, _ := filepath.Split(logFile)
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0700); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	r, err := rotator.New(logFile, 32*1024, false, maxRolls)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}
	logRotator = r
	return nil
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels sets the level of every subsystem from debugLevel,
// either a single level or a comma separated list of SUBSYS=level pairs
// optionally led by a default level, e.g. "info,ESCR=debug".
func parseAndSetDebugLevels(debugLevel string) error {
	for _, part := range strings.Split(debugLevel, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "=") {
			lvl, ok := slog.LevelFromString(part)
			if !ok {
				return fmt.Errorf("the specified debug level [%v] is invalid", part)
			}
			for _, logger := range subsystemLoggers {
				logger.SetLevel(lvl)
			}
			continue
		}

		fields := strings.SplitN(part, "=", 2)
		subsysID, levelStr := strings.TrimSpace(fields[0]), strings.TrimSpace(fields[1])
		logger, exists := subsystemLoggers[subsysID]
		if !exists {
			return fmt.Errorf("the specified subsystem [%v] is invalid, supported subsystems %v",
				subsysID, supportedSubsystems())
		}
		lvl, ok := slog.LevelFromString(levelStr)
		if !ok {
			return fmt.Errorf("the specified debug level [%v] is invalid", levelStr)
		}
		logger.SetLevel(lvl)
	}
	return nil
}

// recoveryLogger feeds panics caught by the HTTP recovery handler into the
// API log.
type recoveryLogger struct{}

func (recoveryLogger) Println(v ...interface{}) {
	subsystemLoggers["API"].Error(v...)
}
