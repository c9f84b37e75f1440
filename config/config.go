// Package config loads process configuration from TASKDOCK_* environment
// variables, with an optional .env file overlay, and owns the log output.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/yaoapp/kun/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Conf is the process configuration
var Conf Config

// LogOutput is the active log sink
var LogOutput io.WriteCloser

// Init loads the configuration, overlaying ./.env when present, and applies
// the mode.
func Init() error {
	filename, _ := filepath.Abs(filepath.Join(".", ".env"))
	if _, err := os.Stat(filename); errors.Is(err, os.ErrNotExist) {
		cfg, err := Load()
		if err != nil {
			return err
		}
		Conf = cfg
	} else {
		cfg, err := LoadFrom(filename)
		if err != nil {
			return err
		}
		Conf = cfg
	}

	if Conf.Mode == "production" {
		Production()
	} else if Conf.Mode == "development" {
		Development()
	}
	return nil
}

// LoadFrom overlays the given .env file onto the environment, then loads.
func LoadFrom(envfile string) (Config, error) {
	file, err := filepath.Abs(envfile)
	if err != nil {
		return Load()
	}

	godotenv.Overload(file)
	return Load()
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}

	cfg.Root, _ = filepath.Abs(cfg.Root)

	if cfg.DB == "" {
		cfg.DB = filepath.Join(cfg.Root, "db", "taskdock.db")
	}

	return cfg, nil
}

// Production applies production mode: info-level logging to the rotated log
// file.
func Production() {
	Conf.Mode = "production"
	log.SetLevel(log.InfoLevel)
	log.SetFormatter(log.TEXT)
	if Conf.LogMode == "JSON" {
		log.SetFormatter(log.JSON)
	}
	ReloadLog()
}

// Development applies development mode: trace-level logging.
func Development() {
	Conf.Mode = "development"
	log.SetLevel(log.TraceLevel)
	log.SetFormatter(log.TEXT)
	if Conf.LogMode == "JSON" {
		log.SetFormatter(log.JSON)
	}
	ReloadLog()
}

// ReloadLog reopens the log output.
func ReloadLog() {
	CloseLog()
	OpenLog()
}

// OpenLog opens the rotated log file. When the log directory does not exist
// the output falls back to /dev/null rather than failing startup.
func OpenLog() {
	if Conf.Log == "" {
		Conf.Log = filepath.Join(Conf.Root, "logs", "taskdock.log")
	}

	if !filepath.IsAbs(Conf.Log) {
		Conf.Log = filepath.Join(Conf.Root, Conf.Log)
	}

	logfile, err := filepath.Abs(Conf.Log)
	if err != nil {
		return
	}

	logpath := filepath.Dir(logfile)
	if _, err := os.Stat(logpath); errors.Is(err, os.ErrNotExist) {
		LogOutput, _ := os.OpenFile(os.DevNull, os.O_WRONLY, 0666)
		log.SetOutput(LogOutput)
		return
	}

	LogOutput = &lumberjack.Logger{
		Filename:   logfile,
		MaxSize:    Conf.LogMaxSize, // megabytes
		MaxBackups: Conf.LogMaxBackups,
		MaxAge:     Conf.LogMaxAge, // days
		LocalTime:  Conf.LogLocalTime,
	}

	log.SetOutput(LogOutput)
}

// CloseLog closes the log output.
func CloseLog() {
	if LogOutput != nil {
		err := LogOutput.Close()
		if err != nil {
			log.Error(err.Error())
			return
		}
	}
}
