package main

import (
	"io"
	"os"

	"github.com/MimeLyc/transcribe-worker/internal/config"
	"github.com/MimeLyc/transcribe-worker/internal/service"
	"github.com/MimeLyc/transcribe-worker/pkg/log"
)

type commandContext struct {
	configFlag  *string
	envFileFlag *string

	config  *config.Config
	logFile *log.FileLogger

	// components overrides the configured model, fetcher and converter
	components service.Components
}

func newCommandContext(configFlag, envFileFlag *string) *commandContext {
	return &commandContext{
		configFlag:  configFlag,
		envFileFlag: envFileFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.config != nil {
		return c.config, nil
	}
	cfg, err := config.Load(config.LoadOptions{
		ConfigFile: *c.configFlag,
		EnvFile:    *c.envFileFlag,
	})
	if err != nil {
		return nil, err
	}
	c.config = cfg
	return cfg, nil
}

// setupLogging points the global logger at out, or at LOG_FILE when set.
func (c *commandContext) setupLogging(cfg *config.Config, out io.Writer) error {
	level := log.ParseLevel(cfg.System.LogLevel)
	if cfg.System.LogFile != "" {
		fl, err := log.NewFileLogger(cfg.System.LogFile, level)
		if err != nil {
			return err
		}
		c.logFile = fl
		log.SetLogger(fl.Logger)
		return nil
	}
	logger := log.NewLogger(level)
	logger.SetOutput(out)
	log.SetLogger(logger)
	return nil
}

func (c *commandContext) close() {
	if c.logFile == nil {
		return
	}
	log.SetLogger(log.NewLogger(log.LevelInfo))
	if err := c.logFile.Close(); err != nil {
		_, _ = os.Stderr.WriteString("close log file: " + err.Error() + "\n")
	}
	c.logFile = nil
}
