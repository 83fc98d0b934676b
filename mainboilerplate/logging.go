package mainboilerplate

import (
	log "github.com/sirupsen/logrus"
)

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Minimum level of logged events"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Encoding of logged events"`
	Caller bool   `long:"caller" env:"CALLER" description:"Annotate events with the calling function"`
}

// InitLog applies LogConfig to the standard logrus logger.
func InitLog(cfg LogConfig) {
	var lvl, err = log.ParseLevel(cfg.Level)
	if err != nil {
		log.WithFields(log.Fields{"level": cfg.Level, "err": err}).Fatal("invalid log level")
	}

	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	log.SetLevel(lvl)
	log.SetReportCaller(cfg.Caller)
}
