package util

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/veilmesh/veilmesh/common"
)

// InitLog configures the global logger from the loaded config. Must be
// called after viper has read the config file.
func InitLog() {
	customFormatter := new(log.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02 15:04:05"
	customFormatter.FullTimestamp = true
	log.SetFormatter(customFormatter)

	level, err := log.ParseLevel(viper.GetString(common.CfgLogLevel))
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}
