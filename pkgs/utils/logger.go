package utils

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// InitLogger applies the baseline logrus setup before configuration is
// loaded. LoadConfig refines the level once LOG_LEVEL is known.
func InitLogger() {
	log.SetOutput(os.Stdout)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
		ForceColors:   true,
	})
	log.SetLevel(log.InfoLevel)
}
