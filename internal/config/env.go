package config

import (
	"os"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// LoadDotEnv reads a .env file into the process environment so config
// placeholders like ${BINANCE_API_KEY} resolve. A missing file is fine;
// variables already set in the environment win.
func LoadDotEnv(path string) {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if os.IsNotExist(err) {
			return
		}
		log.WithError(err).WithField("path", path).Warn("dotenv load failed")
	}
}

// expandEnv resolves ${VAR} references. Unset variables expand to the
// empty string and are caught by Validate.
func expandEnv(s string) string {
	return os.Expand(s, os.Getenv)
}
