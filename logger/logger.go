package logger

import (
	"os"

	"go.uber.org/zap"
)

// New builds the process logger. APP_ENV=dev switches to the human-readable
// development encoder.
func New() *zap.Logger {
	var (
		log *zap.Logger
		err error
	)
	if os.Getenv("APP_ENV") == "dev" {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return log
}
