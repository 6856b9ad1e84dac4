package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/aveer-dev/collabsync/syncservice"
)

func main() {
	// A local .env is optional; the environment wins when both are set.
	_ = godotenv.Load()

	if err := syncservice.Run(); err != nil {
		log.Error().Err(err).Msg("sync service exited with error")
		os.Exit(1)
	}
}
