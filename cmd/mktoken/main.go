// Command mktoken prints a signed session token for a user id.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/johndosdos/huddle/internal/auth"
	"github.com/johndosdos/huddle/internal/config"
	"github.com/johndosdos/huddle/internal/logging"
)

func main() {
	user := flag.String("user", "", "user id to sign for (random when empty)")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	logger := logging.New(os.Stderr, "warn", "text")

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	userID := uuid.New()
	if *user != "" {
		userID, err = uuid.Parse(*user)
		if err != nil {
			logger.Error("Invalid user id", slog.String("user", *user), slog.Any("error", err))
			os.Exit(2)
		}
	}

	token, err := auth.MakeJWT(userID, cfg.Auth.JWTSecret, *ttl)
	if err != nil {
		logger.Error("Failed to sign token", slog.Any("error", err))
		os.Exit(1)
	}
	fmt.Printf("%s\t%s\n", userID, token)
}
