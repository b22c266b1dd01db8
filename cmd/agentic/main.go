package main

import (
	"errors"
	"io/fs"
	"log"

	"github.com/joho/godotenv"

	"github.com/Tahsine/agentic-cli/internal/cli"
)

func main() {
	// API keys for the model and search backends usually live in .env.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("Error loading .env file: %v", err)
	}

	cli.Execute()
}
