// Package main содержит операторскую утилиту сервиса привлечения инвестиций.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "load .env:", err)
		os.Exit(1)
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
