package main

import (
	"flag"
	"fmt"
	"os"

	"classline/auth/internal/config"
	"classline/auth/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	flag.Parse()

	cfg := config.Load()
	if err := migrate.Run(cfg.DatabaseURL, *direction); err != nil {
		fmt.Fprintf(os.Stderr, "migrate %s failed: %v\n", *direction, err)
		os.Exit(1)
	}
	fmt.Printf("migrate %s done\n", *direction)
}
