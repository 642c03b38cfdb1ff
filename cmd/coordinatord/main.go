package main

import (
	"log"

	"arcesc/services/coordinator"
)

func main() {
	if err := coordinator.Main(); err != nil {
		log.Fatalf("coordinatord: %v", err)
	}
}
