package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	langtars "github.com/langbot-app/LangTARS"
)

func main() {
	cfg, err := langtars.LoadAppConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	if cfg.HashPassword != "" {
		hash, err := langtars.HashPassword(cfg.HashPassword)
		if err != nil {
			log.Fatalf("Hash error: %v", err)
		}
		fmt.Println(hash)
		return
	}

	s := langtars.New(langtars.FromAppConfig(cfg)...)
	if err := s.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
