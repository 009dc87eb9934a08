package main

import (
	"log"

	"github.com/pixserve/pixserve/core/gateway"
	"github.com/pixserve/pixserve/core/infra/buildinfo"
	"github.com/pixserve/pixserve/core/infra/config"
)

func main() {
	log.Println("pixserve gateway starting...")
	buildinfo.Log("pixserve-gateway")
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := gateway.Run(cfg); err != nil {
		log.Fatalf("gateway error: %v", err)
	}
}
