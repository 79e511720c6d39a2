// Command devtoken prints a bearer token for local testing.
package main

import (
	"flag"
	"fmt"
	"log"

	"lv-papertrade/internal/auth"
	"lv-papertrade/internal/config"
)

func main() {
	user := flag.String("user", "demo-user", "user id to put in the token subject")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	token, err := auth.NewService(cfg.JWTIssuer, []byte(cfg.JWTSecret), cfg.JWTTTL).SignToken(*user)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(token)
}
