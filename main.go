/*
Copyright © 2025 tieubaoca
*/
package main

import (
	"github.com/joho/godotenv"
	"github.com/tieubaoca/workspace-assistant/cmd"
)

func main() {
	cmd.Execute()
}

func init() {
	// A .env file is optional; the environment may already carry the keys.
	_ = godotenv.Load()
}
