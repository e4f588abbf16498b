package main

//go:generate swag init -g cmd/arbiter/main.go -o docs

// @title           Arbiter API
// @version         0.1.0
// @description     Position ownership, guardrail validation and order lifecycle for multi-strategy trading.
// @host            localhost:8080
// @BasePath        /
// @schemes         http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
