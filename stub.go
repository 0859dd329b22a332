//go:build !tinygo

package main

// This file lets the regular Go toolchain (staticcheck, go vet, go test) load
// the device package. The firmware entry point is in main.go (TinyGo only).

func main() {
	println("dualboot: device firmware, build with tinygo -target=pico2-w")
}
