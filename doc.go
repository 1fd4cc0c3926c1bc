// Package main provides the go-resign CLI for re-signing iOS apps.
//
// For the library API, see the codesign subpackage:
//
//	import "github.com/aluedeke/go-resign/pkg/codesign"
//
// # Installation
//
//	go install github.com/aluedeke/go-resign@latest
package main
