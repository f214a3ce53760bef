// Package openapi embeds the bot manager API description.
package openapi

import (
	_ "embed"
	"sync"

	"sigs.k8s.io/yaml"
)

//go:embed spec.yaml
var document []byte

var (
	convertOnce sync.Once
	jsonDoc     []byte
	convertErr  error
)

// JSON renders the embedded document as JSON for GET /openapi. The
// conversion runs once per process.
func JSON() ([]byte, error) {
	convertOnce.Do(func() {
		jsonDoc, convertErr = yaml.YAMLToJSON(document)
	})
	return jsonDoc, convertErr
}

// YAML returns the document as authored.
func YAML() []byte {
	return document
}
