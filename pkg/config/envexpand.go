package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go
// template syntax, {{.VAR_NAME}}. Plain $ stays untouched so upstream
// URLs with userinfo or query strings survive expansion literally.
//
// Missing variables expand to empty strings; validation catches required
// fields left empty. Content that fails to parse as a template passes
// through unchanged so template-free YAML never breaks on stray braces.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("gateway").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
